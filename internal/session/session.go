// ABOUTME: Orchestrator loads the stored context for each event, runs its flow and saves the result
// ABOUTME: Enforces the in-progress policy, drops redelivered events and deletes contexts on failure

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/flow"
	"github.com/2389/skillbot/internal/memory"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/metrics"
	"github.com/2389/skillbot/internal/ttlcache"
)

const (
	// seenTTL bounds how long event ids are remembered for redelivery checks.
	seenTTL      = 10 * time.Minute
	seenMaxSize  = 100_000
	maxParallel  = 16
	unknownLabel = "none"
)

// Options holds the collaborators of an Orchestrator. Recorder and Metrics may be nil.
type Options struct {
	Config   *config.Config
	Engine   *flow.Engine
	Store    memory.Store
	Recorder *conversation.Recorder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Result reports what happened to one event.
type Result struct {
	EventID string                `json:"event_id"`
	Flow    string                `json:"flow,omitempty"`
	Outcome string                `json:"outcome"`
	Context *conversation.Context `json:"context,omitempty"`
}

// Orchestrator runs events through the flow engine against the context store.
type Orchestrator struct {
	cfg      *config.Config
	engine   *flow.Engine
	store    memory.Store
	recorder *conversation.Recorder
	metrics  *metrics.Metrics
	seen     *ttlcache.Cache[struct{}]
	logger   *slog.Logger
}

// New creates an Orchestrator. Close releases its redelivery cache.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Engine == nil || opts.Store == nil {
		return nil, fmt.Errorf("session orchestrator requires config, engine and store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = conversation.NewRecorder(nil, logger)
	}
	return &Orchestrator{
		cfg:      opts.Config,
		engine:   opts.Engine,
		store:    opts.Store,
		recorder: recorder,
		metrics:  opts.Metrics,
		seen:     ttlcache.New[struct{}](seenTTL, ttlcache.WithMaxSize[struct{}](seenMaxSize)),
		logger:   logger.With("component", "session"),
	}, nil
}

// Close stops the redelivery cache.
func (o *Orchestrator) Close() {
	o.seen.Close()
}

// Process handles events concurrently. Results keep the order of events. The
// first failure is returned after every event has finished; a failing event
// does not cancel the others.
func (o *Orchestrator) Process(ctx context.Context, m messenger.Messenger, events []*conversation.Event) ([]Result, error) {
	results := make([]Result, len(events))
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, event := range events {
		g.Go(func() error {
			res, err := o.ProcessEvent(ctx, m, event)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// ProcessEvent handles a single event.
func (o *Orchestrator) ProcessEvent(ctx context.Context, m messenger.Messenger, event *conversation.Event) (Result, error) {
	done := o.metrics.TrackInFlight()
	defer done()

	res := Result{EventID: event.ID}
	logger := o.logger.With("event_id", event.ID, "platform", event.Platform, "event_type", event.Type)

	if isValidationToken(event.ReplyToken) {
		logger.Debug("skipping webhook verification event")
		return o.finish(event, res, metrics.OutcomeSkipped), nil
	}
	if event.ID != "" && !o.seen.Add(event.ID, struct{}{}) {
		logger.Info("dropping redelivered event")
		return o.finish(event, res, metrics.OutcomeDuplicate), nil
	}

	memoryID := event.SenderID()
	logger = logger.With("memory_id", memoryID)

	convo, err := o.store.Get(ctx, memoryID)
	if errors.Is(err, memory.ErrNotFound) {
		convo = nil
	} else if err != nil {
		return o.finish(event, res, metrics.OutcomeStoreError), fmt.Errorf("loading context %s: %w", memoryID, err)
	}

	if convo == nil && event.Type != conversation.EventPush {
		// Mark the fresh sender in flight so a concurrent event sees it.
		marker := conversation.New()
		marker.InProgress = true
		if err := o.store.Put(ctx, memoryID, marker, o.cfg.Memory.Retention); err != nil {
			return o.finish(event, res, metrics.OutcomeStoreError), fmt.Errorf("saving context %s: %w", memoryID, err)
		}
		convo = marker
	} else if convo != nil && event.Type != conversation.EventPush {
		if convo.InProgress && o.cfg.ParallelEvent == config.ParallelEventIgnore {
			logger.Info("ignoring event while a previous one is in progress")
			// The dropped event clears the flag so a crashed turn cannot wedge the sender.
			convo.InProgress = false
			if err := o.store.Put(ctx, memoryID, convo, o.cfg.Memory.Retention); err != nil {
				return o.finish(event, res, metrics.OutcomeStoreError), fmt.Errorf("saving context %s: %w", memoryID, err)
			}
			return o.finish(event, res, metrics.OutcomeIgnored), nil
		}
		convo.InProgress = true
		if err := o.store.Put(ctx, memoryID, convo, o.cfg.Memory.Retention); err != nil {
			return o.finish(event, res, metrics.OutcomeStoreError), fmt.Errorf("saving context %s: %w", memoryID, err)
		}
	}

	kind := flow.Select(event, convo)
	res.Flow = string(kind)
	logger = logger.With("flow", kind)

	start := time.Now()
	result, err := o.engine.Run(ctx, kind, m, event, convo)
	o.metrics.ObserveFlow(string(kind), time.Since(start))

	if err != nil {
		skillName, confirming := "", ""
		if convo != nil {
			skillName, confirming = convo.Skill, convo.Confirming
		}
		o.recorder.SkillStatus(ctx, memoryID, skillName, conversation.StatusAbend, confirming)
		if delErr := o.store.Del(ctx, memoryID); delErr != nil {
			logger.Error("failed to delete context after abend", "error", delErr)
		}
		logger.Error("flow failed", "error", err)
		return o.finish(event, res, metrics.OutcomeAbend), fmt.Errorf("running %s flow: %w", kind, err)
	}

	if result == nil {
		if err := o.store.Del(ctx, memoryID); err != nil {
			return o.finish(event, res, metrics.OutcomeStoreError), fmt.Errorf("deleting context %s: %w", memoryID, err)
		}
		logger.Debug("context cleared")
		return o.finish(event, res, metrics.OutcomeProcessed), nil
	}

	result.InProgress = false
	result.Previous.Event = event
	if err := o.store.Put(ctx, memoryID, result, o.cfg.Memory.Retention); err != nil {
		o.recorder.SkillStatus(ctx, memoryID, result.Skill, conversation.StatusAbend, result.Confirming)
		if delErr := o.store.Del(ctx, memoryID); delErr != nil {
			logger.Error("failed to delete context after failed save", "error", delErr)
		}
		logger.Error("failed to save context", "error", err)
		return o.finish(event, res, metrics.OutcomeStoreError), fmt.Errorf("saving context %s: %w", memoryID, err)
	}
	res.Context = result
	logger.Debug("context saved", "skill", result.Skill, "confirming", result.Confirming)
	return o.finish(event, res, metrics.OutcomeProcessed), nil
}

func (o *Orchestrator) finish(event *conversation.Event, res Result, outcome string) Result {
	res.Outcome = outcome
	label := res.Flow
	if label == "" {
		label = unknownLabel
	}
	o.metrics.RecordEvent(event.Platform, label, outcome)
	return res
}

// isValidationToken reports the dummy reply tokens LINE sends when a webhook
// URL is verified from the console.
func isValidationToken(token string) bool {
	if token == "" {
		return false
	}
	return strings.Trim(token, "0") == "" || strings.Trim(token, "f") == ""
}
