// ABOUTME: Tests for the session orchestrator against the in-memory context store
// ABOUTME: Covers persistence, the in-progress policy, redelivery, verification tokens and abends

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/flow"
	"github.com/2389/skillbot/internal/memory"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/metrics"
	"github.com/2389/skillbot/internal/nlu"
	"github.com/2389/skillbot/internal/parser"
	"github.com/2389/skillbot/internal/skill"
)

func TestMain(m *testing.M) {
	// genai links go.opencensus.io, whose init starts a stats worker.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type sent struct {
	kind string
	to   string
	text string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sent
}

func (m *fakeMessenger) Type() string { return "fake" }

func (m *fakeMessenger) CheckSupportedEventType(e *conversation.Event, f conversation.FlowKind) bool {
	return messenger.SupportsConversation(e, f)
}

func (m *fakeMessenger) record(kind, to string, msgs []conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.sent = append(m.sent, sent{kind: kind, to: to, text: msg.Text})
	}
	return nil
}

func (m *fakeMessenger) Reply(_ context.Context, e *conversation.Event, msgs []conversation.Message) error {
	return m.record("reply", e.SenderID(), msgs)
}

func (m *fakeMessenger) ReplyToCollect(_ context.Context, e *conversation.Event, msgs []conversation.Message) error {
	return m.record("reply_to_collect", e.SenderID(), msgs)
}

func (m *fakeMessenger) Send(_ context.Context, _ *conversation.Event, to string, msgs []conversation.Message) error {
	return m.record("send", to, msgs)
}

func (m *fakeMessenger) Multicast(_ context.Context, _ *conversation.Event, to []string, msgs []conversation.Message) error {
	for _, id := range to {
		if err := m.record("multicast", id, msgs); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMessenger) CompileMessage(_ context.Context, msg conversation.Message) (conversation.Message, error) {
	return msg, nil
}

func (m *fakeMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.text
	}
	return out
}

type staticNLU map[string]string

func (n staticNLU) IdentifyIntent(_ context.Context, sentence string, _ nlu.Options) (*conversation.Intent, error) {
	if name, ok := n[sentence]; ok {
		return &conversation.Intent{Name: name}, nil
	}
	return &conversation.Intent{Name: "input.unknown"}, nil
}

type logSink struct {
	mu      sync.Mutex
	entries []*conversation.LogEntry
}

func (s *logSink) SaveLogEntry(_ context.Context, e *conversation.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *logSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if e.Kind == conversation.KindSkillStatus {
			out = append(out, e.Status)
		}
	}
	return out
}

// flakyStore fails final saves while failSaves is set. In-progress markers
// still go through.
type flakyStore struct {
	memory.Store
	failSaves atomic.Bool
}

func (s *flakyStore) Put(ctx context.Context, id string, c *conversation.Context, ttl time.Duration) error {
	if s.failSaves.Load() && !c.InProgress {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, id, c, ttl)
}

type fixture struct {
	orch      *Orchestrator
	store     memory.Store
	messenger *fakeMessenger
	sink      *logSink
	cfg       *config.Config
	entered   chan struct{}
	release   chan struct{}
}

func newFixture(t *testing.T, parallel string) *fixture {
	t.Helper()
	return newFixtureWithStore(t, parallel, nil)
}

// newFixtureWithStore builds a fixture whose in-memory store is passed
// through wrap when wrap is non-nil.
func newFixtureWithStore(t *testing.T, parallel string, wrap func(memory.Store) memory.Store) *fixture {
	t.Helper()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	cfg := &config.Config{
		Language:      "en",
		DefaultIntent: "input.unknown",
		ParallelEvent: parallel,
		Skill:         config.SkillConfig{Default: skill.DefaultSkillName},
		Memory:        config.MemoryConfig{Type: config.MemoryTypeMemory, Retention: time.Minute},
	}

	skills := skill.NewRegistry(nil)
	require.NoError(t, skills.Register(skill.DefaultSkillName, skill.DefaultSkill("Sorry?")))
	require.NoError(t, skills.Register("order_pizza", func() *skill.Skill {
		return &skill.Skill{
			Required: skill.Parameters{{
				Key:              "size",
				MessageToConfirm: skill.Ask("Which size?"),
				Parser:           skill.Builtin("list", parser.Policy{"list": []any{"small", "large"}}),
			}},
			ClearContextOnFinish: true,
			Finish: func(ctx context.Context, bot skill.Bot, _ *conversation.Event, convo *conversation.Context) error {
				return bot.Reply(ctx, conversation.Text("Order received: "+convo.Confirmed["size"].(string)))
			},
		}
	}))
	require.NoError(t, skills.Register("broken", func() *skill.Skill {
		return &skill.Skill{
			Required: skill.Parameters{{Key: "x", MessageToConfirm: skill.Ask("x?")}},
			Begin: func(context.Context, skill.Bot, *conversation.Event, *conversation.Context) error {
				return errors.New("backend unavailable")
			},
		}
	}))

	require.NoError(t, skills.Register("slow_order", func() *skill.Skill {
		return &skill.Skill{
			Required: skill.Parameters{{
				Key:              "size",
				MessageToConfirm: skill.Ask("Which size?"),
				Parser:           skill.Builtin("list", parser.Policy{"list": []any{"small", "large"}}),
			}},
			Begin: func(ctx context.Context, _ skill.Bot, _ *conversation.Event, _ *conversation.Context) error {
				entered <- struct{}{}
				select {
				case <-release:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}
	}))

	parsers, err := parser.NewRegistry(nil)
	require.NoError(t, err)

	sink := &logSink{}
	recorder := conversation.NewRecorder(sink, nil)
	engine, err := flow.NewEngine(flow.Options{
		Config:   cfg,
		Skills:   skills,
		Parsers:  parsers,
		NLU:      staticNLU{"order pizza": "order_pizza", "break": "broken", "slow order": "slow_order"},
		Recorder: recorder,
	})
	require.NoError(t, err)

	m, err := metrics.New()
	require.NoError(t, err)

	cache := memory.NewCache()
	var store memory.Store = cache
	if wrap != nil {
		store = wrap(cache)
	}
	orch, err := New(Options{
		Config:   cfg,
		Engine:   engine,
		Store:    store,
		Recorder: recorder,
		Metrics:  m,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		orch.Close()
		_ = cache.Close()
	})

	return &fixture{
		orch:      orch,
		store:     store,
		messenger: &fakeMessenger{},
		sink:      sink,
		cfg:       cfg,
		entered:   entered,
		release:   release,
	}
}

func textEvent(id, sender, text string) *conversation.Event {
	return &conversation.Event{
		ID:         id,
		Platform:   "fake",
		Type:       conversation.EventMessage,
		ReplyToken: "token-" + id,
		Source:     conversation.Source{Type: conversation.SourceUser, ID: sender, UserID: sender},
		Message:    &conversation.Message{Type: conversation.MessageTypeText, Text: text},
	}
}

func (f *fixture) process(t *testing.T, event *conversation.Event) (Result, error) {
	t.Helper()
	return f.orch.ProcessEvent(context.Background(), f.messenger, event)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestProcessEvent_SavesAndClearsContext(t *testing.T) {
	f := newFixture(t, config.ParallelEventIgnore)
	ctx := context.Background()

	res, err := f.process(t, textEvent("e1", "U1", "order pizza"))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeProcessed, res.Outcome)
	assert.Equal(t, string(conversation.FlowStartConversation), res.Flow)

	stored, err := f.store.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "size", stored.Confirming)
	assert.False(t, stored.InProgress)
	require.NotNil(t, stored.Previous.Event)
	assert.Equal(t, "e1", stored.Previous.Event.ID)

	res, err = f.process(t, textEvent("e2", "U1", "large"))
	require.NoError(t, err)
	assert.Equal(t, string(conversation.FlowReply), res.Flow)
	assert.Nil(t, res.Context)

	_, err = f.store.Get(ctx, "U1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.Equal(t, []string{"Which size?", "Order received: large"}, f.messenger.texts())
}

func TestProcessEvent_InProgressIgnored(t *testing.T) {
	f := newFixture(t, config.ParallelEventIgnore)
	ctx := context.Background()

	busy := conversation.New()
	busy.Intent = conversation.Intent{Name: "order_pizza"}
	busy.Skill = "order_pizza"
	busy.Confirming = "size"
	busy.InProgress = true
	require.NoError(t, f.store.Put(ctx, "U1", busy, time.Minute))

	res, err := f.process(t, textEvent("e1", "U1", "large"))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.messenger.texts())

	stored, err := f.store.Get(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, stored.InProgress, "dropped event must release the flag")
	assert.Equal(t, "size", stored.Confirming)

	res, err = f.process(t, textEvent("e2", "U1", "large"))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeProcessed, res.Outcome)
	assert.Equal(t, []string{"Order received: large"}, f.messenger.texts())
}

func TestProcessEvent_FreshSenderMarkedInProgress(t *testing.T) {
	f := newFixture(t, config.ParallelEventIgnore)
	ctx := context.Background()

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.orch.ProcessEvent(ctx, f.messenger, textEvent("e1", "U1", "slow order"))
		first <- outcome{res, err}
	}()

	select {
	case <-f.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first event never reached the skill")
	}

	stored, err := f.store.Get(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, stored.InProgress)
	assert.Empty(t, stored.Intent.Name)

	res, err := f.process(t, textEvent("e2", "U1", "slow order"))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)

	close(f.release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, metrics.OutcomeProcessed, got.res.Outcome)
	assert.Equal(t, string(conversation.FlowStartConversation), got.res.Flow)
	assert.Equal(t, []string{"Which size?"}, f.messenger.texts())

	stored, err = f.store.Get(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, stored.InProgress)
	assert.Equal(t, "size", stored.Confirming)
}

func TestProcessEvent_FailedSaveDeletesContext(t *testing.T) {
	var flaky *flakyStore
	f := newFixtureWithStore(t, config.ParallelEventIgnore, func(s memory.Store) memory.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	})
	ctx := context.Background()

	flaky.failSaves.Store(true)
	res, err := f.process(t, textEvent("e1", "U1", "order pizza"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, metrics.OutcomeStoreError, res.Outcome)

	_, err = f.store.Get(ctx, "U1")
	assert.ErrorIs(t, err, memory.ErrNotFound, "the in-progress marker must not survive")
	assert.Contains(t, f.sink.statuses(), conversation.StatusAbend)

	flaky.failSaves.Store(false)
	res, err = f.process(t, textEvent("e2", "U1", "order pizza"))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeProcessed, res.Outcome)
	assert.Equal(t, string(conversation.FlowStartConversation), res.Flow)
}

func TestProcessEvent_InProgressAllowed(t *testing.T) {
	f := newFixture(t, config.ParallelEventAllow)
	ctx := context.Background()

	busy := conversation.New()
	busy.Intent = conversation.Intent{Name: "order_pizza"}
	busy.Skill = "order_pizza"
	busy.Confirming = "size"
	busy.InProgress = true
	require.NoError(t, f.store.Put(ctx, "U1", busy, time.Minute))

	res, err := f.process(t, textEvent("e1", "U1", "small"))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeProcessed, res.Outcome)
	assert.Equal(t, []string{"Order received: small"}, f.messenger.texts())
}

func TestProcessEvent_PushBypassesInProgress(t *testing.T) {
	f := newFixture(t, config.ParallelEventIgnore)
	ctx := context.Background()

	busy := conversation.New()
	busy.InProgress = true
	require.NoError(t, f.store.Put(ctx, "U9", busy, time.Minute))

	push := &conversation.Event{
		ID:       "push-1",
		Platform: "fake",
		Type:     conversation.EventPush,
		To:       &conversation.Recipient{Type: conversation.SourceUser, ID: "U9"},
		Intent:   &conversation.Intent{Name: "order_pizza"},
	}
	res, err := f.process(t, push)
	require.NoError(t, err)
	assert.Equal(t, string(conversation.FlowPush), res.Flow)

	stored, err := f.store.Get(ctx, "U9")
	require.NoError(t, err)
	assert.Equal(t, "size", stored.Confirming)
	assert.False(t, stored.InProgress)

	f.messenger.mu.Lock()
	defer f.messenger.mu.Unlock()
	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, sent{kind: "send", to: "U9", text: "Which size?"}, f.messenger.sent[0])
}

func TestProcessEvent_RedeliveryDropped(t *testing.T) {
	f := newFixture(t, config.ParallelEventIgnore)

	event := textEvent("e1", "U1", "order pizza")
	_, err := f.process(t, event)
	require.NoError(t, err)

	res, err := f.process(t, event)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, []string{"Which size?"}, f.messenger.texts())
}

func TestProcessEvent_VerificationTokenSkipped(t *testing.T) {
	f := newFixture(t, config.ParallelEventIgnore)

	for _, token := range []string{"00000000000000000000000000000000", "ffffffffffffffffffffffffffffffff"} {
		event := textEvent(token, "U1", "order pizza")
		event.ReplyToken = token
		res, err := f.process(t, event)
		require.NoError(t, err)
		assert.Equal(t, metrics.OutcomeSkipped, res.Outcome)
	}
	assert.Empty(t, f.messenger.texts())
}

func TestProcessEvent_AbendDeletesContext(t *testing.T) {
	f := newFixture(t, config.ParallelEventIgnore)
	ctx := context.Background()

	_, err := f.process(t, textEvent("e1", "U1", "order pizza"))
	require.NoError(t, err)

	res, err := f.process(t, textEvent("e2", "U1", "break"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
	assert.Equal(t, metrics.OutcomeAbend, res.Outcome)

	_, err = f.store.Get(ctx, "U1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.Contains(t, f.sink.statuses(), conversation.StatusAbend)
}

func TestProcess_RunsEventsIndependently(t *testing.T) {
	f := newFixture(t, config.ParallelEventIgnore)

	events := []*conversation.Event{
		textEvent("a", "U1", "order pizza"),
		textEvent("b", "U2", "break"),
		textEvent("c", "U3", "order pizza"),
	}
	results, err := f.orch.Process(context.Background(), f.messenger, events)
	require.Error(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "a", results[0].EventID)
	assert.Equal(t, metrics.OutcomeProcessed, results[0].Outcome)
	assert.Equal(t, metrics.OutcomeAbend, results[1].Outcome)
	assert.Equal(t, metrics.OutcomeProcessed, results[2].Outcome)
	require.NotNil(t, results[2].Context)
	assert.Equal(t, "size", results[2].Context.Confirming)
}

func TestIsValidationToken(t *testing.T) {
	assert.True(t, isValidationToken("00000000000000000000000000000000"))
	assert.True(t, isValidationToken("ffffffffffffffffffffffffffffffff"))
	assert.False(t, isValidationToken(""))
	assert.False(t, isValidationToken("0f0f"))
	assert.False(t, isValidationToken("nHuyWiB7yP5Zw52FIkcQobQuGDXCTA"))
}
