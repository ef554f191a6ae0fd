// ABOUTME: Engine wires the registries and adapters every flow needs and runs one flow per event
// ABOUTME: Select picks the flow kind from the event type and the stored context

package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/nlu"
	"github.com/2389/skillbot/internal/parser"
	"github.com/2389/skillbot/internal/skill"
	"github.com/2389/skillbot/internal/translator"
)

// Options holds the collaborators of an Engine. Translator and Recorder may be nil.
type Options struct {
	Config     *config.Config
	Skills     *skill.Registry
	Parsers    *parser.Registry
	NLU        nlu.Adapter
	Translator *translator.Translator
	Recorder   *conversation.Recorder
	Logger     *slog.Logger
}

// Engine runs flows. It holds no per-conversation state and is safe for
// concurrent use; each Run owns the context it is given.
type Engine struct {
	cfg        *config.Config
	skills     *skill.Registry
	parsers    *parser.Registry
	nlu        nlu.Adapter
	translator *translator.Translator
	recorder   *conversation.Recorder
	logger     *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Skills == nil || opts.Parsers == nil || opts.NLU == nil {
		return nil, fmt.Errorf("flow engine requires config, skills, parsers and nlu")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = conversation.NewRecorder(nil, logger)
	}
	return &Engine{
		cfg:        opts.Config,
		skills:     opts.Skills,
		parsers:    opts.Parsers,
		nlu:        opts.NLU,
		translator: opts.Translator,
		recorder:   recorder,
		logger:     logger.With("component", "flow"),
	}, nil
}

// Select returns the flow kind for event. convo is the stored context, or
// nil when the sender has none. A context without an intent only marks an
// event in flight and starts a new conversation.
func Select(event *conversation.Event, convo *conversation.Context) conversation.FlowKind {
	switch event.Type {
	case conversation.EventPush:
		return conversation.FlowPush
	case conversation.EventBeacon:
		return conversation.FlowBeacon
	case conversation.EventFollow:
		return conversation.FlowFollow
	case conversation.EventUnfollow:
		return conversation.FlowUnfollow
	case conversation.EventJoin:
		return conversation.FlowJoin
	case conversation.EventLeave:
		return conversation.FlowLeave
	}
	if convo == nil || convo.Intent.Name == "" {
		return conversation.FlowStartConversation
	}
	if convo.Confirming != "" {
		return conversation.FlowReply
	}
	return conversation.FlowBTW
}

// Run processes event with the flow kind. Push and fixed-intent flows always
// start from a fresh context. A nil result means the context must be
// discarded.
func (e *Engine) Run(ctx context.Context, kind conversation.FlowKind, m messenger.Messenger, event *conversation.Event, convo *conversation.Context) (*conversation.Context, error) {
	switch kind {
	case conversation.FlowStartConversation, conversation.FlowPush,
		conversation.FlowBeacon, conversation.FlowFollow, conversation.FlowUnfollow,
		conversation.FlowJoin, conversation.FlowLeave:
		convo = conversation.New()
	}
	if convo == nil {
		return nil, fmt.Errorf("%s flow requires a context", kind)
	}

	t, err := e.newTurn(kind, m, event, convo)
	if err != nil {
		return nil, err
	}

	switch kind {
	case conversation.FlowStartConversation:
		return t.startConversation(ctx)
	case conversation.FlowReply:
		return t.reply(ctx)
	case conversation.FlowBTW:
		return t.btw(ctx)
	case conversation.FlowPush:
		return t.push(ctx)
	case conversation.FlowBeacon, conversation.FlowFollow, conversation.FlowUnfollow,
		conversation.FlowJoin, conversation.FlowLeave:
		return t.fixedIntent(ctx)
	}
	return nil, fmt.Errorf("unknown flow %q", kind)
}
