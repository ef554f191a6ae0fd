// ABOUTME: Fakes and skill fixtures shared by the flow tests
// ABOUTME: A recording messenger, a table-driven NLU and a pizza ordering skill set

package flow

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/nlu"
	"github.com/2389/skillbot/internal/parser"
	"github.com/2389/skillbot/internal/skill"
	"github.com/2389/skillbot/internal/translator"
)

const unknownIntent = "input.unknown"

type delivery struct {
	kind string
	to   string
	msgs []conversation.Message
}

func (d delivery) texts() []string {
	out := make([]string, len(d.msgs))
	for i, m := range d.msgs {
		out[i] = m.Text
	}
	return out
}

type fakeMessenger struct {
	mu         sync.Mutex
	deliveries []delivery
	err        error
}

func (m *fakeMessenger) Type() string { return "fake" }

func (m *fakeMessenger) CheckSupportedEventType(e *conversation.Event, f conversation.FlowKind) bool {
	return messenger.SupportsConversation(e, f)
}

func (m *fakeMessenger) record(d delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *fakeMessenger) Reply(_ context.Context, e *conversation.Event, msgs []conversation.Message) error {
	return m.record(delivery{kind: "reply", to: e.SenderID(), msgs: msgs})
}

func (m *fakeMessenger) ReplyToCollect(_ context.Context, e *conversation.Event, msgs []conversation.Message) error {
	return m.record(delivery{kind: "reply_to_collect", to: e.SenderID(), msgs: msgs})
}

func (m *fakeMessenger) Send(_ context.Context, _ *conversation.Event, to string, msgs []conversation.Message) error {
	return m.record(delivery{kind: "send", to: to, msgs: msgs})
}

func (m *fakeMessenger) Multicast(_ context.Context, _ *conversation.Event, to []string, msgs []conversation.Message) error {
	return m.record(delivery{kind: "multicast", to: strings.Join(to, ","), msgs: msgs})
}

func (m *fakeMessenger) CompileMessage(_ context.Context, msg conversation.Message) (conversation.Message, error) {
	return msg, nil
}

// allTexts flattens every delivered message text in order.
func (m *fakeMessenger) allTexts() []string {
	var out []string
	for _, d := range m.deliveries {
		out = append(out, d.texts()...)
	}
	return out
}

// fakeNLU maps exact sentences to intents.
type fakeNLU struct {
	intents map[string]conversation.Intent
	calls   []string
}

func (f *fakeNLU) IdentifyIntent(_ context.Context, sentence string, _ nlu.Options) (*conversation.Intent, error) {
	f.calls = append(f.calls, sentence)
	if intent, ok := f.intents[sentence]; ok {
		return &intent, nil
	}
	return &conversation.Intent{Name: unknownIntent}, nil
}

// dictionaryService translates through a fixed table and tags anything else.
type dictionaryService struct {
	lang string
}

func (s *dictionaryService) Detect(context.Context, string) (string, error) { return s.lang, nil }

func (s *dictionaryService) Translate(_ context.Context, texts []string, target string) ([]string, error) {
	out := make([]string, len(texts))
	for i, text := range texts {
		if text == "I want pizza" && target == "ja" {
			out[i] = "ピザください"
			continue
		}
		out[i] = "[" + target + "] " + text
	}
	return out, nil
}

type reactionLog struct {
	key    string
	reason string
	value  any
}

type harness struct {
	engine    *Engine
	messenger *fakeMessenger
	nlu       *fakeNLU
	reactions []reactionLog
	cfg       *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		Language:                      "ja",
		DefaultIntent:                 unknownIntent,
		ModifyPreviousParameterIntent: "modify_previous_parameter",
		ParallelEvent:                 config.ParallelEventIgnore,
		Skill: config.SkillConfig{
			Default: skill.DefaultSkillName,
			Follow:  "greet",
		},
	}
}

func newHarness(t *testing.T, tr *translator.Translator) *harness {
	t.Helper()
	h := &harness{
		messenger: &fakeMessenger{},
		nlu: &fakeNLU{intents: map[string]conversation.Intent{
			"order pizza":  {Name: "order_pizza"},
			"ピザください":       {Name: "order_pizza"},
			"cancel":       {Name: "cancel_order"},
			"show menu":    {Name: "show_menu"},
			"change it":    {Name: "modify_previous_parameter"},
			"book a table": {Name: "book_table"},
			"large pizza":  {Name: "order_pizza", Parameters: map[string]any{"size": "large"}},
			"huge pizza":   {Name: "order_pizza", Parameters: map[string]any{"size": "huge"}},
		}},
		cfg: testConfig(),
	}

	skills := skill.NewRegistry(nil)
	require.NoError(t, skills.Register(skill.DefaultSkillName, skill.DefaultSkill("Sorry?")))
	require.NoError(t, skills.Register("order_pizza", h.pizzaSkill))
	require.NoError(t, skills.Register("cancel_order", replySkill("Cancelled")))
	require.NoError(t, skills.Register("show_menu", replySkill("Menu: small, medium, large")))
	require.NoError(t, skills.Register("greet", greetSkill))
	require.NoError(t, skills.Register("flags", flagSkill))
	require.NoError(t, skills.Register("contact", contactSkill))

	parsers, err := parser.NewRegistry(nil)
	require.NoError(t, err)

	e, err := NewEngine(Options{
		Config:     h.cfg,
		Skills:     skills,
		Parsers:    parsers,
		NLU:        h.nlu,
		Translator: tr,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) pizzaSkill() *skill.Skill {
	return &skill.Skill{
		Required: skill.Parameters{
			{
				Key:              "size",
				MessageToConfirm: skill.Ask("Which size?"),
				Parser:           skill.Builtin("list", parser.Policy{"list": []any{"small", "medium", "large"}}),
				SubSkill:         []string{"show_menu"},
			},
		},
		Optional: skill.Parameters{
			{
				Key:              "crust",
				MessageToConfirm: skill.Ask("Which crust?"),
				Parser:           skill.Builtin("list", parser.Policy{"list": []any{"thin", "thick"}}),
			},
		},
		ClearContextOnFinish: true,
		Reactions: map[string]skill.ReactionFunc{
			"reaction_size": func(_ context.Context, err error, value any, _ skill.Bot, _ *conversation.Event, _ *conversation.Context) error {
				h.reactions = append(h.reactions, reactionLog{key: "size", reason: parser.Reason(err), value: value})
				return nil
			},
			"reaction_crust": func(_ context.Context, err error, value any, _ skill.Bot, _ *conversation.Event, _ *conversation.Context) error {
				h.reactions = append(h.reactions, reactionLog{key: "crust", reason: parser.Reason(err), value: value})
				return nil
			},
		},
		Finish: func(ctx context.Context, bot skill.Bot, _ *conversation.Event, convo *conversation.Context) error {
			return bot.Reply(ctx, conversation.Text("Order received: "+convo.Confirmed["size"].(string)))
		},
	}
}

func replySkill(text string) skill.Factory {
	return func() *skill.Skill {
		return &skill.Skill{
			Finish: func(ctx context.Context, bot skill.Bot, _ *conversation.Event, _ *conversation.Context) error {
				return bot.Reply(ctx, conversation.Text(text))
			},
		}
	}
}

func greetSkill() *skill.Skill {
	return &skill.Skill{
		Begin: func(_ context.Context, bot skill.Bot, _ *conversation.Event, _ *conversation.Context) error {
			bot.Queue(conversation.Text("Welcome"))
			return nil
		},
		Finish: func(ctx context.Context, bot skill.Bot, _ *conversation.Event, _ *conversation.Context) error {
			return bot.Reply(ctx, conversation.Text("Say 'order pizza' to start"))
		},
	}
}

// flagSkill sets the control flag named by the "flag" intent parameter in begin.
func flagSkill() *skill.Skill {
	return &skill.Skill{
		Required: skill.Parameters{{Key: "anything", MessageToConfirm: skill.Ask("Anything?")}},
		Begin: func(_ context.Context, bot skill.Bot, _ *conversation.Event, convo *conversation.Context) error {
			switch convo.Intent.Parameters["flag"] {
			case "pause":
				bot.Pause()
			case "exit":
				bot.Exit()
			case "init":
				bot.Init()
			}
			return nil
		},
	}
}

// contactSkill adds a dynamic phone parameter at runtime.
func contactSkill() *skill.Skill {
	return &skill.Skill{
		Begin: func(_ context.Context, bot skill.Bot, _ *conversation.Event, _ *conversation.Context) error {
			return bot.CollectParameter("phone", &skill.Parameter{MessageToConfirm: skill.Ask("Phone number?")})
		},
		Finish: func(ctx context.Context, bot skill.Bot, _ *conversation.Event, convo *conversation.Context) error {
			return bot.Reply(ctx, conversation.Text("We will call "+convo.Confirmed["phone"].(string)))
		},
	}
}

func textEvent(sender, text string) *conversation.Event {
	return &conversation.Event{
		ID:         "ev-" + text,
		Platform:   "fake",
		Type:       conversation.EventMessage,
		ReplyToken: "token",
		Source:     conversation.Source{Type: conversation.SourceUser, ID: sender, UserID: sender},
		Message:    &conversation.Message{Type: conversation.MessageTypeText, Text: text},
	}
}

func postbackEvent(sender, data string) *conversation.Event {
	return &conversation.Event{
		ID:       "ev-postback",
		Platform: "fake",
		Type:     conversation.EventPostback,
		Source:   conversation.Source{Type: conversation.SourceUser, ID: sender, UserID: sender},
		Postback: &conversation.Postback{Data: data},
	}
}

// run selects the flow for event the way the session orchestrator does.
func (h *harness) run(t *testing.T, event *conversation.Event, convo *conversation.Context) (*conversation.Context, error) {
	t.Helper()
	return h.engine.Run(context.Background(), Select(event, convo), h.messenger, event, convo)
}

// requireConsistent checks that no confirmed key is still pending or asked.
func requireConsistent(t *testing.T, convo *conversation.Context) {
	t.Helper()
	if convo == nil {
		return
	}
	seen := map[string]bool{}
	for _, key := range convo.ToConfirm {
		require.False(t, seen[key], "duplicate pending key %s", key)
		seen[key] = true
		_, confirmed := convo.Confirmed[key]
		require.False(t, confirmed, "confirmed key %s still pending", key)
	}
	if convo.Confirming != "" {
		_, confirmed := convo.Confirmed[convo.Confirming]
		require.False(t, confirmed, "confirmed key %s still being asked", convo.Confirming)
	}
}
