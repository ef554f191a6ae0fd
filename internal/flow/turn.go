// ABOUTME: A turn is one flow run over one event: it owns the context and the revived skill
// ABOUTME: Shared steps live here: instantiate, apply, react, collect, intent switches and finish

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/parser"
	"github.com/2389/skillbot/internal/skill"
)

type turn struct {
	e         *Engine
	kind      conversation.FlowKind
	messenger messenger.Messenger
	event     *conversation.Event
	convo     *conversation.Context
	skill     *skill.Skill
	// replied is set once the event's reply channel has been used.
	replied bool
	logger  *slog.Logger
}

func (e *Engine) newTurn(kind conversation.FlowKind, m messenger.Messenger, event *conversation.Event, convo *conversation.Context) (*turn, error) {
	t := &turn{
		e:         e,
		kind:      kind,
		messenger: m,
		event:     event,
		convo:     convo,
		logger:    e.logger.With("flow", string(kind), "user_id", event.SenderID()),
	}
	if convo.Intent.Name != "" {
		s, err := t.instantiate(convo.Intent.Name)
		if err != nil {
			return nil, err
		}
		t.skill = s
	}
	return t, nil
}

// instantiate builds and revives the skill for intent. It returns nil
// without error when no skill is registered.
func (t *turn) instantiate(intent string) (*skill.Skill, error) {
	name := t.skillFor(intent)
	s, err := t.e.skills.Instantiate(name)
	if errors.Is(err, skill.ErrSkillNotFound) {
		t.logger.Info("skill not found, abandoning", "skill", name)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := skill.Revive(s, t.convo.ParamChangeHistory, t.logger); err != nil {
		return nil, fmt.Errorf("reviving skill %s: %w", name, err)
	}
	return s, nil
}

// skillFor maps an intent name to the skill that serves it.
func (t *turn) skillFor(intent string) string {
	if intent == t.e.cfg.DefaultIntent {
		return t.e.cfg.Skill.Default
	}
	return intent
}

// hasSkill reports whether a skill is registered for intent.
func (t *turn) hasSkill(intent string) bool {
	return t.e.skills.Has(t.skillFor(intent))
}

func (t *turn) paramType(key string) skill.ParamType {
	if t.skill == nil {
		return skill.TypeNotApplicable
	}
	return t.skill.ParamType(key)
}

func (t *turn) skillName() string {
	if t.skill == nil {
		return t.convo.Skill
	}
	return t.skill.Name
}

func (t *turn) status(ctx context.Context, status string) {
	t.e.recorder.SkillStatus(ctx, t.event.SenderID(), t.skillName(), status, t.convo.Confirming)
}

func (t *turn) recordUserMessage(ctx context.Context) {
	msg := t.event.ExtractMessage()
	t.convo.Record(conversation.FromUser, msg)
	t.e.recorder.Chat(ctx, t.event.SenderID(), t.skillName(), conversation.FromUser, msg)
}

// launch binds s to the context and computes the pending required keys.
func (t *turn) launch(ctx context.Context, s *skill.Skill) {
	t.skill = s
	t.convo.Skill = s.Name
	t.convo.ToConfirm = s.Unconfirmed(t.convo.Confirmed)
	t.status(ctx, conversation.StatusLaunched)
}

func (t *turn) begin(ctx context.Context) error {
	if t.skill == nil || t.skill.Begin == nil {
		return nil
	}
	if err := t.skill.Begin(ctx, t, t.event, t.convo); err != nil {
		return fmt.Errorf("begin of %s: %w", t.skill.Name, err)
	}
	return nil
}

// parse runs the parser of p. In strict mode a parameter without a parser
// fails with parser.ErrParserNotFound; otherwise a non-empty value passes through.
func (t *turn) parse(ctx context.Context, p *skill.Parameter, value any, strict bool) (any, error) {
	if fn := t.skill.ParserFor(p); fn != nil {
		return fn(ctx, value, t, t.event, t.convo)
	}
	if p.Parser != nil && p.Parser.Builtin != "" {
		return t.e.parsers.Parse(ctx, p.Parser.Builtin, parser.Param{Key: p.Key, Value: value}, p.Parser.Policy)
	}
	if strict {
		return nil, fmt.Errorf("%w: %s", parser.ErrParserNotFound, p.Key)
	}
	if isEmpty(value) {
		return nil, parser.Reject(parser.ReasonValueIsEmpty)
	}
	return value, nil
}

// applyParameter parses value and confirms it for key. applied is false
// when key is not a parameter of the running skill. Rejections leave the
// context untouched.
func (t *turn) applyParameter(ctx context.Context, key string, value any, isChange bool) (applied bool, err error) {
	p, typ := t.lookup(key)
	if typ == skill.TypeNotApplicable {
		t.logger.Debug("parameter not applicable", "key", key)
		return false, nil
	}
	parsed, err := t.parse(ctx, p, value, false)
	if err != nil {
		return true, err
	}
	t.convo.Confirm(key, parsed, isChange)
	t.logger.Debug("parameter confirmed", "key", key, "type", string(typ))
	return true, nil
}

func (t *turn) lookup(key string) (*skill.Parameter, skill.ParamType) {
	if t.skill == nil {
		return nil, skill.TypeNotApplicable
	}
	return t.skill.Param(key)
}

// react runs the reaction of key. It is skipped once a control flag is set.
func (t *turn) react(ctx context.Context, parseErr error, key string, value any) error {
	if t.convo.HasFlag() {
		return nil
	}
	p, typ := t.lookup(key)
	if typ == skill.TypeNotApplicable {
		return nil
	}
	reaction := t.skill.ReactionFor(p)
	if reaction == nil {
		return nil
	}
	if err := reaction(ctx, parseErr, value, t, t.event, t.convo); err != nil {
		return fmt.Errorf("reaction of %s: %w", key, err)
	}
	return nil
}

// applyIntentParameters applies the parameters the NLU extracted, one at a
// time in declaration order so each reaction sees the previous ones.
func (t *turn) applyIntentParameters(ctx context.Context) error {
	if t.skill == nil || len(t.convo.Intent.Parameters) == 0 {
		return nil
	}
	for _, set := range []skill.Parameters{t.skill.Required, t.skill.Optional, t.skill.Dynamic} {
		for _, key := range set.Keys() {
			value, ok := t.convo.Intent.Parameters[key]
			if !ok || isEmpty(value) {
				continue
			}
			applied, err := t.applyParameter(ctx, key, value, false)
			switch {
			case parser.IsRejection(err):
				if err := t.react(ctx, err, key, value); err != nil {
					return err
				}
			case err != nil:
				return err
			case applied:
				if err := t.react(ctx, nil, key, value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// collect asks for the head of ToConfirm.
func (t *turn) collect(ctx context.Context) error {
	key := t.convo.ToConfirm[0]
	p, typ := t.lookup(key)
	if typ == skill.TypeNotApplicable {
		return fmt.Errorf("collecting %s: %w", key, ErrParameterNotApplicable)
	}
	if p.MessageToConfirm == nil {
		return fmt.Errorf("collecting %s: %w", key, ErrMessageToConfirmMissing)
	}

	msgs, err := t.prompt(ctx, p.MessageToConfirm)
	if err != nil {
		return fmt.Errorf("collecting %s: %w", key, err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("collecting %s: %w", key, ErrMessageToConfirmMissing)
	}

	t.convo.Confirming = key
	if t.kind == conversation.FlowPush {
		return t.Send(ctx, t.event.ToID(), msgs, t.convo.SenderLanguage)
	}
	return t.ReplyToCollect(ctx, msgs...)
}

func (t *turn) prompt(ctx context.Context, pr *skill.Prompt) ([]conversation.Message, error) {
	if msgs, ok := pr.Platform[t.messenger.Type()]; ok && len(msgs) > 0 {
		return msgs, nil
	}
	if fn := t.skill.PromptFunc(pr); fn != nil {
		return fn(ctx, t, t.event, t.convo)
	}
	return pr.Messages, nil
}

// changeIntent switches to intent. With restart the confirmed values and
// history are dropped too. When no skill serves intent the running
// conversation is left untouched.
func (t *turn) changeIntent(ctx context.Context, intent conversation.Intent, restart bool) error {
	if !t.hasSkill(intent.Name) {
		t.logger.Info("no skill for new intent, keeping current conversation", "intent", intent.Name)
		return nil
	}
	if t.skill != nil {
		if restart {
			t.status(ctx, conversation.StatusRestarted)
		} else {
			t.status(ctx, conversation.StatusSwitched)
		}
	}

	t.convo.Intent = intent
	t.convo.ToConfirm = []string{}
	t.convo.Confirming = ""
	t.convo.MessageQueue = nil
	t.convo.ParamChangeHistory = []conversation.ParamChange{}
	if restart {
		t.convo.Confirmed = map[string]any{}
		t.convo.Previous.Confirmed = []string{}
		t.convo.Previous.Message = []conversation.HistoryMessage{}
	}

	s, err := t.instantiate(intent.Name)
	if err != nil {
		return err
	}
	if s == nil {
		t.skill = nil
		return nil
	}
	t.launch(ctx, s)
	if err := t.begin(ctx); err != nil {
		return err
	}
	if t.convo.HasFlag() {
		return nil
	}
	return t.applyIntentParameters(ctx)
}

// dig saves the running conversation as the parent and starts intent as a
// sub-conversation.
func (t *turn) dig(ctx context.Context, intent conversation.Intent) error {
	if !t.hasSkill(intent.Name) {
		t.logger.Info("no skill for sub-conversation, keeping current conversation", "intent", intent.Name)
		return nil
	}
	if t.convo.Parent != nil {
		t.logger.Warn("already in a sub-conversation, replacing parent", "parent", t.convo.Parent.Intent.Name)
	}
	t.status(ctx, conversation.StatusDug)
	t.convo.PushParent()
	t.skill = nil
	return t.changeIntent(ctx, intent, false)
}

// modifyPreviousParameter asks again for the most recently confirmed key.
func (t *turn) modifyPreviousParameter() error {
	if len(t.convo.Previous.Confirmed) == 0 {
		t.logger.Debug("nothing to modify")
		return nil
	}
	key := t.convo.Previous.Confirmed[0]
	if t.paramType(key) == skill.TypeNotApplicable {
		return nil
	}
	if err := t.Collect(key); err != nil {
		return err
	}
	t.convo.Previous.Confirmed = t.convo.Previous.Confirmed[1:]
	return nil
}

// changeParameter confirms an already parsed value for another key.
func (t *turn) changeParameter(ctx context.Context, key string, value any) error {
	if t.paramType(key) == skill.TypeNotApplicable {
		return nil
	}
	t.convo.Confirm(key, value, true)
	return t.react(ctx, nil, key, value)
}

// finish ends the turn. It returns nil when the context must be discarded.
func (t *turn) finish(ctx context.Context) (*conversation.Context, error) {
	if c, done := t.consumeFlags(); done {
		return c, nil
	}
	if len(t.convo.ToConfirm) > 0 {
		return t.convo, t.collect(ctx)
	}

	if t.skill != nil && t.skill.Finish != nil {
		if err := t.skill.Finish(ctx, t, t.event, t.convo); err != nil {
			return nil, fmt.Errorf("finish of %s: %w", t.skill.Name, err)
		}
		if c, done := t.consumeFlags(); done {
			return c, nil
		}
		if len(t.convo.ToConfirm) > 0 {
			return t.convo, t.collect(ctx)
		}
	}

	if t.skill != nil {
		t.status(ctx, conversation.StatusCompleted)
	}

	if t.convo.Parent != nil {
		t.convo.PopParent()
		s, err := t.instantiate(t.convo.Intent.Name)
		if err != nil {
			return nil, err
		}
		t.skill = s
		if s != nil && len(t.convo.ToConfirm) > 0 {
			return t.convo, t.collect(ctx)
		}
		return t.convo, nil
	}
	if t.skill != nil && t.skill.ClearContextOnFinish {
		return nil, nil
	}
	t.convo.ParamChangeHistory = []conversation.ParamChange{}
	return t.convo, nil
}

// consumeFlags applies a pending control flag. done reports that the turn
// ends here with the returned context.
func (t *turn) consumeFlags() (*conversation.Context, bool) {
	switch {
	case t.convo.Pause:
		t.convo.Pause = false
		return t.convo, true
	case t.convo.Exit:
		t.convo.Confirming = ""
		t.convo.Exit = false
		return t.convo, true
	case t.convo.Init:
		return nil, true
	}
	return nil, false
}

// localize detects the sender's language and translates text into the
// bot's language when enabled.
func (t *turn) localize(ctx context.Context, text string) (string, error) {
	tr := t.e.translator
	if text == "" {
		return text, nil
	}
	if tr.DetectionEnabled() {
		lang, err := tr.Detect(ctx, text)
		if err != nil {
			return "", err
		}
		t.convo.SenderLanguage = lang
	}
	if tr.TranslationEnabled() && t.convo.SenderLanguage != "" && t.convo.SenderLanguage != t.e.cfg.Language {
		translated, err := tr.Translate(ctx, text, t.e.cfg.Language)
		if err != nil {
			return "", err
		}
		t.convo.Translation = translated
		return translated, nil
	}
	return text, nil
}

// intentPostback is the postback payload that names an intent directly.
type intentPostback struct {
	Type     string              `json:"_type"`
	Intent   conversation.Intent `json:"intent"`
	Language string              `json:"language"`
}

// decodePostback reports whether data is JSON and, if it names an intent,
// returns it.
func decodePostback(data string) (pb *intentPostback, isJSON bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, false
	}
	var p intentPostback
	if err := json.Unmarshal([]byte(data), &p); err != nil || p.Type != "intent" {
		return nil, true
	}
	return &p, true
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	}
	return false
}
