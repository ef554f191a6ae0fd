// ABOUTME: The skill.Bot facade a turn hands to skill hooks, parsers and reactions
// ABOUTME: Outbound messages are translated, compiled concurrently, delivered and recorded

package flow

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/skill"
)

var _ skill.Bot = (*turn)(nil)

func (t *turn) Type() string { return t.messenger.Type() }

func (t *turn) Language() string { return t.e.cfg.Language }

func (t *turn) Queue(msgs ...conversation.Message) {
	t.convo.MessageQueue = append(t.convo.MessageQueue, msgs...)
}

func (t *turn) Reply(ctx context.Context, msgs ...conversation.Message) error {
	return t.deliver(ctx, false, msgs)
}

func (t *turn) ReplyToCollect(ctx context.Context, msgs ...conversation.Message) error {
	return t.deliver(ctx, true, msgs)
}

// deliver sends the queue plus msgs to the sender. Push turns send to the
// push target. Once the reply channel is spent, later replies are pushed.
func (t *turn) deliver(ctx context.Context, toCollect bool, msgs []conversation.Message) error {
	all := append(t.convo.MessageQueue, msgs...)
	t.convo.MessageQueue = nil
	if len(all) == 0 {
		return nil
	}

	compiled, err := t.compile(ctx, all, t.convo.SenderLanguage)
	if err != nil {
		return err
	}

	switch {
	case t.kind == conversation.FlowPush:
		err = t.messenger.Send(ctx, t.event, t.event.ToID(), compiled)
	case t.replied:
		err = t.messenger.Send(ctx, t.event, t.event.SenderID(), compiled)
	case toCollect || t.convo.Parent != nil:
		err = t.messenger.ReplyToCollect(ctx, t.event, compiled)
	default:
		err = t.messenger.Reply(ctx, t.event, compiled)
	}
	if err != nil {
		return fmt.Errorf("delivering to %s: %w", t.event.SenderID(), err)
	}
	t.replied = true

	for _, msg := range compiled {
		t.convo.Record(conversation.FromBot, msg)
		t.e.recorder.Chat(ctx, t.event.SenderID(), t.skillName(), conversation.FromBot, msg)
	}
	return nil
}

func (t *turn) Send(ctx context.Context, recipientID string, msgs []conversation.Message, language string) error {
	compiled, err := t.compile(ctx, msgs, language)
	if err != nil {
		return err
	}
	if err := t.messenger.Send(ctx, t.event, recipientID, compiled); err != nil {
		return fmt.Errorf("sending to %s: %w", recipientID, err)
	}
	t.recordSent(ctx, recipientID, compiled)
	return nil
}

func (t *turn) Multicast(ctx context.Context, recipientIDs []string, msgs []conversation.Message, language string) error {
	compiled, err := t.compile(ctx, msgs, language)
	if err != nil {
		return err
	}
	if err := t.messenger.Multicast(ctx, t.event, recipientIDs, compiled); err != nil {
		return fmt.Errorf("multicasting to %d recipients: %w", len(recipientIDs), err)
	}
	for _, id := range recipientIDs {
		t.recordSent(ctx, id, compiled)
	}
	return nil
}

// recordSent logs pushed messages. Only messages to the conversation's own
// identity enter its history.
func (t *turn) recordSent(ctx context.Context, recipientID string, msgs []conversation.Message) {
	for _, msg := range msgs {
		if recipientID == t.event.SenderID() {
			t.convo.Record(conversation.FromBot, msg)
		}
		t.e.recorder.Chat(ctx, recipientID, t.skillName(), conversation.FromBot, msg)
	}
}

// compile translates msgs into language when it differs from the bot's and
// fits them to the messenger, all messages concurrently.
func (t *turn) compile(ctx context.Context, msgs []conversation.Message, language string) ([]conversation.Message, error) {
	translate := t.e.translator.TranslationEnabled() && language != "" && language != t.e.cfg.Language

	out := make([]conversation.Message, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, msg := range msgs {
		g.Go(func() error {
			if translate {
				translated, err := t.e.translator.TranslateMessage(gctx, msg, language)
				if err != nil {
					return fmt.Errorf("translating message: %w", err)
				}
				msg = translated
			}
			compiled, err := t.messenger.CompileMessage(gctx, msg)
			if err != nil {
				return fmt.Errorf("compiling message: %w", err)
			}
			out[i] = compiled
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *turn) Collect(key string, opts ...skill.CollectOption) error {
	if t.paramType(key) == skill.TypeNotApplicable {
		return fmt.Errorf("collecting %s: %w", key, ErrParameterNotApplicable)
	}
	o := skill.ApplyCollectOptions(opts...)
	delete(t.convo.Confirmed, key)
	t.convo.Unconfirm(key, o.Dedup)
	return nil
}

// CollectParameter merges param into the definition of key, as a dynamic
// parameter unless key is already required or optional, records the change
// and schedules key.
func (t *turn) CollectParameter(key string, param *skill.Parameter, opts ...skill.CollectOption) error {
	if t.skill == nil {
		return fmt.Errorf("collecting %s: %w", key, ErrNoSkill)
	}
	p := *param
	p.Key = key

	existing, typ := t.skill.Param(key)
	if typ != skill.TypeRequired && typ != skill.TypeOptional {
		typ = skill.TypeDynamic
	}
	change, err := skill.EncodeChange(typ, &p)
	if err != nil {
		return fmt.Errorf("recording change of %s: %w", key, err)
	}
	t.skill.Upsert(typ, overlay(existing, &p))
	t.convo.RecordChange(change)
	return t.Collect(key, opts...)
}

// overlay returns base with the set fields of p applied.
func overlay(base, p *skill.Parameter) *skill.Parameter {
	if base == nil {
		return p
	}
	merged := *base
	if p.MessageToConfirm != nil {
		merged.MessageToConfirm = p.MessageToConfirm
	}
	if p.Parser != nil {
		merged.Parser = p.Parser
	}
	if p.Reaction != nil || p.ReactionName != "" {
		merged.Reaction = p.Reaction
		merged.ReactionName = p.ReactionName
	}
	if p.SubSkill != nil {
		merged.SubSkill = p.SubSkill
	}
	return &merged
}

func (t *turn) ChangeMessageToConfirm(key string, prompt *skill.Prompt) error {
	p, typ := t.lookup(key)
	if typ == skill.TypeNotApplicable {
		return fmt.Errorf("changing message of %s: %w", key, ErrParameterNotApplicable)
	}
	change, err := skill.EncodePromptChange(typ, key, prompt)
	if err != nil {
		return fmt.Errorf("recording change of %s: %w", key, err)
	}
	p.MessageToConfirm = prompt
	t.convo.RecordChange(change)
	return nil
}

func (t *turn) ApplyParameter(ctx context.Context, key string, value any) error {
	if t.paramType(key) == skill.TypeNotApplicable {
		return fmt.Errorf("applying %s: %w", key, ErrParameterNotApplicable)
	}
	t.convo.Confirm(key, value, false)
	return t.react(ctx, nil, key, value)
}

func (t *turn) CheckParameterType(key string) skill.ParamType {
	return t.paramType(key)
}

func (t *turn) Pause() { t.convo.Pause = true }

func (t *turn) Exit() { t.convo.Exit = true }

func (t *turn) Init() { t.convo.Init = true }
