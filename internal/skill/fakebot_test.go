// ABOUTME: Recording Bot fake shared by the skill package tests
// ABOUTME: Captures replies, queued messages and parameter changes without a messenger

package skill

import (
	"context"

	"github.com/2389/skillbot/internal/conversation"
)

type fakeBot struct {
	replies []conversation.Message
	queued  []conversation.Message
	changed map[string]*Prompt
	skill   *Skill
}

func newFakeBot(s *Skill) *fakeBot {
	return &fakeBot{skill: s, changed: map[string]*Prompt{}}
}

func (b *fakeBot) Type() string     { return "fake" }
func (b *fakeBot) Language() string { return "en" }

func (b *fakeBot) Reply(_ context.Context, msgs ...conversation.Message) error {
	b.replies = append(b.replies, b.queued...)
	b.replies = append(b.replies, msgs...)
	b.queued = nil
	return nil
}

func (b *fakeBot) ReplyToCollect(ctx context.Context, msgs ...conversation.Message) error {
	return b.Reply(ctx, msgs...)
}

func (b *fakeBot) Send(context.Context, string, []conversation.Message, string) error {
	return nil
}

func (b *fakeBot) Multicast(context.Context, []string, []conversation.Message, string) error {
	return nil
}

func (b *fakeBot) Queue(msgs ...conversation.Message) { b.queued = append(b.queued, msgs...) }

func (b *fakeBot) Collect(string, ...CollectOption) error { return nil }

func (b *fakeBot) CollectParameter(string, *Parameter, ...CollectOption) error { return nil }

func (b *fakeBot) ChangeMessageToConfirm(key string, prompt *Prompt) error {
	b.changed[key] = prompt
	return nil
}

func (b *fakeBot) ApplyParameter(context.Context, string, any) error { return nil }

func (b *fakeBot) CheckParameterType(key string) ParamType {
	if b.skill == nil {
		return TypeNotApplicable
	}
	return b.skill.ParamType(key)
}

func (b *fakeBot) Pause() {}
func (b *fakeBot) Exit()  {}
func (b *fakeBot) Init()  {}
