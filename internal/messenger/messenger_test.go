// ABOUTME: Tests for the messenger registry and the shared event check
// ABOUTME: Uses a no-op messenger

package messenger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/skillbot/internal/conversation"
)

type nopMessenger struct{ typ string }

func (m nopMessenger) Type() string { return m.typ }
func (m nopMessenger) CheckSupportedEventType(e *conversation.Event, f conversation.FlowKind) bool {
	return SupportsConversation(e, f)
}
func (nopMessenger) Reply(context.Context, *conversation.Event, []conversation.Message) error {
	return nil
}
func (nopMessenger) ReplyToCollect(context.Context, *conversation.Event, []conversation.Message) error {
	return nil
}
func (nopMessenger) Send(context.Context, *conversation.Event, string, []conversation.Message) error {
	return nil
}
func (nopMessenger) Multicast(context.Context, *conversation.Event, []string, []conversation.Message) error {
	return nil
}
func (nopMessenger) CompileMessage(_ context.Context, m conversation.Message) (conversation.Message, error) {
	return m, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(nopMessenger{typ: "line"}))
	require.NoError(t, r.Register(nopMessenger{typ: "matrix"}))
	assert.Error(t, r.Register(nopMessenger{typ: "line"}))

	m, err := r.Get("line")
	require.NoError(t, err)
	assert.Equal(t, "line", m.Type())

	_, err = r.Get("facebook")
	assert.True(t, errors.Is(err, ErrUnsupportedMessenger))
	assert.Equal(t, []string{"line", "matrix"}, r.Types())
}

func TestSupportsConversation(t *testing.T) {
	msg := &conversation.Event{Type: conversation.EventMessage}
	postback := &conversation.Event{Type: conversation.EventPostback}
	follow := &conversation.Event{Type: conversation.EventFollow}

	for _, flow := range []conversation.FlowKind{conversation.FlowStartConversation, conversation.FlowReply, conversation.FlowBTW} {
		assert.True(t, SupportsConversation(msg, flow), flow)
		assert.True(t, SupportsConversation(postback, flow), flow)
		assert.False(t, SupportsConversation(follow, flow), flow)
	}
	assert.False(t, SupportsConversation(msg, conversation.FlowPush))
}
