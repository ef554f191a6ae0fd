// ABOUTME: Scenario tests for the flow engine driven through Select and Run
// ABOUTME: Each test plays one or more turns and inspects deliveries and the resulting context

package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/parser"
	"github.com/2389/skillbot/internal/skill"
	"github.com/2389/skillbot/internal/translator"
)

func TestSelect(t *testing.T) {
	confirming := conversation.New()
	confirming.Intent = conversation.Intent{Name: "order_pizza"}
	confirming.Confirming = "size"
	idle := conversation.New()
	idle.Intent = conversation.Intent{Name: "order_pizza"}
	marker := conversation.New()
	marker.InProgress = true

	tests := []struct {
		name  string
		event conversation.EventType
		convo *conversation.Context
		want  conversation.FlowKind
	}{
		{"fresh sender", conversation.EventMessage, nil, conversation.FlowStartConversation},
		{"pending question", conversation.EventMessage, confirming, conversation.FlowReply},
		{"idle context", conversation.EventPostback, idle, conversation.FlowBTW},
		{"in-progress marker without intent", conversation.EventMessage, marker, conversation.FlowStartConversation},
		{"push", conversation.EventPush, confirming, conversation.FlowPush},
		{"follow", conversation.EventFollow, nil, conversation.FlowFollow},
		{"unfollow", conversation.EventUnfollow, confirming, conversation.FlowUnfollow},
		{"join", conversation.EventJoin, nil, conversation.FlowJoin},
		{"leave", conversation.EventLeave, nil, conversation.FlowLeave},
		{"beacon", conversation.EventBeacon, nil, conversation.FlowBeacon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Select(&conversation.Event{Type: tt.event}, tt.convo))
		})
	}
}

func TestStartConversation_AsksFirstRequiredParameter(t *testing.T) {
	h := newHarness(t, nil)

	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.Equal(t, conversation.FlowStartConversation, convo.Flow)
	assert.Equal(t, "order_pizza", convo.Intent.Name)
	assert.Equal(t, "order_pizza", convo.Skill)
	assert.Equal(t, []string{"size"}, convo.ToConfirm)
	assert.Equal(t, "size", convo.Confirming)

	require.Len(t, h.messenger.deliveries, 1)
	assert.Equal(t, "reply_to_collect", h.messenger.deliveries[0].kind)
	assert.Equal(t, []string{"Which size?"}, h.messenger.deliveries[0].texts())

	require.Len(t, convo.Previous.Message, 2)
	assert.Equal(t, conversation.FromBot, convo.Previous.Message[0].From)
	assert.Equal(t, conversation.FromUser, convo.Previous.Message[1].From)
	assert.Equal(t, "order pizza", convo.Previous.Message[1].Message.Text)
	requireConsistent(t, convo)
}

func TestReply_AcceptedAnswerFinishesSkill(t *testing.T) {
	h := newHarness(t, nil)
	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)

	convo, err = h.run(t, textEvent("U1", "large"), convo)
	require.NoError(t, err)

	assert.Nil(t, convo, "skill clears its context on finish")
	assert.Equal(t, []string{"Which size?", "Order received: large"}, h.messenger.allTexts())
	assert.Equal(t, []reactionLog{{key: "size", value: "large"}}, h.reactions)
}

func TestReply_AcceptedAnswerKeepsContext(t *testing.T) {
	h := newHarness(t, nil)
	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)

	// Stop before finish to inspect the bookkeeping of the answer.
	turn, err := h.engine.newTurn(conversation.FlowReply, h.messenger, textEvent("U1", "large"), convo)
	require.NoError(t, err)
	applied, err := turn.applyParameter(context.Background(), "size", "large", false)
	require.NoError(t, err)

	assert.True(t, applied)
	assert.Equal(t, "large", convo.Confirmed["size"])
	assert.Empty(t, convo.ToConfirm)
	assert.Empty(t, convo.Confirming)
	assert.Equal(t, []string{"size"}, convo.Previous.Confirmed)
}

func TestReply_UnrelatedIntentChangesIntent(t *testing.T) {
	h := newHarness(t, nil)
	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)

	convo, err = h.run(t, textEvent("U1", "cancel"), convo)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.Equal(t, "cancel_order", convo.Intent.Name)
	assert.Equal(t, "cancel_order", convo.Skill)
	assert.Empty(t, convo.ToConfirm)
	assert.Empty(t, convo.Confirming)
	assert.Equal(t, "Cancelled", h.messenger.allTexts()[1])
	assert.Empty(t, h.reactions, "the abandoned question gets no reaction")
	requireConsistent(t, convo)
}

func TestReply_NoIdeaReactsAndAsksAgain(t *testing.T) {
	h := newHarness(t, nil)
	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)

	convo, err = h.run(t, textEvent("U1", "thick"), convo)
	require.NoError(t, err)
	require.NotNil(t, convo)

	// "thick" fits crust, but a pending question is not reinterpreted.
	assert.NotContains(t, convo.Confirmed, "crust")
	assert.Equal(t, "size", convo.Confirming)
	assert.Equal(t, []string{"Which size?", "Which size?"}, h.messenger.allTexts())
	assert.Equal(t, []reactionLog{{key: "size", reason: parser.ReasonValueNotFoundInList, value: "thick"}}, h.reactions)
}

func TestReply_DigRunsSubSkillThenResumesParent(t *testing.T) {
	h := newHarness(t, nil)
	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)

	convo, err = h.run(t, textEvent("U1", "show menu"), convo)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.Nil(t, convo.Parent)
	assert.Equal(t, "order_pizza", convo.Intent.Name)
	assert.Equal(t, "size", convo.Confirming)

	require.Len(t, h.messenger.deliveries, 3)
	assert.Equal(t, "reply_to_collect", h.messenger.deliveries[1].kind, "replies inside a sub-conversation collect")
	assert.Equal(t, []string{"Menu: small, medium, large"}, h.messenger.deliveries[1].texts())
	assert.Equal(t, "send", h.messenger.deliveries[2].kind, "the reply channel is spent")
	assert.Equal(t, []string{"Which size?"}, h.messenger.deliveries[2].texts())

	// History from the sub-conversation is carried into the parent.
	assert.Equal(t, "Which size?", convo.Previous.Message[0].Message.Text)
	assert.Equal(t, "Menu: small, medium, large", convo.Previous.Message[1].Message.Text)
	assert.Equal(t, "show menu", convo.Previous.Message[2].Message.Text)
}

func TestReply_SameIntentRestarts(t *testing.T) {
	h := newHarness(t, nil)
	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)
	convo.Confirmed["crust"] = "thin"

	convo, err = h.run(t, textEvent("U1", "order pizza"), convo)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.Empty(t, convo.Confirmed, "restart drops confirmed values")
	assert.Equal(t, "size", convo.Confirming)
	// Only the new question remains in the history.
	require.Len(t, convo.Previous.Message, 1)
	assert.Equal(t, "Which size?", convo.Previous.Message[0].Message.Text)
}

func TestReply_ModifyPreviousParameter(t *testing.T) {
	h := newHarness(t, nil)
	convo := conversation.New()
	convo.Intent = conversation.Intent{Name: "order_pizza"}
	convo.Skill = "order_pizza"
	convo.Confirmed["size"] = "large"
	convo.Previous.Confirmed = []string{"size"}
	convo.ToConfirm = []string{"crust"}
	convo.Confirming = "crust"

	convo, err := h.run(t, textEvent("U1", "change it"), convo)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.NotContains(t, convo.Confirmed, "size")
	assert.Equal(t, []string{"size", "crust"}, convo.ToConfirm)
	assert.Equal(t, "size", convo.Confirming)
	assert.Empty(t, convo.Previous.Confirmed)
	assert.Equal(t, []string{"Which size?"}, h.messenger.allTexts())
	assert.Empty(t, h.reactions, "no reaction for a modify request")
	requireConsistent(t, convo)
}

func TestReply_UnknownSkillIsNoIdea(t *testing.T) {
	h := newHarness(t, nil)
	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)

	convo, err = h.run(t, textEvent("U1", "book a table"), convo)
	require.NoError(t, err)

	assert.Equal(t, "order_pizza", convo.Intent.Name)
	assert.Equal(t, "size", convo.Confirming)
}

func TestReply_PostbackForUnregisteredIntentKeepsConversation(t *testing.T) {
	h := newHarness(t, nil)
	convo, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.NoError(t, err)
	historyLen := len(convo.ParamChangeHistory)

	convo, err = h.run(t, postbackEvent("U1", `{"_type":"intent","intent":{"name":"book_table"}}`), convo)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.Equal(t, "order_pizza", convo.Intent.Name)
	assert.Equal(t, "order_pizza", convo.Skill)
	assert.Equal(t, "size", convo.Confirming)
	assert.Len(t, convo.ParamChangeHistory, historyLen)
	assert.Equal(t, []string{"Which size?", "Which size?"}, h.messenger.allTexts())
	assert.Empty(t, h.reactions)
}

func TestBTW_ChangeParameter(t *testing.T) {
	h := newHarness(t, nil)
	convo := conversation.New()
	convo.Intent = conversation.Intent{Name: "order_pizza"}
	convo.Skill = "order_pizza"
	convo.Confirmed["size"] = "medium"

	convo, err := h.run(t, textEvent("U1", "thick"), convo)
	require.NoError(t, err)

	assert.Nil(t, convo, "order completes after the change")
	assert.Equal(t, []reactionLog{{key: "crust", value: "thick"}}, h.reactions)
	assert.Equal(t, []string{"Order received: medium"}, h.messenger.allTexts())
}

func TestBTW_NoIdeaRunsDefaultSkill(t *testing.T) {
	h := newHarness(t, nil)
	convo := conversation.New()
	convo.Intent = conversation.Intent{Name: "cancel_order"}
	convo.Skill = "cancel_order"

	convo, err := h.run(t, textEvent("U1", "what is this"), convo)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.Equal(t, unknownIntent, convo.Intent.Name)
	assert.Equal(t, skill.DefaultSkillName, convo.Skill)
	assert.Equal(t, []string{"Sorry?"}, h.messenger.allTexts())
}

func TestBTW_IntentPostbackSwitches(t *testing.T) {
	h := newHarness(t, nil)
	convo := conversation.New()
	convo.Intent = conversation.Intent{Name: "cancel_order"}
	convo.Skill = "cancel_order"

	convo, err := h.run(t, postbackEvent("U1", `{"_type":"intent","intent":{"name":"order_pizza"},"language":"en"}`), convo)
	require.NoError(t, err)

	assert.Equal(t, "order_pizza", convo.Intent.Name)
	assert.Equal(t, "en", convo.SenderLanguage)
	assert.Equal(t, "size", convo.Confirming)
	assert.Empty(t, h.nlu.calls, "intent postbacks skip the NLU")
}

func TestStartConversation_IntentParameters(t *testing.T) {
	t.Run("accepted parameter completes", func(t *testing.T) {
		h := newHarness(t, nil)
		convo, err := h.run(t, textEvent("U1", "large pizza"), nil)
		require.NoError(t, err)
		assert.Nil(t, convo)
		assert.Equal(t, []string{"Order received: large"}, h.messenger.allTexts())
		assert.Equal(t, []reactionLog{{key: "size", value: "large"}}, h.reactions)
	})

	t.Run("rejected parameter reacts and asks", func(t *testing.T) {
		h := newHarness(t, nil)
		convo, err := h.run(t, textEvent("U1", "huge pizza"), nil)
		require.NoError(t, err)
		require.NotNil(t, convo)
		assert.Equal(t, "size", convo.Confirming)
		assert.Equal(t, []reactionLog{{key: "size", reason: parser.ReasonValueNotFoundInList, value: "huge"}}, h.reactions)
	})
}

func TestStartConversation_Postbacks(t *testing.T) {
	t.Run("intent postback", func(t *testing.T) {
		h := newHarness(t, nil)
		convo, err := h.run(t, postbackEvent("U1", `{"_type":"intent","intent":{"name":"order_pizza","parameters":{"size":"small"}},"language":"en"}`), nil)
		require.NoError(t, err)
		assert.Nil(t, convo)
		assert.Equal(t, []string{"Order received: small"}, h.messenger.allTexts())
		assert.Empty(t, h.nlu.calls)
	})

	t.Run("other json postback uses default intent", func(t *testing.T) {
		h := newHarness(t, nil)
		convo, err := h.run(t, postbackEvent("U1", `{"action":"buy"}`), nil)
		require.NoError(t, err)
		require.NotNil(t, convo)
		assert.Equal(t, unknownIntent, convo.Intent.Name)
		assert.Equal(t, []string{"Sorry?"}, h.messenger.allTexts())
		assert.Empty(t, h.nlu.calls)
	})

	t.Run("plain postback is classified as text", func(t *testing.T) {
		h := newHarness(t, nil)
		convo, err := h.run(t, postbackEvent("U1", "order pizza"), nil)
		require.NoError(t, err)
		assert.Equal(t, "order_pizza", convo.Intent.Name)
		assert.Equal(t, []string{"order pizza"}, h.nlu.calls)
	})
}

func TestStartConversation_NonTextUsesDefaultIntent(t *testing.T) {
	h := newHarness(t, nil)
	event := textEvent("U1", "")
	event.Message = &conversation.Message{Type: conversation.MessageTypeSticker, ID: "s1"}

	convo, err := h.run(t, event, nil)
	require.NoError(t, err)
	require.NotNil(t, convo)
	assert.Equal(t, []string{"Sorry?"}, h.messenger.allTexts())
	assert.Empty(t, h.nlu.calls)
}

func TestStartConversation_UnregisteredSkillIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	h.nlu.intents["hello"] = conversation.Intent{Name: "not_registered"}

	convo, err := h.run(t, textEvent("U1", "hello"), nil)
	require.NoError(t, err)
	assert.Nil(t, convo)
	assert.Empty(t, h.messenger.deliveries)
}

func TestStartConversation_Translation(t *testing.T) {
	tr := translator.Wrap(&dictionaryService{lang: "en"}, true, true, nil)
	h := newHarness(t, tr)

	convo, err := h.run(t, textEvent("U1", "I want pizza"), nil)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.Equal(t, "en", convo.SenderLanguage)
	assert.Equal(t, "ピザください", convo.Translation)
	assert.Equal(t, []string{"ピザください"}, h.nlu.calls)
	assert.Equal(t, []string{"[en] Which size?"}, h.messenger.allTexts())
}

func TestPush(t *testing.T) {
	h := newHarness(t, nil)
	event := &conversation.Event{
		ID:       "push-1",
		Type:     conversation.EventPush,
		To:       &conversation.Recipient{Type: conversation.SourceUser, ID: "U9"},
		Intent:   &conversation.Intent{Name: "order_pizza"},
		Language: "ja",
	}

	convo, err := h.run(t, event, nil)
	require.NoError(t, err)
	require.NotNil(t, convo)

	assert.Equal(t, conversation.FlowPush, convo.Flow)
	assert.Equal(t, "size", convo.Confirming)
	require.Len(t, h.messenger.deliveries, 1)
	assert.Equal(t, delivery{kind: "send", to: "U9", msgs: []conversation.Message{conversation.Text("Which size?")}}, h.messenger.deliveries[0])
	assert.Equal(t, "Which size?", convo.Previous.Message[0].Message.Text)

	event.Intent = nil
	_, err = h.run(t, event, nil)
	assert.True(t, errors.Is(err, ErrIntentRequired))
}

func TestFixedIntentFlows(t *testing.T) {
	h := newHarness(t, nil)
	follow := &conversation.Event{Type: conversation.EventFollow, Source: conversation.Source{Type: conversation.SourceUser, ID: "U1"}}

	convo, err := h.run(t, follow, nil)
	require.NoError(t, err)
	require.NotNil(t, convo)
	assert.Equal(t, "greet", convo.Intent.Name)
	require.Len(t, h.messenger.deliveries, 1)
	assert.Equal(t, []string{"Welcome", "Say 'order pizza' to start"}, h.messenger.deliveries[0].texts())

	leave := &conversation.Event{Type: conversation.EventLeave, Source: conversation.Source{Type: conversation.SourceGroup, ID: "G1"}}
	convo, err = h.run(t, leave, conversation.New())
	require.NoError(t, err)
	assert.Nil(t, convo, "no skill configured for leave")
}

func TestControlFlags(t *testing.T) {
	h := newHarness(t, nil)
	run := func(flag string) (*conversation.Context, error) {
		h.nlu.intents["flag "+flag] = conversation.Intent{Name: "flags", Parameters: map[string]any{"flag": flag}}
		return h.run(t, textEvent("U1", "flag "+flag), nil)
	}

	convo, err := run("pause")
	require.NoError(t, err)
	require.NotNil(t, convo)
	assert.False(t, convo.Pause, "flag is consumed")
	assert.Equal(t, []string{"anything"}, convo.ToConfirm)
	assert.Empty(t, convo.Confirming, "pause skips collection")

	convo, err = run("exit")
	require.NoError(t, err)
	require.NotNil(t, convo)
	assert.False(t, convo.Exit)
	assert.Empty(t, convo.Confirming)

	convo, err = run("init")
	require.NoError(t, err)
	assert.Nil(t, convo)

	assert.Empty(t, h.messenger.deliveries)
}

func TestCollectParameter_SurvivesAcrossTurns(t *testing.T) {
	h := newHarness(t, nil)
	h.nlu.intents["contact me"] = conversation.Intent{Name: "contact"}

	convo, err := h.run(t, textEvent("U1", "contact me"), nil)
	require.NoError(t, err)
	require.NotNil(t, convo)
	assert.Equal(t, "phone", convo.Confirming)
	require.Len(t, convo.ParamChangeHistory, 1)
	assert.Equal(t, string(skill.TypeDynamic), convo.ParamChangeHistory[0].Type)

	convo, err = h.run(t, textEvent("U1", "0123456789"), convo)
	require.NoError(t, err)
	require.NotNil(t, convo)
	assert.Equal(t, "0123456789", convo.Confirmed["phone"])
	assert.Empty(t, convo.ParamChangeHistory, "change log is cleared on completion")
	assert.Equal(t, []string{"Phone number?", "We will call 0123456789"}, h.messenger.allTexts())
}

func TestReply_DeliveryErrorIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.err = errors.New("network down")

	_, err := h.run(t, textEvent("U1", "order pizza"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")
}

func TestFinish_IdempotentWhenNothingPending(t *testing.T) {
	h := newHarness(t, nil)
	convo := conversation.New()
	convo.Intent = conversation.Intent{Name: "show_menu"}
	convo.Confirmed["x"] = 1
	convo.Previous.Confirmed = []string{"x"}

	turn, err := h.engine.newTurn(conversation.FlowBTW, h.messenger, textEvent("U1", "hi"), convo)
	require.NoError(t, err)
	turn.skill.Finish = nil

	first, err := turn.finish(context.Background())
	require.NoError(t, err)
	second, err := turn.finish(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Confirmed, second.Confirmed)
	assert.Equal(t, []string{"x"}, second.Previous.Confirmed)
}
