// ABOUTME: The flow kinds: start_conversation, reply, btw, push and the fixed-intent event flows
// ABOUTME: Each flow prepares the intent, runs the skill hooks and ends with finish

package flow

import (
	"context"
	"fmt"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/nlu"
	"github.com/2389/skillbot/internal/parser"
)

func (t *turn) unsupported() bool {
	if t.messenger.CheckSupportedEventType(t.event, t.kind) {
		return false
	}
	t.logger.Debug("event type not supported by flow", "event_type", string(t.event.Type))
	return true
}

func (t *turn) startConversation(ctx context.Context) (*conversation.Context, error) {
	if t.unsupported() {
		return nil, nil
	}
	t.convo.Flow = t.kind

	var intent *conversation.Intent
	switch t.event.Type {
	case conversation.EventMessage:
		if !t.event.IsTextMessage() {
			intent = &conversation.Intent{Name: t.e.cfg.DefaultIntent}
		}
	case conversation.EventPostback:
		if pb, isJSON := decodePostback(t.event.PostbackPayload()); pb != nil {
			intent = &pb.Intent
			t.convo.SenderLanguage = pb.Language
		} else if isJSON {
			intent = &conversation.Intent{Name: t.e.cfg.DefaultIntent}
		}
	}

	if intent == nil {
		text, err := t.localize(ctx, t.event.MessageText())
		if err != nil {
			return nil, err
		}
		intent, err = t.e.nlu.IdentifyIntent(ctx, text, t.nluOptions())
		if err != nil {
			return nil, fmt.Errorf("identifying intent: %w", err)
		}
	}
	t.convo.Intent = *intent

	s, err := t.instantiate(intent.Name)
	if err != nil || s == nil {
		return nil, err
	}
	t.launch(ctx, s)
	t.recordUserMessage(ctx)

	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	if !t.convo.HasFlag() {
		if err := t.applyIntentParameters(ctx); err != nil {
			return nil, err
		}
	}
	return t.finish(ctx)
}

func (t *turn) reply(ctx context.Context) (*conversation.Context, error) {
	if t.unsupported() {
		return t.convo, nil
	}
	t.convo.Flow = t.kind

	key := t.convo.Confirming
	value := t.event.ParamValue()
	t.recordUserMessage(ctx)

	applied, err := t.applyParameter(ctx, key, value, false)
	switch {
	case parser.IsRejection(err):
		parseErr := err
		var payload any = value
		if text, ok := value.(string); ok {
			translated, err := t.localize(ctx, text)
			if err != nil {
				return nil, err
			}
			payload = translated
		}
		m, err := t.identifyMind(ctx, payload)
		if err != nil {
			return nil, err
		}
		t.logger.Debug("mind identified", "result", string(m.result), "intent", m.intent.Name)
		if err := t.dispatchRejected(ctx, m, key, value, parseErr); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case applied:
		if err := t.react(ctx, nil, key, value); err != nil {
			return nil, err
		}
	}
	return t.finish(ctx)
}

// dispatchRejected acts on the mind behind a rejected answer for key.
func (t *turn) dispatchRejected(ctx context.Context, m *mind, key string, value any, parseErr error) error {
	switch m.result {
	case mindModifyPreviousParameter:
		return t.modifyPreviousParameter()
	case mindDig:
		return t.dig(ctx, m.intent)
	case mindRestartConversation:
		return t.changeIntent(ctx, m.intent, true)
	case mindChangeIntent:
		return t.changeIntent(ctx, m.intent, false)
	case mindChangeParameter:
		if err := t.changeParameter(ctx, m.key, m.value); err != nil {
			return err
		}
	}
	return t.react(ctx, parseErr, key, value)
}

func (t *turn) btw(ctx context.Context) (*conversation.Context, error) {
	if t.unsupported() {
		return t.convo, nil
	}
	t.convo.Flow = t.kind

	var m *mind
	switch t.event.Type {
	case conversation.EventMessage:
		if !t.event.IsTextMessage() {
			m = &mind{result: mindNoIdea, intent: conversation.Intent{Name: t.e.cfg.DefaultIntent}}
		}
	case conversation.EventPostback:
		if pb, isJSON := decodePostback(t.event.PostbackPayload()); pb != nil {
			mm, err := t.intentMind(pb.Intent)
			if err != nil {
				return nil, err
			}
			t.convo.SenderLanguage = pb.Language
			m = mm
		} else if isJSON {
			m = &mind{result: mindNoIdea, intent: conversation.Intent{Name: t.e.cfg.DefaultIntent}}
		}
	}

	if m == nil {
		text, err := t.localize(ctx, t.event.MessageText())
		if err != nil {
			return nil, err
		}
		if m, err = t.identifyMind(ctx, text); err != nil {
			return nil, err
		}
	}
	t.logger.Debug("mind identified", "result", string(m.result), "intent", m.intent.Name)
	t.recordUserMessage(ctx)

	var err error
	switch m.result {
	case mindModifyPreviousParameter:
		err = t.modifyPreviousParameter()
	case mindDig:
		err = t.dig(ctx, m.intent)
	case mindRestartConversation:
		err = t.changeIntent(ctx, m.intent, true)
	case mindChangeIntent, mindNoIdea:
		err = t.changeIntent(ctx, m.intent, false)
	case mindChangeParameter:
		err = t.changeParameter(ctx, m.key, m.value)
	}
	if err != nil {
		return nil, err
	}
	return t.finish(ctx)
}

func (t *turn) push(ctx context.Context) (*conversation.Context, error) {
	t.convo.Flow = t.kind
	if t.event.Intent == nil || t.event.Intent.Name == "" {
		return nil, ErrIntentRequired
	}
	t.convo.Intent = *t.event.Intent
	t.convo.SenderLanguage = t.event.Language

	s, err := t.instantiate(t.convo.Intent.Name)
	if err != nil || s == nil {
		return nil, err
	}
	t.launch(ctx, s)

	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	if !t.convo.HasFlag() {
		if err := t.applyIntentParameters(ctx); err != nil {
			return nil, err
		}
	}
	return t.finish(ctx)
}

// fixedIntent runs the skill configured for follow, unfollow, join, leave
// and beacon events.
func (t *turn) fixedIntent(ctx context.Context) (*conversation.Context, error) {
	t.convo.Flow = t.kind
	name := t.e.cfg.Skill.ForEvent(string(t.event.Type), t.event.BeaconType())
	if name == "" {
		t.logger.Debug("no skill configured for event", "event_type", string(t.event.Type))
		return nil, nil
	}
	t.convo.Intent = conversation.Intent{Name: name}

	s, err := t.instantiate(name)
	if err != nil || s == nil {
		return nil, err
	}
	t.launch(ctx, s)

	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	return t.finish(ctx)
}

func (t *turn) nluOptions() nlu.Options {
	return nlu.Options{SessionID: t.event.SessionID(), Language: t.convo.SenderLanguage}
}
