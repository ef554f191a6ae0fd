// ABOUTME: Mind identification classifies input that did not answer the pending question
// ABOUTME: Results drive the reply and btw flows: dig, restart, change intent or parameter, or no idea

package flow

import (
	"context"
	"fmt"
	"slices"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/skill"
)

// mindResult names what the user meant.
type mindResult string

const (
	mindModifyPreviousParameter mindResult = "modify_previous_parameter"
	mindDig                     mindResult = "dig"
	mindRestartConversation     mindResult = "restart_conversation"
	mindChangeIntent            mindResult = "change_intent"
	mindChangeParameter         mindResult = "change_parameter"
	mindNoIdea                  mindResult = "no_idea"
)

type mind struct {
	result mindResult
	intent conversation.Intent
	// key and value are set for mindChangeParameter; value is already parsed.
	key   string
	value any
}

// identifyMind classifies payload: a postback value, a raw message or text.
func (t *turn) identifyMind(ctx context.Context, payload any) (*mind, error) {
	if pb, ok := payload.(map[string]any); ok {
		if data, ok := pb["data"].(string); ok {
			if ip, _ := decodePostback(data); ip != nil {
				return t.intentMind(ip.Intent)
			}
		}
	}

	text, ok := payload.(string)
	if !ok {
		return &mind{result: mindNoIdea, intent: conversation.Intent{Name: t.e.cfg.DefaultIntent}}, nil
	}

	intent, err := t.e.nlu.IdentifyIntent(ctx, text, t.nluOptions())
	if err != nil {
		return nil, fmt.Errorf("identifying intent: %w", err)
	}

	if modify := t.e.cfg.ModifyPreviousParameterIntent; modify != "" && intent.Name == modify {
		return &mind{result: mindModifyPreviousParameter, intent: *intent}, nil
	}

	if intent.Name != t.e.cfg.DefaultIntent {
		if !t.e.skills.Has(intent.Name) {
			t.logger.Debug("no skill for intent", "intent", intent.Name)
			return &mind{result: mindNoIdea, intent: t.convo.Intent}, nil
		}
		if t.kind == conversation.FlowReply && t.convo.Confirming != "" {
			if p, _ := t.lookup(t.convo.Confirming); p != nil && slices.Contains(p.SubSkill, intent.Name) {
				return &mind{result: mindDig, intent: *intent}, nil
			}
		}
		if intent.Name == t.convo.Intent.Name {
			return &mind{result: mindRestartConversation, intent: *intent}, nil
		}
		return &mind{result: mindChangeIntent, intent: *intent}, nil
	}

	// While a question is pending a free-form answer is not reinterpreted
	// as another parameter.
	if t.kind == conversation.FlowReply {
		return &mind{result: mindNoIdea, intent: *intent}, nil
	}

	fits := t.fittingParameters(ctx, text)
	if len(fits) == 0 {
		return &mind{result: mindNoIdea, intent: *intent}, nil
	}
	if len(fits) > 1 {
		t.logger.Debug("value fits several parameters, using the first", "keys", len(fits))
	}
	return &mind{result: mindChangeParameter, intent: *intent, key: fits[0].key, value: fits[0].value}, nil
}

func (t *turn) intentMind(intent conversation.Intent) (*mind, error) {
	if intent.Name == "" {
		return nil, fmt.Errorf("postback intent: %w", ErrIntentRequired)
	}
	if intent.Name == t.convo.Intent.Name {
		return &mind{result: mindRestartConversation, intent: intent}, nil
	}
	return &mind{result: mindChangeIntent, intent: intent}, nil
}

type fit struct {
	key   string
	value any
}

// fittingParameters strictly parses text against every required and
// optional parameter except the one being confirmed.
func (t *turn) fittingParameters(ctx context.Context, text string) []fit {
	if t.skill == nil {
		return nil
	}
	var fits []fit
	for _, set := range []skill.Parameters{t.skill.Required, t.skill.Optional} {
		for _, p := range set {
			if p.Key == t.convo.Confirming {
				continue
			}
			v, err := t.parse(ctx, p, text, true)
			if err != nil {
				continue
			}
			fits = append(fits, fit{key: p.Key, value: v})
		}
	}
	return fits
}
