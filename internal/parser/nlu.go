// ABOUTME: Builtin parser that extracts a parameter value through the NLU service
// ABOUTME: Rejects sentences the NLU recognises as a full intent instead of a slot value

package parser

import (
	"context"
	"fmt"

	"github.com/2389/skillbot/internal/nlu"
)

// NLU extracts the slot named by policy "parameter_name" (default: the
// parameter key) from the sentence.
type NLU struct {
	Adapter nlu.Adapter
	// Unknown is the intent name the adapter returns for no match.
	Unknown string
}

func (NLU) Type() string { return "nlu" }

func (p NLU) Parse(ctx context.Context, param Param, policy Policy) (any, error) {
	s, ok := param.Value.(string)
	if !ok {
		return nil, Reject(ReasonShouldBeString)
	}
	if s == "" {
		return nil, Reject(ReasonValueIsEmpty)
	}

	intent, err := p.Adapter.IdentifyIntent(ctx, s, nlu.Options{SessionID: param.Key})
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", param.Key, err)
	}

	unknown := p.Unknown
	if unknown == "" {
		unknown = nlu.UnknownIntent
	}
	if intent.Name != unknown {
		return nil, Reject(ReasonActionIsSet)
	}

	name, ok := policy.String("parameter_name")
	if !ok {
		name = param.Key
	}
	value, found := intent.Parameters[name]
	if !found || value == nil || value == "" {
		return nil, Reject(ReasonCorrespondingParameterNotFound)
	}
	return value, nil
}
