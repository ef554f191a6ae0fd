// ABOUTME: Regular-expression intent classifier driven by configured rules
// ABOUTME: Named capture groups and entity rules become intent parameters

package nlu

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
)

type compiledIntent struct {
	name     string
	language string
	response string
	patterns []*regexp.Regexp
}

type compiledEntity struct {
	name     string
	patterns []*regexp.Regexp
}

// Rules classifies sentences by matching case-insensitive patterns in order.
// The first matching intent wins. Entities are extracted from every sentence,
// including ones that match no intent.
type Rules struct {
	intents  []compiledIntent
	entities []compiledEntity
	unknown  string
	logger   *slog.Logger
}

// NewRules compiles the given rules.
func NewRules(intents []config.IntentRule, entities []config.EntityRule, unknown string, logger *slog.Logger) (*Rules, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if unknown == "" {
		unknown = UnknownIntent
	}
	r := &Rules{unknown: unknown, logger: logger.With("component", "nlu")}

	for _, in := range intents {
		if in.Name == "" {
			return nil, fmt.Errorf("nlu intent rule without name")
		}
		patterns, err := compilePatterns(in.Patterns)
		if err != nil {
			return nil, fmt.Errorf("intent %s: %w", in.Name, err)
		}
		r.intents = append(r.intents, compiledIntent{
			name:     in.Name,
			language: in.Language,
			response: in.Response,
			patterns: patterns,
		})
	}
	for _, en := range entities {
		patterns, err := compilePatterns(en.Patterns)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", en.Name, err)
		}
		r.entities = append(r.entities, compiledEntity{name: en.Name, patterns: patterns})
	}
	return r, nil
}

func compilePatterns(src []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(src))
	for _, p := range src {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// IdentifyIntent implements Adapter.
func (r *Rules) IdentifyIntent(_ context.Context, sentence string, opts Options) (*conversation.Intent, error) {
	if len(sentence) > maxSentenceBytes {
		r.logger.Debug("sentence too long, returning unknown intent", "bytes", len(sentence))
		return unknownIntent(r.unknown), nil
	}

	params := r.extractEntities(sentence)

	for _, in := range r.intents {
		if in.language != "" && opts.Language != "" && in.language != opts.Language {
			continue
		}
		for _, re := range in.patterns {
			m := re.FindStringSubmatch(sentence)
			if m == nil {
				continue
			}
			for i, group := range re.SubexpNames() {
				if group != "" && m[i] != "" {
					params[group] = m[i]
				}
			}
			intent := &conversation.Intent{Name: in.name, TextResponse: in.response}
			if len(params) > 0 {
				intent.Parameters = params
			}
			r.logger.Debug("intent identified", "intent", in.name, "session_id", opts.SessionID)
			return intent, nil
		}
	}

	intent := unknownIntent(r.unknown)
	if len(params) > 0 {
		intent.Parameters = params
	}
	return intent, nil
}

// extractEntities returns the first match of each entity. A pattern's group
// named after the entity, else its first group, else the whole match is used.
func (r *Rules) extractEntities(sentence string) map[string]any {
	params := map[string]any{}
	for _, en := range r.entities {
		for _, re := range en.patterns {
			m := re.FindStringSubmatch(sentence)
			if m == nil {
				continue
			}
			value := m[0]
			if idx := re.SubexpIndex(en.name); idx > 0 {
				value = m[idx]
			} else if len(m) > 1 {
				value = m[1]
			}
			params[en.name] = value
			break
		}
	}
	return params
}
