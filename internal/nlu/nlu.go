// ABOUTME: NLU adapter contract and factory for intent classification back-ends
// ABOUTME: Adapters return the unknown intent for no match and errors only for transport failures

package nlu

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
)

// UnknownIntent is the intent name returned when nothing matched.
const UnknownIntent = config.DefaultIntent

// maxSentenceBytes bounds the input classified; longer input is unknown.
const maxSentenceBytes = 256

// Options carries per-call classification settings.
type Options struct {
	SessionID string
	Language  string
}

// Adapter classifies a sentence into an intent.
type Adapter interface {
	IdentifyIntent(ctx context.Context, sentence string, opts Options) (*conversation.Intent, error)
}

// ruleFile is the on-disk layout of nlu.rules_file.
type ruleFile struct {
	Intents  []config.IntentRule `yaml:"intents"`
	Entities []config.EntityRule `yaml:"entities"`
}

// New builds the adapter selected by cfg. Rules from nlu.rules_file are
// appended to the inline ones.
func New(ctx context.Context, cfg config.NLUConfig, unknown string, logger *slog.Logger) (Adapter, error) {
	intents, entities := cfg.Intents, cfg.Entities
	if cfg.RulesFile != "" {
		data, err := os.ReadFile(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("reading nlu rules file: %w", err)
		}
		var rf ruleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parsing nlu rules file: %w", err)
		}
		intents = append(append([]config.IntentRule{}, intents...), rf.Intents...)
		entities = append(append([]config.EntityRule{}, entities...), rf.Entities...)
	}

	switch cfg.Type {
	case config.NLUTypeRules:
		return NewRules(intents, entities, unknown, logger)
	case config.NLUTypeGemini:
		return NewGemini(ctx, cfg.Gemini, intents, unknown, logger)
	default:
		return nil, fmt.Errorf("unsupported nlu type %q", cfg.Type)
	}
}

func unknownIntent(name string) *conversation.Intent {
	return &conversation.Intent{Name: name}
}
