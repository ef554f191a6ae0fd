// ABOUTME: Translator service contract plus the flag-aware wrapper the flows use
// ABOUTME: Detection and translation are enabled independently from configuration

package translator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
)

// Service detects and translates text.
type Service interface {
	// Detect returns the ISO-639-1 code of text.
	Detect(ctx context.Context, text string) (string, error)
	// Translate returns texts translated into target, in the same order.
	Translate(ctx context.Context, texts []string, target string) ([]string, error)
}

// Translator wraps a Service with the configured feature flags.
type Translator struct {
	service   Service
	detect    bool
	translate bool
	logger    *slog.Logger
}

// New builds the translator selected by cfg. It returns nil for type "none".
func New(ctx context.Context, cfg config.TranslatorConfig, logger *slog.Logger) (*Translator, error) {
	switch cfg.Type {
	case config.TranslatorTypeNone, "":
		return nil, nil
	case config.TranslatorTypeGemini:
		svc, err := NewGemini(ctx, cfg.Gemini, logger)
		if err != nil {
			return nil, err
		}
		return Wrap(svc, cfg.EnableLangDetection, cfg.EnableTranslation, logger), nil
	}
	return nil, fmt.Errorf("unsupported translator type %q", cfg.Type)
}

// Wrap builds a Translator around svc.
func Wrap(svc Service, detect, translate bool, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{
		service:   svc,
		detect:    detect,
		translate: translate,
		logger:    logger.With("component", "translator"),
	}
}

// DetectionEnabled reports whether sender language detection is on. Safe on nil.
func (t *Translator) DetectionEnabled() bool {
	return t != nil && t.detect
}

// TranslationEnabled reports whether translation is on. Safe on nil.
func (t *Translator) TranslationEnabled() bool {
	return t != nil && t.translate
}

// Detect returns the language of text.
func (t *Translator) Detect(ctx context.Context, text string) (string, error) {
	lang, err := t.service.Detect(ctx, text)
	if err != nil {
		return "", fmt.Errorf("detecting language: %w", err)
	}
	t.logger.Debug("language detected", "language", lang)
	return lang, nil
}

// Translate translates one text into target.
func (t *Translator) Translate(ctx context.Context, text, target string) (string, error) {
	out, err := t.service.Translate(ctx, []string{text}, target)
	if err != nil {
		return "", fmt.Errorf("translating text: %w", err)
	}
	if len(out) != 1 {
		return "", fmt.Errorf("translating text: got %d results for 1 input", len(out))
	}
	return out[0], nil
}

// TranslateMessage translates the user-visible text of msg into target:
// the text, the alt text and each action label and reply text.
func (t *Translator) TranslateMessage(ctx context.Context, msg conversation.Message, target string) (conversation.Message, error) {
	var texts []string
	var sinks []*string
	add := func(s *string) {
		if *s != "" {
			texts = append(texts, *s)
			sinks = append(sinks, s)
		}
	}

	out := msg
	out.Actions = append([]conversation.Action(nil), msg.Actions...)
	add(&out.Text)
	add(&out.AltText)
	for i := range out.Actions {
		add(&out.Actions[i].Label)
		if out.Actions[i].Type == conversation.ActionMessage {
			add(&out.Actions[i].Text)
		}
	}
	if len(texts) == 0 {
		return msg, nil
	}

	translated, err := t.service.Translate(ctx, texts, target)
	if err != nil {
		return msg, fmt.Errorf("translating message: %w", err)
	}
	if len(translated) != len(texts) {
		return msg, fmt.Errorf("translating message: got %d results for %d inputs", len(translated), len(texts))
	}
	for i, s := range sinks {
		*s = translated[i]
	}
	return out, nil
}
