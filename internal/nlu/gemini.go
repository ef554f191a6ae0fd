// ABOUTME: Gemini-backed intent classifier using the Google GenAI SDK
// ABOUTME: The model answers in JSON with an intent name from the configured catalog

package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"google.golang.org/genai"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
)

const defaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is the slice of the GenAI models service the classifier uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini classifies sentences by prompting a Gemini model with the intent catalog.
type Gemini struct {
	models  contentGenerator
	model   string
	intents []config.IntentRule
	unknown string
	logger  *slog.Logger
}

// NewGemini creates a Gemini classifier for the given intent catalog.
func NewGemini(ctx context.Context, cfg config.GeminiConfig, intents []config.IntentRule, unknown string, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return newGemini(client.Models, cfg.Model, intents, unknown, logger), nil
}

func newGemini(models contentGenerator, model string, intents []config.IntentRule, unknown string, logger *slog.Logger) *Gemini {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if unknown == "" {
		unknown = UnknownIntent
	}
	return &Gemini{
		models:  models,
		model:   model,
		intents: intents,
		unknown: unknown,
		logger:  logger.With("component", "nlu"),
	}
}

type geminiAnswer struct {
	Intent     string         `json:"intent"`
	Parameters map[string]any `json:"parameters"`
	Response   string         `json:"response"`
}

// IdentifyIntent implements Adapter.
func (g *Gemini) IdentifyIntent(ctx context.Context, sentence string, opts Options) (*conversation.Intent, error) {
	if len(sentence) > maxSentenceBytes {
		return unknownIntent(g.unknown), nil
	}

	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(sentence, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.prompt(opts.Language), genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("classifying intent: %w", err)
	}

	var answer geminiAnswer
	if err := json.Unmarshal([]byte(resp.Text()), &answer); err != nil {
		g.logger.Warn("unparseable classifier answer", "error", err, "session_id", opts.SessionID)
		return unknownIntent(g.unknown), nil
	}

	known := slices.ContainsFunc(g.intents, func(r config.IntentRule) bool { return r.Name == answer.Intent })
	if !known {
		intent := unknownIntent(g.unknown)
		intent.TextResponse = answer.Response
		if len(answer.Parameters) > 0 {
			intent.Parameters = answer.Parameters
		}
		return intent, nil
	}

	intent := &conversation.Intent{Name: answer.Intent, TextResponse: answer.Response}
	if len(answer.Parameters) > 0 {
		intent.Parameters = answer.Parameters
	}
	g.logger.Debug("intent identified", "intent", intent.Name, "session_id", opts.SessionID)
	return intent, nil
}

func (g *Gemini) prompt(language string) string {
	var b strings.Builder
	b.WriteString("Classify the user's message into exactly one of the intents below.\n")
	b.WriteString("Answer with a JSON object: {\"intent\": name, \"parameters\": {name: value}, \"response\": text}.\n")
	fmt.Fprintf(&b, "Use %q as the intent when nothing fits, and put a short reply to the user in \"response\" in that case.\n", g.unknown)
	if language != "" {
		fmt.Fprintf(&b, "The message language is %q.\n", language)
	}
	b.WriteString("Intents:\n")
	for _, in := range g.intents {
		fmt.Fprintf(&b, "- %s", in.Name)
		if in.Description != "" {
			fmt.Fprintf(&b, ": %s", in.Description)
		}
		if len(in.Parameters) > 0 {
			fmt.Fprintf(&b, " (parameters: %s)", strings.Join(in.Parameters, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
