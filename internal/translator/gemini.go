// ABOUTME: Gemini-backed language detection and translation using the Google GenAI SDK
// ABOUTME: Batches are sent as a JSON array and must come back with the same length

package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/2389/skillbot/internal/config"
)

const defaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is the slice of the GenAI models service the translator uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini implements Service with a Gemini model.
type Gemini struct {
	models contentGenerator
	model  string
	logger *slog.Logger
}

// NewGemini creates a Gemini translation service.
func NewGemini(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (*Gemini, error) {
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
	return newGemini(client.Models, cfg.Model, logger), nil
}

func newGemini(models contentGenerator, model string, logger *slog.Logger) *Gemini {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{models: models, model: model, logger: logger.With("component", "translator")}
}

func (g *Gemini) generate(ctx context.Context, instruction, input string) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(input, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Detect implements Service.
func (g *Gemini) Detect(ctx context.Context, text string) (string, error) {
	answer, err := g.generate(ctx,
		`Identify the language of the user's message. Answer with a JSON object {"language": code} where code is the ISO-639-1 code.`,
		text)
	if err != nil {
		return "", err
	}
	var out struct {
		Language string `json:"language"`
	}
	if err := json.Unmarshal([]byte(answer), &out); err != nil {
		return "", fmt.Errorf("decoding detection answer: %w", err)
	}
	lang := strings.ToLower(strings.TrimSpace(out.Language))
	if lang == "" {
		return "", fmt.Errorf("detection answer has no language")
	}
	return lang, nil
}

// Translate implements Service.
func (g *Gemini) Translate(ctx context.Context, texts []string, target string) ([]string, error) {
	if len(texts) == 0 {
		return []string{}, nil
	}
	input, err := json.Marshal(texts)
	if err != nil {
		return nil, err
	}
	instruction := fmt.Sprintf(
		"Translate each string of the JSON array into the language with ISO-639-1 code %q. "+
			"Answer with a JSON array of the translations in the same order and of the same length.", target)

	answer, err := g.generate(ctx, instruction, string(input))
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(answer), &out); err != nil {
		return nil, fmt.Errorf("decoding translation answer: %w", err)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("translation answer has %d entries, want %d", len(out), len(texts))
	}
	g.logger.Debug("translated", "count", len(out), "target", target)
	return out, nil
}
