// ABOUTME: Tests for the Gemini intent classifier against a fake content generator
// ABOUTME: Verifies prompt contents, JSON decoding and unknown-intent fallbacks

package nlu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/2389/skillbot/internal/config"
)

type fakeGenerator struct {
	answer string
	err    error

	model  string
	prompt string
	text   string
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	if cfg != nil && cfg.SystemInstruction != nil && len(cfg.SystemInstruction.Parts) > 0 {
		f.prompt = cfg.SystemInstruction.Parts[0].Text
	}
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.text = contents[0].Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(f.answer, genai.RoleModel)},
		},
	}, nil
}

var catalog = []config.IntentRule{
	{Name: "order_pizza", Description: "the user wants to order a pizza", Parameters: []string{"size"}},
	{Name: "cancel_order"},
}

func TestGemini_IdentifyIntent(t *testing.T) {
	gen := &fakeGenerator{answer: `{"intent":"order_pizza","parameters":{"size":"large"}}`}
	g := newGemini(gen, "", catalog, "", nil)

	intent, err := g.IdentifyIntent(context.Background(), "a large pizza please", Options{SessionID: "U1", Language: "en"})
	require.NoError(t, err)

	assert.Equal(t, "order_pizza", intent.Name)
	assert.Equal(t, map[string]any{"size": "large"}, intent.Parameters)
	assert.Equal(t, defaultGeminiModel, gen.model)
	assert.Equal(t, "a large pizza please", gen.text)
	assert.Contains(t, gen.prompt, "order_pizza: the user wants to order a pizza (parameters: size)")
	assert.Contains(t, gen.prompt, `"en"`)
}

func TestGemini_Fallbacks(t *testing.T) {
	t.Run("intent outside the catalog", func(t *testing.T) {
		g := newGemini(&fakeGenerator{answer: `{"intent":"book_flight","response":"I can only do pizza"}`}, "m", catalog, "", nil)
		intent, err := g.IdentifyIntent(context.Background(), "fly me", Options{})
		require.NoError(t, err)
		assert.Equal(t, UnknownIntent, intent.Name)
		assert.Equal(t, "I can only do pizza", intent.TextResponse)
	})

	t.Run("malformed answer", func(t *testing.T) {
		g := newGemini(&fakeGenerator{answer: "not json"}, "m", catalog, "", nil)
		intent, err := g.IdentifyIntent(context.Background(), "hm", Options{})
		require.NoError(t, err)
		assert.Equal(t, UnknownIntent, intent.Name)
	})

	t.Run("transport error propagates", func(t *testing.T) {
		g := newGemini(&fakeGenerator{err: errors.New("quota")}, "m", catalog, "", nil)
		_, err := g.IdentifyIntent(context.Background(), "hm", Options{})
		assert.Error(t, err)
	})
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), config.GeminiConfig{}, catalog, "", nil)
	assert.Error(t, err)
}
