package model

import (
	"context"
	"fmt"

	"github.com/kalambet/docrag/internal/engine"
)

// Decoding holds the fixed sampling parameters for answer generation.
// MaxTokens bounds the continuation only; the prompt is not counted.
var Decoding = engine.GenerateOptions{
	TopK:        50,
	TopP:        0.95,
	Temperature: 0.7,
	MaxTokens:   150,
}

// Generator runs raw text completion against a causal language model.
type Generator struct {
	engine engine.Engine
	model  string
}

func NewGenerator(e engine.Engine, model string) *Generator {
	return &Generator{engine: e, model: model}
}

func (g *Generator) Model() string { return g.model }

// Generate completes prompt with a single sample and returns the decoded
// sequence, which starts with the prompt itself followed by the model's
// continuation.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := g.engine.Generate(ctx, g.model, prompt, Decoding)
	if err != nil {
		return "", fmt.Errorf("generating with %s: %w", g.model, err)
	}
	return prompt + out, nil
}
