// Package sentiment scores short text passages as positive or negative using
// a chat model constrained to a JSON schema.
package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/docrag/internal/engine"
)

const (
	Positive = "POSITIVE"
	Negative = "NEGATIVE"
)

const systemPrompt = `You are a binary sentiment classifier. Classify the sentiment of the passage supplied by the user. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- label is "POSITIVE" or "NEGATIVE". Neutral passages take whichever label is closer.
- score is your confidence in the label, a number between 0 and 1.`

// Chatter is the subset of engine.Engine the classifier needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Result is the top label and its confidence.
type Result struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier wraps a chat model to produce sentiment labels.
type Classifier struct {
	client Chatter
	model  string
}

func NewClassifier(client Chatter, model string) *Classifier {
	return &Classifier{client: client, model: model}
}

// Model returns the model name used for classification.
func (c *Classifier) Model() string { return c.model }

// Classify labels text. Chat and decoding failures are returned as errors.
func (c *Classifier) Classify(ctx context.Context, text string) (Result, error) {
	messages := []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}

	raw, err := c.client.Chat(ctx, c.model, messages, resultSchema())
	if err != nil {
		return Result{}, fmt.Errorf("sentiment chat: %w", err)
	}
	return parseResult(raw)
}

func parseResult(raw string) (Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &r); err != nil {
		return Result{}, fmt.Errorf("decoding sentiment response %q: %w", raw, err)
	}

	switch strings.ToUpper(strings.TrimSpace(r.Label)) {
	case Positive, "POS":
		r.Label = Positive
	case Negative, "NEG":
		r.Label = Negative
	default:
		return Result{}, fmt.Errorf("unexpected sentiment label %q", r.Label)
	}

	// Some models answer in percent.
	if r.Score > 1 && r.Score <= 100 {
		r.Score /= 100
	}
	r.Score = min(max(r.Score, 0), 1)
	return r, nil
}

func resultSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"label": {Type: "string", Description: "Sentiment label", Enum: []string{Positive, Negative}},
			"score": {Type: "number", Description: "Confidence between 0 and 1"},
		},
		Required: []string{"label", "score"},
	}
}
