package engine

import "context"

// Engine abstracts the inference backend that serves both the generation
// model and the sentiment model. The model provider and the sentiment
// classifier depend on this interface instead of a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Generate continues prompt with the given model using the supplied
	// sampling parameters and returns the decoded text.
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model's weights are present locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model from the remote registry. The optional
	// callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
