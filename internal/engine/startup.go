package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotRunning is returned when the inference backend cannot be reached.
var ErrNotRunning = errors.New("inference engine is not running; start it with: ollama serve")

// EnsureRunning fails fast when the backend is unreachable.
func EnsureRunning(ctx context.Context, e Engine) error {
	if !e.IsRunning(ctx) {
		return ErrNotRunning
	}
	return nil
}

// Pull downloads model from the registry, writing progress lines to w.
func Pull(ctx context.Context, e Engine, model string, w io.Writer) error {
	if w == nil {
		w = io.Discard
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := e.PullModel(ctx, model, func(p PullProgress) {
		if p.Total > 0 {
			pct := float64(p.Completed) / float64(p.Total) * 100
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
