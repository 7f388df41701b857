// Package model resolves and loads the generation and sentiment models once
// per process and hands out the resulting State.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/docrag/internal/engine"
	"github.com/kalambet/docrag/internal/sentiment"
)

// Source records where the generation model was loaded from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

type Config struct {
	// Model is the generation model name.
	Model          string
	SentimentModel string
	// PreferLocal uses a model already present in the local model store
	// before falling back to the remote registry.
	PreferLocal bool
}

// State is the loaded model set. It is immutable once returned by Load.
type State struct {
	Generator *Generator
	Sentiment *sentiment.Classifier
	Source    Source
}

// Provider constructs State at most once. Concurrent Load calls block until
// the first one finishes and then observe the same result.
type Provider struct {
	engine engine.Engine
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	state  *State
	err    error
}

func NewProvider(e engine.Engine, cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{engine: e, cfg: cfg, logger: logger}
}

// Load returns the process-wide State, loading it on first use. A load
// failure is remembered and returned by every later call until Reset.
// Context cancellation is not remembered.
func (p *Provider) Load(ctx context.Context) (*State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded {
		return p.state, p.err
	}

	state, err := p.load(ctx)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil, err
	}
	p.loaded = true
	p.state, p.err = state, err
	return state, err
}

// Loaded reports whether Load has completed, successfully or not.
func (p *Provider) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Reset discards the loaded State so that the next Load reinitializes.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	p.state = nil
	p.err = nil
}

func (p *Provider) load(ctx context.Context) (*State, error) {
	if !p.engine.IsRunning(ctx) {
		return nil, fmt.Errorf("loading models: %w", engine.ErrNotRunning)
	}

	src, err := p.resolveGenerator(ctx)
	if err != nil {
		return nil, err
	}

	p.logger.Info("loading sentiment model", "model", p.cfg.SentimentModel, "source", SourceRemote)
	if err := p.pull(ctx, p.cfg.SentimentModel); err != nil {
		return nil, err
	}

	return &State{
		Generator: NewGenerator(p.engine, p.cfg.Model),
		Sentiment: sentiment.NewClassifier(p.engine, p.cfg.SentimentModel),
		Source:    src,
	}, nil
}

func (p *Provider) resolveGenerator(ctx context.Context) (Source, error) {
	name := p.cfg.Model
	if p.cfg.PreferLocal {
		if p.engine.HasModel(ctx, name) {
			p.logger.Info("loading generation model", "model", name, "source", SourceLocal)
			return SourceLocal, nil
		}
		p.logger.Info("generation model not found locally, falling back to remote registry", "model", name)
	}

	p.logger.Info("loading generation model", "model", name, "source", SourceRemote)
	if err := p.pull(ctx, name); err != nil {
		return "", err
	}
	return SourceRemote, nil
}

func (p *Provider) pull(ctx context.Context, name string) error {
	err := p.engine.PullModel(ctx, name, func(pp engine.PullProgress) {
		p.logger.Debug("model pull progress", "model", name, "status", pp.Status,
			"completed", pp.Completed, "total", pp.Total)
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	return nil
}
