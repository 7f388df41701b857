// Package search answers queries against stored query records and uploaded
// documents, and generates new answers with the language model.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/docrag/internal/extract"
	"github.com/kalambet/docrag/internal/model"
	"github.com/kalambet/docrag/internal/prompt"
	"github.com/kalambet/docrag/internal/sentiment"
	"github.com/kalambet/docrag/internal/storage"
)

const (
	DefaultContextLength = 100
	DefaultCacheSize     = 128
	defaultWorkers       = 4
)

// RecordStore persists generated answers and searches them by text.
type RecordStore interface {
	InsertRecord(ctx context.Context, r storage.QueryRecord) error
	SearchRecords(ctx context.Context, text string) ([]storage.QueryRecord, error)
}

// BlobStore holds uploaded documents.
type BlobStore interface {
	PutBlob(ctx context.Context, filename string, content []byte) (string, error)
	ListBlobs(ctx context.Context, filename string) ([]storage.BlobInfo, error)
	OpenBlob(ctx context.Context, id string) (storage.BlobInfo, io.ReadCloser, error)
}

// Models loads the generation and sentiment models on first use.
type Models interface {
	Load(ctx context.Context) (*model.State, error)
}

type Config struct {
	// ContextLength is the default number of runes kept after a match.
	ContextLength int
	// CacheSize bounds the generation cache.
	CacheSize int
	// SentimentWorkers bounds concurrent sentiment calls per search.
	SentimentWorkers int
}

// Options adjusts a single search.
type Options struct {
	// Filename restricts the document scan to blobs with this name and
	// skips the record search.
	Filename         string
	IncludeSentiment bool
	// ContextLength overrides Config.ContextLength when non-nil.
	ContextLength *int
}

// Snippet is a matched fragment of one document.
type Snippet struct {
	Filename  string            `json:"filename"`
	Snippet   string            `json:"snippet"`
	Sentiment *sentiment.Result `json:"sentiment,omitempty"`
}

// Result holds both result lists. Either may be empty, never nil.
type Result struct {
	QueryResults    []storage.QueryRecord `json:"query_results"`
	DocumentResults []Snippet             `json:"document_results"`
}

// Document is a decoded stored document.
type Document struct {
	ID       string `json:"file_id"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Searcher serves search, generate and document operations. It owns the
// generation cache; the cache is not shared across processes.
type Searcher struct {
	records RecordStore
	blobs   BlobStore
	models  Models
	cfg     Config
	logger  *slog.Logger

	cache  *lru.Cache[string, string]
	flight singleflight.Group
}

func New(records RecordStore, blobs BlobStore, models Models, cfg Config, logger *slog.Logger) (*Searcher, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.ContextLength < 0 {
		cfg.ContextLength = DefaultContextLength
	}
	if cfg.SentimentWorkers <= 0 {
		cfg.SentimentWorkers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating generation cache: %w", err)
	}
	return &Searcher{
		records: records,
		blobs:   blobs,
		models:  models,
		cfg:     cfg,
		logger:  logger,
		cache:   cache,
	}, nil
}

// Search looks query up in the record store (unless opts.Filename is set)
// and scans documents for its first case-insensitive occurrence. Documents
// that cannot be read or decoded are skipped.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) (Result, error) {
	const op = "search"
	contextLength := s.cfg.ContextLength
	if opts.ContextLength != nil {
		if *opts.ContextLength < 0 {
			return Result{}, invalid(op, "context_length must not be negative")
		}
		contextLength = *opts.ContextLength
	}

	s.logger.Info("searching", "query", query, "filename", opts.Filename)

	res := Result{
		QueryResults:    []storage.QueryRecord{},
		DocumentResults: []Snippet{},
	}

	if opts.Filename == "" {
		recs, err := s.records.SearchRecords(ctx, query)
		if err != nil {
			return Result{}, wrap(KindStore, op, err)
		}
		res.QueryResults = append(res.QueryResults, recs...)
	}

	blobs, err := s.blobs.ListBlobs(ctx, opts.Filename)
	if err != nil {
		return Result{}, wrap(KindStore, op, err)
	}
	for _, b := range blobs {
		text, err := s.readText(ctx, b.ID)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, wrap(KindStore, op, ctx.Err())
			}
			s.logger.Warn("skipping document", "file_id", b.ID, "filename", b.Filename, "error", err)
			continue
		}
		if snip, ok := snippet(text, query, contextLength); ok {
			res.DocumentResults = append(res.DocumentResults, Snippet{Filename: b.Filename, Snippet: snip})
		}
	}

	if opts.IncludeSentiment && len(res.DocumentResults) > 0 {
		if err := s.scoreSentiment(ctx, res.DocumentResults); err != nil {
			return Result{}, wrap(KindModel, op, err)
		}
	}

	s.logger.Info("search complete", "query_results", len(res.QueryResults), "document_results", len(res.DocumentResults))
	return res, nil
}

func (s *Searcher) scoreSentiment(ctx context.Context, snippets []Snippet) error {
	state, err := s.models.Load(ctx)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SentimentWorkers)
	for i := range snippets {
		g.Go(func() error {
			r, err := state.Sentiment.Classify(gCtx, snippets[i].Snippet)
			if err != nil {
				return fmt.Errorf("scoring snippet from %s: %w", snippets[i].Filename, err)
			}
			snippets[i].Sentiment = &r
			return nil
		})
	}
	return g.Wait()
}

// Generate answers query with the language model. Answers are cached by
// exact query string and each newly generated answer is recorded before it
// is cached or returned; if recording fails the answer is discarded.
// Concurrent calls for the same uncached query share one model call.
func (s *Searcher) Generate(ctx context.Context, query string) (string, error) {
	const op = "generate"

	if resp, ok := s.cache.Get(query); ok {
		s.logger.Debug("generation cache hit", "query", query)
		return resp, nil
	}

	v, err, _ := s.flight.Do(query, func() (any, error) {
		if resp, ok := s.cache.Get(query); ok {
			return resp, nil
		}

		text, err := prompt.Render(prompt.TaskQA, query)
		if err != nil {
			return nil, wrap(KindModel, op, err)
		}
		state, err := s.models.Load(ctx)
		if err != nil {
			return nil, wrap(KindModel, op, err)
		}
		resp, err := state.Generator.Generate(ctx, text)
		if err != nil {
			s.logger.Error("generation failed", "query", query, "model", state.Generator.Model(), "error", err)
			return nil, wrap(KindModel, op, err)
		}
		if err := s.records.InsertRecord(ctx, storage.QueryRecord{Query: query, Response: resp}); err != nil {
			s.logger.Error("recording generated answer failed", "query", query, "error", err)
			return nil, wrap(KindStore, op, err)
		}
		s.cache.Add(query, resp)
		return resp, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Read returns the decoded content of the document with the given id.
func (s *Searcher) Read(ctx context.Context, id string) (Document, error) {
	const op = "read document"
	if !storage.ValidID(id) {
		return Document{}, invalid(op, "invalid file id format %q", id)
	}

	info, rc, err := s.blobs.OpenBlob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Document{}, wrap(KindNotFound, op, fmt.Errorf("document %s: %w", id, err))
	}
	if err != nil {
		return Document{}, wrap(KindStore, op, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return Document{}, wrap(KindStore, op, err)
	}
	text, err := extract.Text(info.Filename, content)
	if err != nil {
		return Document{}, wrap(KindDecode, op, fmt.Errorf("document %s: %w", id, err))
	}
	return Document{ID: info.ID, Filename: info.Filename, Content: text}, nil
}

// Upload stores content under filename and returns the new document id.
func (s *Searcher) Upload(ctx context.Context, filename string, content []byte) (string, error) {
	const op = "upload document"
	if strings.TrimSpace(filename) == "" {
		return "", invalid(op, "filename is required")
	}
	id, err := s.blobs.PutBlob(ctx, filename, content)
	if err != nil {
		return "", wrap(KindStore, op, err)
	}
	s.logger.Info("document uploaded", "file_id", id, "filename", filename, "bytes", len(content))
	return id, nil
}

// ListDocuments returns every stored document in upload order.
func (s *Searcher) ListDocuments(ctx context.Context) ([]storage.BlobInfo, error) {
	blobs, err := s.blobs.ListBlobs(ctx, "")
	if err != nil {
		return nil, wrap(KindStore, "list documents", err)
	}
	if blobs == nil {
		blobs = []storage.BlobInfo{}
	}
	return blobs, nil
}

// CacheLen reports the number of cached answers.
func (s *Searcher) CacheLen() int { return s.cache.Len() }

func (s *Searcher) readText(ctx context.Context, id string) (string, error) {
	info, rc, err := s.blobs.OpenBlob(ctx, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return extract.Text(info.Filename, content)
}
