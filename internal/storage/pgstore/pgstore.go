// Package pgstore is the PostgreSQL storage backend. Query records are
// matched through a generated tsvector column and documents are kept in a
// bytea column.
package pgstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/docrag/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queries (
		seq        BIGSERIAL PRIMARY KEY,
		query      TEXT NOT NULL,
		response   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		query_tsv  tsvector GENERATED ALWAYS AS (to_tsvector('english', query)) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queries_tsv ON queries USING GIN (query_tsv)`,
	`CREATE TABLE IF NOT EXISTS documents (
		seq         BIGSERIAL PRIMARY KEY,
		id          TEXT NOT NULL UNIQUE,
		filename    TEXT NOT NULL,
		length      BIGINT NOT NULL,
		content     BYTEA NOT NULL,
		upload_date TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents (filename)`,
}

type Config struct {
	// DSN is a libpq connection string or URL.
	DSN string
	// Database overrides the database named in DSN when set.
	Database string
}

// Store is the PostgreSQL storage.Backend.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Open connects, pings and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.Database != "" {
		pcfg.ConnConfig.Database = cfg.Database
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) InsertRecord(ctx context.Context, r storage.QueryRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queries (query, response, created_at) VALUES ($1, $2, $3)`,
		r.Query, r.Response, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting query record: %w", err)
	}
	return nil
}

func (s *Store) SearchRecords(ctx context.Context, text string) ([]storage.QueryRecord, error) {
	terms := storage.Terms(text)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT query, response
		FROM queries
		WHERE query_tsv @@ to_tsquery('english', $1)
		ORDER BY seq ASC`, strings.Join(terms, " | "),
	)
	if err != nil {
		return nil, fmt.Errorf("searching query records: %w", err)
	}
	defer rows.Close()

	var results []storage.QueryRecord
	for rows.Next() {
		var r storage.QueryRecord
		if err := rows.Scan(&r.Query, &r.Response); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) PutBlob(ctx context.Context, filename string, content []byte) (string, error) {
	now := s.now().UTC()
	id := storage.NewID(now)
	if content == nil {
		content = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, filename, length, content, upload_date)
		VALUES ($1, $2, $3, $4, $5)`,
		id, filename, int64(len(content)), content, now,
	)
	if err != nil {
		return "", fmt.Errorf("storing document %q: %w", filename, err)
	}
	return id, nil
}

func (s *Store) ListBlobs(ctx context.Context, filename string) ([]storage.BlobInfo, error) {
	query := `SELECT id, filename, length, upload_date FROM documents`
	var args []any
	if filename != "" {
		query += ` WHERE filename = $1`
		args = append(args, filename)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var results []storage.BlobInfo
	for rows.Next() {
		var b storage.BlobInfo
		if err := rows.Scan(&b.ID, &b.Filename, &b.Length, &b.UploadDate); err != nil {
			return nil, err
		}
		b.UploadDate = b.UploadDate.UTC()
		results = append(results, b)
	}
	return results, rows.Err()
}

func (s *Store) OpenBlob(ctx context.Context, id string) (storage.BlobInfo, io.ReadCloser, error) {
	var b storage.BlobInfo
	var content []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, filename, length, upload_date, content
		FROM documents WHERE id = $1`, storage.NormalizeID(id),
	).Scan(&b.ID, &b.Filename, &b.Length, &b.UploadDate, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.BlobInfo{}, nil, storage.ErrNotFound
	}
	if err != nil {
		return storage.BlobInfo{}, nil, fmt.Errorf("reading document %s: %w", id, err)
	}
	b.UploadDate = b.UploadDate.UTC()
	return b, io.NopCloser(bytes.NewReader(content)), nil
}
