package storage

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultName is the database file stem used when none is configured.
const DefaultName = "docrag"

// Store is the SQLite Backend. Query records are indexed with FTS5 and
// document bodies live in the same file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ Backend = (*Store)(nil)

// Open opens (or creates) <dataDir>/<name>.db and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir, name string) (*Store, error) {
	if name == "" {
		name = DefaultName
	}
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, name+".db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Query records ---

func (s *Store) InsertRecord(ctx context.Context, r QueryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queries (query, response, created_at) VALUES (?, ?, ?)`,
		r.Query, r.Response, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting query record: %w", err)
	}
	return nil
}

func (s *Store) SearchRecords(ctx context.Context, text string) ([]QueryRecord, error) {
	match := ftsMatch(Terms(text))
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT q.query, q.response
		FROM queries_fts
		JOIN queries q ON q.seq = queries_fts.rowid
		WHERE queries_fts MATCH ?
		ORDER BY q.seq ASC`, match,
	)
	if err != nil {
		return nil, fmt.Errorf("searching query records: %w", err)
	}
	defer rows.Close()

	var results []QueryRecord
	for rows.Next() {
		var r QueryRecord
		if err := rows.Scan(&r.Query, &r.Response); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsMatch builds an FTS5 expression matching any of terms. Each term is
// quoted so that FTS5 operators in user input are treated as text.
func ftsMatch(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// --- Documents ---

func (s *Store) PutBlob(ctx context.Context, filename string, content []byte) (string, error) {
	now := s.now().UTC()
	id := NewID(now)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, filename, length, content, upload_date)
		VALUES (?, ?, ?, ?, ?)`,
		id, filename, len(content), content, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("storing document %q: %w", filename, err)
	}
	return id, nil
}

func (s *Store) ListBlobs(ctx context.Context, filename string) ([]BlobInfo, error) {
	query := `SELECT id, filename, length, upload_date FROM documents`
	var args []any
	if filename != "" {
		query += ` WHERE filename = ?`
		args = append(args, filename)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var results []BlobInfo
	for rows.Next() {
		var b BlobInfo
		var uploaded string
		if err := rows.Scan(&b.ID, &b.Filename, &b.Length, &uploaded); err != nil {
			return nil, err
		}
		if b.UploadDate, err = time.Parse(time.RFC3339Nano, uploaded); err != nil {
			return nil, fmt.Errorf("parsing upload_date: %w", err)
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

func (s *Store) OpenBlob(ctx context.Context, id string) (BlobInfo, io.ReadCloser, error) {
	var b BlobInfo
	var uploaded string
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, filename, length, upload_date, content
		FROM documents WHERE id = ?`, NormalizeID(id),
	).Scan(&b.ID, &b.Filename, &b.Length, &uploaded, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobInfo{}, nil, ErrNotFound
	}
	if err != nil {
		return BlobInfo{}, nil, fmt.Errorf("reading document %s: %w", id, err)
	}
	if b.UploadDate, err = time.Parse(time.RFC3339Nano, uploaded); err != nil {
		return BlobInfo{}, nil, fmt.Errorf("parsing upload_date: %w", err)
	}
	return b, io.NopCloser(bytes.NewReader(content)), nil
}
