package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, "queryDB")
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if err := s1.InsertRecord(context.Background(), QueryRecord{Query: "persisted", Response: "yes"}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	s1.Close()

	s2, err := Open(dir, "queryDB")
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}

	got, err := s2.SearchRecords(context.Background(), "persisted")
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("records after reopen = %d, want 1", len(got))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestSchemaObjectsExist(t *testing.T) {
	s := openTestStore(t)

	objects := []string{"queries", "queries_fts", "queries_ai", "documents", "idx_documents_filename"}
	for _, name := range objects {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name=?", name).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", name, err)
		}
		if count != 1 {
			t.Errorf("schema object %q not found in sqlite_master", name)
		}
	}
}

func TestSearchRecords_OrOfTerms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []QueryRecord{
		{Query: "How do I create_user in the admin API?", Response: "r1"},
		{Query: "Deleting accounts", Response: "r2"},
		{Query: "What is a flaky TEST?", Response: "r3"},
	}
	for _, r := range records {
		if err := s.InsertRecord(ctx, r); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}
	}

	got, err := s.SearchRecords(ctx, "test admin")
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(got), got)
	}
	if got[0].Response != "r1" || got[1].Response != "r3" {
		t.Errorf("records out of insertion order: %+v", got)
	}
}

func TestSearchRecords_Stemming(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertRecord(ctx, QueryRecord{Query: "running integration tests", Response: "ok"}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	got, err := s.SearchRecords(ctx, "RUN")
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d records for stemmed term, want 1", len(got))
	}
}

func TestSearchRecords_NoMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertRecord(ctx, QueryRecord{Query: "alpha", Response: "a"}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	for _, q := range []string{"omega", "", "!!! ???"} {
		got, err := s.SearchRecords(ctx, q)
		if err != nil {
			t.Fatalf("SearchRecords(%q): %v", q, err)
		}
		if len(got) != 0 {
			t.Errorf("SearchRecords(%q) = %+v, want none", q, got)
		}
	}
}

func TestSearchRecords_OperatorsAreText(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertRecord(ctx, QueryRecord{Query: "NOT near AND", Response: "x"}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	got, err := s.SearchRecords(ctx, `NOT "near" AND`)
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d records, want 1", len(got))
	}
}

func TestPutAndOpenBlob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	id, err := s.PutBlob(ctx, "test.txt", []byte("This is a test document content"))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if !ValidID(id) {
		t.Fatalf("PutBlob returned invalid id %q", id)
	}

	info, rc, err := s.OpenBlob(ctx, strings.ToUpper(id))
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(body) != "This is a test document content" {
		t.Errorf("content = %q", body)
	}
	if info.ID != id || info.Filename != "test.txt" || info.Length != int64(len(body)) {
		t.Errorf("info = %+v", info)
	}
	if !info.UploadDate.Equal(fixed) {
		t.Errorf("UploadDate = %v, want %v", info.UploadDate, fixed)
	}
}

func TestPutBlob_Empty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.PutBlob(ctx, "empty.txt", nil)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	_, rc, err := s.OpenBlob(ctx, id)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if len(body) != 0 {
		t.Errorf("content = %q, want empty", body)
	}
}

func TestOpenBlob_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.OpenBlob(context.Background(), "0123456789abcdef01234567")
	if err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListBlobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a.txt", "b.txt", "a.txt"} {
		id, err := s.PutBlob(ctx, name, []byte(name))
		if err != nil {
			t.Fatalf("PutBlob: %v", err)
		}
		ids = append(ids, id)
	}

	all, err := s.ListBlobs(ctx, "")
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d blobs, want 3", len(all))
	}
	for i, b := range all {
		if b.ID != ids[i] {
			t.Errorf("blob %d id = %s, want %s (upload order)", i, b.ID, ids[i])
		}
	}

	named, err := s.ListBlobs(ctx, "a.txt")
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	if len(named) != 2 || named[0].ID != ids[0] || named[1].ID != ids[2] {
		t.Errorf("ListBlobs(a.txt) = %+v", named)
	}

	none, err := s.ListBlobs(ctx, "missing.txt")
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListBlobs(missing.txt) = %+v, want none", none)
	}
}
