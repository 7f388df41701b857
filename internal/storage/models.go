package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// QueryRecord is a generated answer and the query that produced it.
type QueryRecord struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// BlobInfo describes a stored document without its content.
type BlobInfo struct {
	ID         string
	Filename   string
	Length     int64
	UploadDate time.Time
}

// Backend is a record store and a blob store sharing one connection.
type Backend interface {
	// InsertRecord appends a record. Records are never updated or deleted.
	InsertRecord(ctx context.Context, r QueryRecord) error
	// SearchRecords returns records whose query matches any term of text,
	// in insertion order.
	SearchRecords(ctx context.Context, text string) ([]QueryRecord, error)

	PutBlob(ctx context.Context, filename string, content []byte) (string, error)
	// ListBlobs returns blobs named filename, or every blob when filename is
	// empty, in upload order.
	ListBlobs(ctx context.Context, filename string) ([]BlobInfo, error)
	// OpenBlob returns ErrNotFound when no blob has the given id.
	OpenBlob(ctx context.Context, id string) (BlobInfo, io.ReadCloser, error)

	Ping(ctx context.Context) error
	Close() error
}
