// internal/storage/store.go
// Package storage provides the document-store adapter used by the ingestion engine
// and the aggregator, with in-memory and PostgreSQL backends.
//
// The store is hierarchical: a document lives at a slash-separated path and a
// collection is the set of documents sharing a parent path, for example
// devices/EM1234/logs/2025-01-02/entries.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a document does not exist
	ErrConflict = errors.New("conflict")  // Returned by Create when the document already exists

	ErrInvalidPath = errors.New("invalid document path")
)

// Document is a stored document and its metadata.
type Document struct {
	Path      string         // Full slash-separated path
	Data      map[string]any // Document fields
	CreatedAt time.Time      // When the document was first written
	UpdatedAt time.Time      // When the document was last written
}

// ID returns the last path segment.
func (d Document) ID() string {
	return d.Path[strings.LastIndexByte(d.Path, '/')+1:]
}

// Store defines the document operations required by the telemetry service.
// Implementations must make Create atomic per path: of any number of concurrent
// Create calls for one path, exactly one succeeds and the rest get ErrConflict.
type Store interface {
	// Create writes a new document and fails with ErrConflict if the path exists.
	Create(ctx context.Context, path string, data map[string]any) error
	// Merge sets the given top-level fields, creating the document if absent.
	Merge(ctx context.Context, path string, data map[string]any) error
	// MergeNested merges nested into the map held in field, keeping the keys
	// nested does not name, and sets data's top-level fields as Merge does.
	// A field holding a non-map value is replaced.
	MergeNested(ctx context.Context, path, field string, nested, data map[string]any) error
	// Get reads one document, or returns ErrNotFound.
	Get(ctx context.Context, path string) (*Document, error)
	// List returns the documents directly inside a collection, ordered by path.
	List(ctx context.Context, collection string) ([]Document, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// parentOf returns the collection path of a document path.
func parentOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// validPath rejects paths with empty segments.
func validPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return false
	}
	return !strings.Contains(p, "//")
}
