// internal/storage/memory.go
package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu       sync.RWMutex         // Protects concurrent access to docs
	docs     map[string]*Document // Map of path to document
	children map[string][]string  // Map of collection path to document paths
	now      func() time.Time
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		docs:     make(map[string]*Document),
		children: make(map[string][]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *memory) Create(ctx context.Context, path string, data map[string]any) error {
	if !validPath(path) {
		return ErrInvalidPath
	}
	fields, err := cloneFields(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[path]; exists {
		return ErrConflict
	}
	m.insert(path, fields)
	return nil
}

func (m *memory) Merge(ctx context.Context, path string, data map[string]any) error {
	if !validPath(path) {
		return ErrInvalidPath
	}
	fields, err := cloneFields(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, exists := m.docs[path]
	if !exists {
		m.insert(path, fields)
		return nil
	}
	for k, v := range fields {
		doc.Data[k] = v
	}
	doc.UpdatedAt = m.now()
	return nil
}

func (m *memory) MergeNested(ctx context.Context, path, field string, nested, data map[string]any) error {
	if !validPath(path) || field == "" {
		return ErrInvalidPath
	}
	inner, err := cloneFields(nested)
	if err != nil {
		return err
	}
	fields, err := cloneFields(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, exists := m.docs[path]
	if !exists {
		fields[field] = inner
		m.insert(path, fields)
		return nil
	}
	// Documents handed out by Get share nested maps, so build a fresh one.
	merged := make(map[string]any)
	if cur, ok := doc.Data[field].(map[string]any); ok {
		for k, v := range cur {
			merged[k] = v
		}
	}
	for k, v := range inner {
		merged[k] = v
	}
	for k, v := range fields {
		doc.Data[k] = v
	}
	doc.Data[field] = merged
	doc.UpdatedAt = m.now()
	return nil
}

// insert stores a new document; the caller holds the write lock.
func (m *memory) insert(path string, fields map[string]any) {
	now := m.now()
	m.docs[path] = &Document{Path: path, Data: fields, CreatedAt: now, UpdatedAt: now}
	parent := parentOf(path)
	m.children[parent] = append(m.children[parent], path)
}

func (m *memory) Get(ctx context.Context, path string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, exists := m.docs[path]
	if !exists {
		return nil, ErrNotFound
	}
	out := copyDocument(doc)
	return &out, nil
}

func (m *memory) List(ctx context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := append([]string(nil), m.children[collection]...)
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		docs = append(docs, copyDocument(m.docs[p]))
	}
	return docs, nil
}

func (m *memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// cloneFields deep-copies document fields through JSON so that callers cannot
// mutate stored state and reads see the same shapes a JSONB backend returns.
func cloneFields(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return make(map[string]any), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyDocument(d *Document) Document {
	fields := make(map[string]any, len(d.Data))
	for k, v := range d.Data {
		fields[k] = v
	}
	return Document{Path: d.Path, Data: fields, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}
