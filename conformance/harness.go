// Package conformance provides a test harness that checks a storage backend
// against the document-store contract the telemetry pipeline relies on.
// The in-memory store always runs it; the PostgreSQL store runs it when a
// test database is configured.
package conformance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/storage"
	"github.com/oklog/ulid/v2"
)

// Harness runs the contract suite against one store. Every run writes under
// its own root collection so that a shared database can be reused.
type Harness struct {
	store storage.Store
	root  string
}

// NewHarness creates a harness for store.
func NewHarness(store storage.Store) *Harness {
	return &Harness{store: store, root: "conformance/" + ulid.Make().String()}
}

func (h *Harness) path(format string, args ...any) string {
	return h.root + "/" + fmt.Sprintf(format, args...)
}

// RunConformanceTests runs every contract check.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("Ping", h.testPing)
	t.Run("CreateIfAbsent", h.testCreateIfAbsent)
	t.Run("ConcurrentCreate", h.testConcurrentCreate)
	t.Run("MergeIsShallowUpsert", h.testMerge)
	t.Run("MergeNestedKeepsSiblingKeys", h.testMergeNested)
	t.Run("GetNotFound", h.testGetNotFound)
	t.Run("ListDirectChildren", h.testList)
	t.Run("InvalidPaths", h.testInvalidPaths)
}

func (h *Harness) testPing(t *testing.T) {
	if err := h.store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func (h *Harness) testCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	p := h.path("devices/EM1/logs/2025-01-02/entries/1735812000000")

	if err := h.store.Create(ctx, p, map[string]any{"ts": 1735812000000, "raw": "first"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := h.store.Create(ctx, p, map[string]any{"raw": "second"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second Create() error = %v, want ErrConflict", err)
	}

	doc, err := h.store.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Data["raw"] != "first" {
		t.Errorf("raw = %v, want first write to win", doc.Data["raw"])
	}
	if doc.ID() != "1735812000000" {
		t.Errorf("ID() = %q", doc.ID())
	}
	if doc.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func (h *Harness) testConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	p := h.path("devices/EM1/alerts/2025-01-02/entries/42")

	var created, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch err := h.store.Create(ctx, p, map[string]any{"n": i}); {
			case err == nil:
				created.Add(1)
			case errors.Is(err, storage.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("Create() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 || conflicts.Load() != 15 {
		t.Errorf("created = %d, conflicts = %d, want 1 and 15", created.Load(), conflicts.Load())
	}
}

func (h *Harness) testMerge(t *testing.T) {
	ctx := context.Background()
	p := h.path("devices/EM2")

	if err := h.store.Merge(ctx, p, map[string]any{"ownerId": "u1", "status": map[string]any{"door": "open", "fan": "on"}}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := h.store.Merge(ctx, p, map[string]any{"status": map[string]any{"door": "closed"}, "lastSeenAt": "2025-01-02T10:00:00Z"}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	doc, err := h.store.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Data["ownerId"] != "u1" {
		t.Errorf("ownerId = %v, untouched fields must survive a merge", doc.Data["ownerId"])
	}
	status, _ := doc.Data["status"].(map[string]any)
	if status["door"] != "closed" || status["fan"] != nil {
		t.Errorf("status = %v, want top-level replacement", status)
	}
	if doc.Data["lastSeenAt"] != "2025-01-02T10:00:00Z" {
		t.Errorf("lastSeenAt = %v", doc.Data["lastSeenAt"])
	}
}

func (h *Harness) testMergeNested(t *testing.T) {
	ctx := context.Background()
	p := h.path("devices/EM3")

	// Creates the document and the nested map.
	if err := h.store.MergeNested(ctx, p, "status", map[string]any{"state": "idle", "battery": 90}, map[string]any{"lastSeenAt": "t1"}); err != nil {
		t.Fatalf("MergeNested() error = %v", err)
	}
	if err := h.store.Merge(ctx, p, map[string]any{"ownerId": "u1"}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	before, err := h.store.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := h.store.MergeNested(ctx, p, "status", map[string]any{"state": "milking"}, map[string]any{"lastSeenAt": "t2"}); err != nil {
		t.Fatalf("MergeNested() error = %v", err)
	}

	doc, err := h.store.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	status, _ := doc.Data["status"].(map[string]any)
	if status["state"] != "milking" || status["battery"] != 90.0 {
		t.Errorf("status = %v, want state milking and battery kept", status)
	}
	if doc.Data["ownerId"] != "u1" || doc.Data["lastSeenAt"] != "t2" {
		t.Errorf("top-level fields = %v", doc.Data)
	}
	if prev, _ := before.Data["status"].(map[string]any); prev["state"] != "idle" {
		t.Errorf("earlier read changed underneath: %v", prev)
	}

	// A non-map value is replaced outright.
	if err := h.store.Merge(ctx, p, map[string]any{"status": "offline"}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := h.store.MergeNested(ctx, p, "status", map[string]any{"state": "idle"}, nil); err != nil {
		t.Fatalf("MergeNested() error = %v", err)
	}
	doc, err = h.store.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status, ok := doc.Data["status"].(map[string]any); !ok || len(status) != 1 || status["state"] != "idle" {
		t.Errorf("status = %v, want {state: idle}", doc.Data["status"])
	}
}

func (h *Harness) testGetNotFound(t *testing.T) {
	_, err := h.store.Get(context.Background(), h.path("devices/missing"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func (h *Harness) testList(t *testing.T) {
	ctx := context.Background()
	coll := h.path("devices/EM3/logs/2025-01-02/entries")
	for _, ts := range []string{"1735812060000", "1735812000000", "1735812120000"} {
		if err := h.store.Create(ctx, coll+"/"+ts, map[string]any{"ts": ts}); err != nil {
			t.Fatal(err)
		}
	}
	// nested below an entry; must not be listed
	if err := h.store.Create(ctx, coll+"/1735812000000/notes/n1", map[string]any{}); err != nil {
		t.Fatal(err)
	}

	docs, err := h.store.List(ctx, coll)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID())
	}
	want := []string{"1735812000000", "1735812060000", "1735812120000"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("List() ids = %v, want %v", ids, want)
	}

	empty, err := h.store.List(ctx, h.path("devices/EM3/logs/1999-01-01/entries"))
	if err != nil || len(empty) != 0 {
		t.Errorf("List(empty) = %v, %v", empty, err)
	}
}

func (h *Harness) testInvalidPaths(t *testing.T) {
	ctx := context.Background()
	for _, p := range []string{"", "/devices/EM1", "devices//EM1", "devices/EM1/"} {
		if err := h.store.Create(ctx, p, map[string]any{}); !errors.Is(err, storage.ErrInvalidPath) {
			t.Errorf("Create(%q) error = %v, want ErrInvalidPath", p, err)
		}
	}
}
