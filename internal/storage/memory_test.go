package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
)

func TestMemoryCreateConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	p := LogEntryPath("EM1", "2025-01-02", 1735776000000)
	if err := s.Create(ctx, p, map[string]any{"ts": 1735776000000}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err := s.Create(ctx, p, map[string]any{"ts": 1})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Create() error = %v, want ErrConflict", err)
	}

	doc, err := s.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := doc.Data["ts"]; got != float64(1735776000000) {
		t.Errorf("Create() overwrote existing document: ts = %v", got)
	}
	if doc.ID() != "1735776000000" {
		t.Errorf("ID() = %q, want %q", doc.ID(), "1735776000000")
	}
}

func TestMemoryCreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Create(ctx, "devices/EM1/alerts/2025-01-02/entries/42", map[string]any{"n": i}); err == nil {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("concurrent Create() succeeded %d times, want 1", got)
	}
}

func TestMemoryMerge(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := DevicePath("EM1")

	if err := s.Merge(ctx, p, map[string]any{"ownerId": "u1", "status": map[string]any{"state": "idle"}}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := s.Merge(ctx, p, map[string]any{"status": map[string]any{"state": "milking"}}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	doc, err := s.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Data["ownerId"] != "u1" {
		t.Errorf("Merge() dropped untouched field: ownerId = %v", doc.Data["ownerId"])
	}
	status, _ := doc.Data["status"].(map[string]any)
	if status["state"] != "milking" {
		t.Errorf("status.state = %v, want milking", status["state"])
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	_, err := NewMemory().Get(context.Background(), DevicePath("missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryListDirectChildren(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, p := range []string{
		LogEntryPath("EM1", "2025-01-02", 3),
		LogEntryPath("EM1", "2025-01-02", 1),
		LogEntryPath("EM1", "2025-01-03", 2),
		DevicePath("EM1"),
		DevicePath("EM2"),
	} {
		if err := s.Merge(ctx, p, map[string]any{}); err != nil {
			t.Fatalf("Merge(%q) error = %v", p, err)
		}
	}

	entries, err := s.List(ctx, LogEntriesCollection("EM1", "2025-01-02"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID() != "1" || entries[1].ID() != "3" {
		t.Errorf("List() = %v, want entries 1 and 3 in order", entries)
	}

	devices, err := s.List(ctx, DevicesCollection)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("List(devices) returned %d documents, want 2", len(devices))
	}
}

func TestMemoryRejectsInvalidPath(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, p := range []string{"", "/devices/EM1", "devices//logs", "devices/"} {
		if err := s.Create(ctx, p, nil); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Create(%q) error = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DevicePath("EM1"), "devices/EM1"},
		{DayPath("EM1", "2025-01-02"), "devices/EM1/logs/2025-01-02"},
		{LogEntryPath("EM1", "2025-01-02", 1735776000000), "devices/EM1/logs/2025-01-02/entries/1735776000000"},
		{AlertEntryPath("EM1", "2025-01-02", 7), "devices/EM1/alerts/2025-01-02/entries/7"},
		{EndpointsCollection("u1"), "users/u1/fcmTokens"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q want %q", tt.got, tt.want)
		}
	}
}

func TestWithMetricsPassesThrough(t *testing.T) {
	ctx := context.Background()
	s := WithMetrics(NewMemory(), metrics.NewMetrics())

	if err := s.Create(ctx, DevicePath("EM1"), map[string]any{"a": 1}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Create(ctx, DevicePath("EM1"), nil); !errors.Is(err, ErrConflict) {
		t.Errorf("Create() error = %v, want ErrConflict", err)
	}
	if _, err := s.Get(ctx, DevicePath("EM2")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}
