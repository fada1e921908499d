package dedup

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestWindowContainsRecordClear(t *testing.T) {
	w := New(time.Minute)

	if w.Contains("a") {
		t.Fatal("Contains() = true on empty window")
	}
	w.Record("a")
	w.Record("b")
	if !w.Contains("a") || !w.Contains("b") {
		t.Fatal("Contains() = false after Record()")
	}
	if got := w.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if got := w.Clear(); got != 2 {
		t.Errorf("Clear() = %d, want 2", got)
	}
	if w.Contains("a") {
		t.Error("Contains() = true after Clear()")
	}
}

func TestWindowSeenIsAtomic(t *testing.T) {
	w := New(time.Minute)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("same-id") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := fresh.Load(); got != 1 {
		t.Errorf("Seen() returned false %d times, want exactly 1", got)
	}
}

func TestWindowRunClearsOnInterval(t *testing.T) {
	mock := clock.NewMock()
	w := New(15*time.Minute, WithClock(mock))
	w.Record("msg-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Advance less than one interval: nothing is cleared.
	mock.Add(14 * time.Minute)
	if !w.Contains("msg-1") {
		t.Fatal("window cleared before the interval elapsed")
	}

	// The ticker is created on the Run goroutine; keep advancing until it fires.
	deadline := time.Now().Add(2 * time.Second)
	for w.Contains("msg-1") {
		if time.Now().After(deadline) {
			t.Fatal("window was not cleared after the interval")
		}
		mock.Add(time.Minute)
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	if got := New(0).Interval(); got != DefaultInterval {
		t.Errorf("Interval() = %v, want %v", got, DefaultInterval)
	}
}

func TestMessageID(t *testing.T) {
	t.Run("explicit msgId is used verbatim", func(t *testing.T) {
		got := MessageID("ns/dev/data", map[string]any{"msgId": "abc-123", "ts": json.Number("1")})
		if got != "abc-123" {
			t.Errorf("MessageID() = %q, want %q", got, "abc-123")
		}
	})

	t.Run("numeric msgId", func(t *testing.T) {
		got := MessageID("ns/dev/data", map[string]any{"msgId": json.Number("42")})
		if got != "42" {
			t.Errorf("MessageID() = %q, want %q", got, "42")
		}
	})

	t.Run("hash is stable across key order", func(t *testing.T) {
		a := MessageID("ns/dev/data", map[string]any{"ts": json.Number("1"), "volume": json.Number("10")})
		b := MessageID("ns/dev/data", map[string]any{"volume": json.Number("10"), "ts": json.Number("1")})
		if a != b {
			t.Errorf("MessageID() differs for identical payloads: %q vs %q", a, b)
		}
		if len(a) != 64 {
			t.Errorf("len(MessageID()) = %d, want 64", len(a))
		}
	})

	t.Run("topic participates in the hash", func(t *testing.T) {
		p := map[string]any{"ts": json.Number("1")}
		if MessageID("ns/dev-a/data", p) == MessageID("ns/dev-b/data", p) {
			t.Error("MessageID() collided across topics")
		}
	})

	t.Run("empty msgId falls back to hash", func(t *testing.T) {
		got := MessageID("ns/dev/data", map[string]any{"msgId": ""})
		if len(got) != 64 {
			t.Errorf("MessageID() = %q, want a hex digest", got)
		}
	})
}
