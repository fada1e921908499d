// Package dedup provides a bounded, time-expiring set of recently seen message IDs.
// It is a fast path that saves store round-trips for redelivered messages;
// durable idempotency comes from create-if-absent writes in the store.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval is how often the window is cleared.
const DefaultInterval = 15 * time.Minute

// Window is a set of message IDs that is cleared in full on a fixed interval.
type Window struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Window.
type Option func(*Window)

// WithClock sets the clock driving the clear ticker.
func WithClock(c clock.Clock) Option {
	return func(w *Window) { w.clock = c }
}

// WithLogger sets the logger used by Run.
func WithLogger(l *slog.Logger) Option {
	return func(w *Window) { w.logger = l }
}

// New creates a window cleared every interval. A non-positive interval uses DefaultInterval.
func New(interval time.Duration, opts ...Option) *Window {
	if interval <= 0 {
		interval = DefaultInterval
	}
	w := &Window{
		seen:     make(map[string]struct{}),
		interval: interval,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Contains reports whether id was recorded since the last clear.
func (w *Window) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[id]
	return ok
}

// Record adds id to the window.
func (w *Window) Record(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[id] = struct{}{}
}

// Seen records id and reports whether it was already present.
// Concurrent callers with the same id observe exactly one false.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return true
	}
	w.seen[id] = struct{}{}
	return false
}

// Clear empties the window and returns the number of IDs dropped.
func (w *Window) Clear() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.seen)
	w.seen = make(map[string]struct{})
	return n
}

// Len returns the number of IDs currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Interval returns the clear period.
func (w *Window) Interval() time.Duration { return w.interval }

// Run clears the window every interval until ctx is done.
func (w *Window) Run(ctx context.Context) {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := w.Clear()
			w.logger.Debug("dedup window cleared", "dropped", n)
		}
	}
}

// MessageID returns the identity of a message.
// An explicit "msgId" field is used verbatim; otherwise the ID is the hex SHA-256
// of the topic and the canonical JSON encoding of the payload, so byte-identical
// redeliveries collapse to the same ID.
func MessageID(topic string, payload map[string]any) string {
	switch v := payload["msgId"].(type) {
	case string:
		if v != "" {
			return v
		}
	case json.Number:
		return v.String()
	}

	// encoding/json writes map keys in sorted order.
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte{}
	}
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
