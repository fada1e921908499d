package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
)

// instrumented records count and latency of every store operation.
type instrumented struct {
	next    Store
	metrics *metrics.Metrics
}

// WithMetrics wraps a Store so that each call is counted in storage_operations_total
// and timed in storage_operation_duration_seconds.
func WithMetrics(next Store, m *metrics.Metrics) Store {
	if m == nil {
		return next
	}
	return &instrumented{next: next, metrics: m}
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		status = "conflict"
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	s.metrics.StorageOperationTotal.WithLabelValues(op, status).Inc()
	s.metrics.StorageOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func (s *instrumented) Create(ctx context.Context, path string, data map[string]any) (err error) {
	defer func(start time.Time) { s.observe("create", start, err) }(time.Now())
	return s.next.Create(ctx, path, data)
}

func (s *instrumented) Merge(ctx context.Context, path string, data map[string]any) (err error) {
	defer func(start time.Time) { s.observe("merge", start, err) }(time.Now())
	return s.next.Merge(ctx, path, data)
}

func (s *instrumented) MergeNested(ctx context.Context, path, field string, nested, data map[string]any) (err error) {
	defer func(start time.Time) { s.observe("merge_nested", start, err) }(time.Now())
	return s.next.MergeNested(ctx, path, field, nested, data)
}

func (s *instrumented) Get(ctx context.Context, path string) (doc *Document, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	return s.next.Get(ctx, path)
}

func (s *instrumented) List(ctx context.Context, collection string) (docs []Document, err error) {
	defer func(start time.Time) { s.observe("list", start, err) }(time.Now())
	return s.next.List(ctx, collection)
}

func (s *instrumented) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

// Close releases the wrapped store's resources when it holds any.
func (s *instrumented) Close() {
	if c, ok := s.next.(interface{ Close() }); ok {
		c.Close()
	}
}
