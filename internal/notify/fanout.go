// Package notify delivers one logical notification to many push endpoints.
// The provider caps each multicast call, so endpoints are split into batches
// and every batch succeeds or fails on its own.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
)

const (
	// MaxBatchSize is the provider's per-call endpoint limit.
	MaxBatchSize = 500
	// DefaultBatchSize leaves headroom below MaxBatchSize.
	DefaultBatchSize = 450
)

// BatchResult is what the provider reports for one multicast call.
type BatchResult struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

// Sender performs one multicast call for at most MaxBatchSize endpoints.
type Sender interface {
	SendMulticast(ctx context.Context, tokens []string, n model.Notification) (BatchResult, error)
}

// Report summarises a fan-out.
type Report struct {
	Endpoints     int // endpoints after dropping empty tokens
	Batches       int
	FailedBatches int
	Delivered     int // provider-reported successes
	Rejected      int // provider-reported per-endpoint failures
}

// Fanout splits endpoints into batches and sends each through a Sender.
type Fanout struct {
	sender    Sender
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithLogger sets the logger for batch failures.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fanout) { f.logger = l }
}

// WithMetrics counts batches by status.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fanout) { f.metrics = m }
}

// NewFanout creates a Fanout. batchSize must be in 1..MaxBatchSize; zero selects DefaultBatchSize.
func NewFanout(sender Sender, batchSize int, opts ...Option) (*Fanout, error) {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize < 1 || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("notify: batch size %d outside 1..%d", batchSize, MaxBatchSize)
	}
	f := &Fanout{sender: sender, batchSize: batchSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// BatchSize returns the configured batch size.
func (f *Fanout) BatchSize() int { return f.batchSize }

// Deliver sends n to every non-empty token, batchSize tokens per call, in order.
// A failed batch is logged and counted; the remaining batches are still sent.
func (f *Fanout) Deliver(ctx context.Context, tokens []string, n model.Notification) Report {
	endpoints := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			endpoints = append(endpoints, t)
		}
	}

	report := Report{Endpoints: len(endpoints)}
	for start := 0; start < len(endpoints); start += f.batchSize {
		end := min(start+f.batchSize, len(endpoints))
		report.Batches++

		res, err := f.sender.SendMulticast(ctx, endpoints[start:end], n)
		if err != nil {
			report.FailedBatches++
			f.count("error")
			f.logger.Error("notification batch failed",
				"batch", report.Batches, "size", end-start, "error", err)
			continue
		}
		f.count("success")
		report.Delivered += res.SuccessCount
		report.Rejected += res.FailureCount
	}
	return report
}

func (f *Fanout) count(status string) {
	if f.metrics != nil {
		f.metrics.NotificationBatchesTotal.WithLabelValues(status).Inc()
	}
}
