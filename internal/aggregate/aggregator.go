// Package aggregate recomputes per-device daily summaries from stored log entries.
//
// Every run is a full recompute of the day's partition, so re-running after a
// partial failure or racing with another run converges on the same summary.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/archive"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/event"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/telemetry"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Defaults for the batch driver.
const (
	DefaultConcurrency  = 5
	DefaultBatchTimeout = 10 * time.Minute
)

var (
	ErrInvalidDay    = errors.New("invalid day key")
	ErrInvalidDevice = errors.New("invalid device id")
)

// Entry fields read by the aggregator, in lookup order. The suffixed names
// are what older firmware publishes.
var (
	volumeFields      = []string{"volume", "volume_ml"}
	temperatureFields = []string{"temperature", "temp_c"}
)

// Config wires an Aggregator. Store is required.
type Config struct {
	Store        storage.Store
	Events       event.Publisher  // nil discards events
	Archiver     archive.Archiver // nil disables archiving
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Concurrency  int
	BatchTimeout time.Duration
}

// Aggregator computes DaySummaries.
type Aggregator struct {
	store        storage.Store
	events       event.Publisher
	archiver     archive.Archiver
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	concurrency  int
	batchTimeout time.Duration
}

// New creates an Aggregator from cfg.
func New(cfg Config) *Aggregator {
	a := &Aggregator{
		store:        cfg.Store,
		events:       cfg.Events,
		archiver:     cfg.Archiver,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		concurrency:  cfg.Concurrency,
		batchTimeout: cfg.BatchTimeout,
	}
	if a.events == nil {
		a.events = event.NewNoop()
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.concurrency <= 0 {
		a.concurrency = DefaultConcurrency
	}
	if a.batchTimeout <= 0 {
		a.batchTimeout = DefaultBatchTimeout
	}
	return a
}

// Report describes one batch run.
type Report struct {
	Day      string        `json:"date"`
	Devices  int           `json:"devices"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"-"`
}

// Yesterday returns the UTC day key before now.
func Yesterday(now time.Time) string {
	return model.DayKey(now.UTC().AddDate(0, 0, -1))
}

// AggregateDay recomputes the summary of one device/day and merge-writes it
// onto the day document.
func (a *Aggregator) AggregateDay(ctx context.Context, deviceID, day string) (model.DaySummary, error) {
	if deviceID == "" || strings.Contains(deviceID, "/") {
		return model.DaySummary{}, fmt.Errorf("%w: %q", ErrInvalidDevice, deviceID)
	}
	if _, err := model.ParseDayKey(day); err != nil {
		return model.DaySummary{}, fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "aggregate.AggregateDay", trace.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("day", day),
	))
	defer span.End()

	entries, err := a.store.List(ctx, storage.LogEntriesCollection(deviceID, day))
	if err != nil {
		return model.DaySummary{}, fmt.Errorf("list entries: %w", err)
	}

	summary := Summarize(entries)
	summary.DeviceID = deviceID
	summary.Day = day
	summary.LastAggregatedAt = a.clock.Now().UTC()

	err = a.store.Merge(ctx, storage.DayPath(deviceID, day), map[string]any{
		"deviceId":         summary.DeviceID,
		"day":              summary.Day,
		"entryCount":       summary.EntryCount,
		"maxVolume":        summary.MaxVolume,
		"maxTemperature":   summary.MaxTemperature,
		"lastAggregatedAt": summary.LastAggregatedAt,
	})
	if err != nil {
		return model.DaySummary{}, fmt.Errorf("write summary: %w", err)
	}

	if err := a.events.PublishSummaryUpdated(ctx, summary); err != nil {
		a.logger.Warn("failed to publish summary event", "device_id", deviceID, "day", day, "error", err)
	}
	if a.archiver != nil && len(entries) > 0 {
		if err := a.archiver.ArchiveDay(ctx, deviceID, day, entries); err != nil {
			a.logger.Warn("failed to archive day", "device_id", deviceID, "day", day, "error", err)
		}
	}
	return summary, nil
}

// Summarize computes count and maxima over log entry documents. Entries
// without a numeric volume or temperature do not contribute to that maximum.
func Summarize(entries []storage.Document) model.DaySummary {
	var s model.DaySummary
	for _, e := range entries {
		s.EntryCount++
		data, _ := e.Data["data"].(map[string]any)
		if v, ok := firstNumber(data, volumeFields); ok {
			s.MaxVolume = maxOf(s.MaxVolume, v)
		}
		if v, ok := firstNumber(data, temperatureFields); ok {
			s.MaxTemperature = maxOf(s.MaxTemperature, v)
		}
	}
	return s
}

func firstNumber(data map[string]any, names []string) (float64, bool) {
	for _, name := range names {
		if v, ok := model.Float(data[name]); ok {
			return v, true
		}
	}
	return 0, false
}

func maxOf(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}

// AggregateAll runs AggregateDay for every known device with bounded
// concurrency. Per-device failures are logged and counted. It fails only when
// the devices cannot be listed or the batch is cut short by the batch timeout
// or by ctx.
func (a *Aggregator) AggregateAll(ctx context.Context, day string) (report Report, err error) {
	report.Day = day
	if _, perr := model.ParseDayKey(day); perr != nil {
		return report, fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}

	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		if a.metrics == nil {
			return
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		a.metrics.AggregationRunsTotal.WithLabelValues(status).Inc()
		a.metrics.AggregationDuration.Observe(report.Duration.Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, a.batchTimeout)
	defer cancel()
	ctx, span := telemetry.Tracer().Start(ctx, "aggregate.AggregateAll", trace.WithAttributes(attribute.String("day", day)))
	defer span.End()

	devices, err := a.store.List(ctx, storage.DevicesCollection)
	if err != nil {
		return report, fmt.Errorf("enumerate devices: %w", err)
	}
	report.Devices = len(devices)

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, d := range devices {
		if ctx.Err() != nil {
			failed.Add(int64(len(devices) - i))
			break
		}
		deviceID := d.ID()
		g.Go(func() error {
			if _, err := a.AggregateDay(ctx, deviceID, day); err != nil {
				failed.Add(1)
				a.count("error")
				a.logger.Error("device aggregation failed", "device_id", deviceID, "day", day, "error", err)
				return nil
			}
			a.count("success")
			return nil
		})
	}
	g.Wait()

	report.Failed = int(failed.Load())
	span.SetAttributes(attribute.Int("devices", report.Devices), attribute.Int("failed", report.Failed))
	a.logger.Info("daily aggregation finished", "day", day, "devices", report.Devices, "failed", report.Failed)

	if cerr := ctx.Err(); cerr != nil {
		return report, fmt.Errorf("aggregation of %s interrupted: %w", day, cerr)
	}
	return report, nil
}

func (a *Aggregator) count(status string) {
	if a.metrics != nil {
		a.metrics.AggregatedDevicesTotal.WithLabelValues(status).Inc()
	}
}

// RunYesterday aggregates the previous UTC day.
func (a *Aggregator) RunYesterday(ctx context.Context) (Report, error) {
	return a.AggregateAll(ctx, Yesterday(a.clock.Now()))
}
