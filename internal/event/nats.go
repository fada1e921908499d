// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams entry, alert and summary events so that downstream consumers can
// react to freshly ingested telemetry without polling the document store.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Stream and subjects used for telemetry events.
const (
	StreamName = "TLM_EVENTS"

	SubjectEntryCreated   = "telemetry.entries.created"
	SubjectAlertRaised    = "telemetry.alerts.raised"
	SubjectSummaryUpdated = "telemetry.summaries.updated"

	envelopeVersion = "1.0.0"
)

// Publisher interface defines the event publishing operations required by the telemetry service.
type Publisher interface {
	// PublishEntryCreated announces a newly persisted log entry.
	PublishEntryCreated(ctx context.Context, entry model.LogEntry) error
	// PublishAlertRaised announces a newly persisted alert.
	PublishAlertRaised(ctx context.Context, alert model.AlertEntry) error
	// PublishSummaryUpdated announces a recomputed day summary.
	PublishSummaryUpdated(ctx context.Context, summary model.DaySummary) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that discards every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishEntryCreated(ctx context.Context, entry model.LogEntry) error { return nil }

func (n *noop) PublishAlertRaised(ctx context.Context, alert model.AlertEntry) error { return nil }

func (n *noop) PublishSummaryUpdated(ctx context.Context, summary model.DaySummary) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn            // NATS connection
	js      nats.JetStreamContext // JetStream context for stream operations
	metrics *metrics.Metrics
}

// NewPublisher creates a publisher for the given NATS URL.
// If url is empty or the connection fails, it returns a no-op publisher.
func NewPublisher(url string, m *metrics.Metrics) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("telemetryd-events"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js, metrics: m}
}

// initStreams creates the TLM_EVENTS stream. The duplicate window lets JetStream
// drop republished events that carry the same Nats-Msg-Id.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"telemetry.>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string    `json:"type"`          // Event type identifier
	Version       string    `json:"version"`       // Event schema version
	OccurredAt    time.Time `json:"occurredAt"`    // When the event occurred
	CorrelationID string    `json:"correlationId"` // Correlation ID for tracing
	Payload       any       `json:"payload"`       // Event-specific data
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) PublishEntryCreated(ctx context.Context, entry model.LogEntry) error {
	id := entry.DeviceID + "/" + strconv.FormatInt(entry.Timestamp, 10)
	return p.publish(ctx, SubjectEntryCreated, id, entry)
}

func (p *natsPub) PublishAlertRaised(ctx context.Context, alert model.AlertEntry) error {
	id := alert.DeviceID + "/" + strconv.FormatInt(alert.Timestamp, 10)
	return p.publish(ctx, SubjectAlertRaised, id, alert)
}

func (p *natsPub) PublishSummaryUpdated(ctx context.Context, summary model.DaySummary) error {
	// Summaries are recomputed; each recompute is a distinct event.
	id := summary.DeviceID + "/" + summary.Day + "/" + summary.LastAggregatedAt.Format(time.RFC3339Nano)
	return p.publish(ctx, SubjectSummaryUpdated, id, summary)
}

func (p *natsPub) publish(ctx context.Context, subject, msgID string, payload any) (err error) {
	start := time.Now()
	defer func() {
		if p.metrics == nil {
			return
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.EventPublishTotal.WithLabelValues(subject, status).Inc()
		p.metrics.EventPublishDuration.WithLabelValues(subject, status).Observe(time.Since(start).Seconds())
	}()

	envelope := EventEnvelope{
		Type:          subject,
		Version:       envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(subject, b, nats.Context(ctx), nats.MsgId(subject+":"+msgID))
	return err
}
