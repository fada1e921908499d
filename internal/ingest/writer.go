package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/event"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/notify"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/storage"
	"github.com/benbjohnson/clock"
)

// DefaultTitlePrefix starts every alert notification title.
const DefaultTitlePrefix = "Telemetry"

// WriterConfig wires a Writer. Store is required.
type WriterConfig struct {
	Store       storage.Store
	Fanout      *notify.Fanout  // nil disables notifications
	Events      event.Publisher // nil discards events
	Clock       clock.Clock
	Logger      *slog.Logger
	TitlePrefix string
}

// Writer implements the data, status and alert write paths.
type Writer struct {
	store       storage.Store
	fanout      *notify.Fanout
	events      event.Publisher
	clock       clock.Clock
	logger      *slog.Logger
	titlePrefix string
}

// NewWriter creates a Writer from cfg.
func NewWriter(cfg WriterConfig) *Writer {
	w := &Writer{
		store:       cfg.Store,
		fanout:      cfg.Fanout,
		events:      cfg.Events,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		titlePrefix: cfg.TitlePrefix,
	}
	if w.events == nil {
		w.events = event.NewNoop()
	}
	if w.clock == nil {
		w.clock = clock.New()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.titlePrefix == "" {
		w.titlePrefix = DefaultTitlePrefix
	}
	return w
}

// timestamp returns the payload's own timestamp, or now when it has none.
func timestamp(p model.Payload, now time.Time) int64 {
	if ts, ok := p.Timestamp(); ok {
		return ts
	}
	return now.UnixMilli()
}

// touch records that the device was heard from, creating it if needed.
func (w *Writer) touch(ctx context.Context, deviceID string, now time.Time) error {
	err := w.store.Merge(ctx, storage.DevicePath(deviceID), map[string]any{
		"lastSeenAt": now,
		"updatedAt":  now,
	})
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// WriteData persists a data sample. It reports false without error when an
// entry with the same timestamp already exists for the device and day.
func (w *Writer) WriteData(ctx context.Context, deviceID string, p model.Payload, raw []byte) (bool, error) {
	now := w.clock.Now().UTC()
	entry := model.LogEntry{
		DeviceID:  deviceID,
		Timestamp: timestamp(p, now),
		Data:      p,
		Raw:       string(raw),
		CreatedAt: now,
	}

	if err := w.touch(ctx, deviceID, now); err != nil {
		return false, err
	}

	err := w.store.Create(ctx, storage.LogEntryPath(deviceID, entry.Day(), entry.Timestamp), map[string]any{
		"deviceId":  entry.DeviceID,
		"ts":        entry.Timestamp,
		"data":      map[string]any(entry.Data),
		"raw":       entry.Raw,
		"createdAt": entry.CreatedAt,
	})
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create log entry: %w", err)
	}

	if err := w.events.PublishEntryCreated(ctx, entry); err != nil {
		w.logger.Warn("failed to publish entry event", "device_id", deviceID, "error", err)
	}
	return true, nil
}

// WriteStatus merges the payload into the device's status map. Keys the
// payload omits keep their previous value; each key holds its latest write.
func (w *Writer) WriteStatus(ctx context.Context, deviceID string, p model.Payload) error {
	now := w.clock.Now().UTC()
	err := w.store.MergeNested(ctx, storage.DevicePath(deviceID), "status", map[string]any(p), map[string]any{
		"statusUpdatedAt": now,
		"lastSeenAt":      now,
		"updatedAt":       now,
	})
	if err != nil {
		return fmt.Errorf("merge device status: %w", err)
	}
	return nil
}

// WriteAlert persists an alert and, when it is new, notifies the device owner.
// It reports false without error for a duplicate, which is never re-notified.
func (w *Writer) WriteAlert(ctx context.Context, deviceID string, p model.Payload) (bool, error) {
	now := w.clock.Now().UTC()
	alert := model.AlertEntry{
		DeviceID:  deviceID,
		Timestamp: timestamp(p, now),
		Type:      p.Text("type"),
		Severity:  p.Text("severity"),
		Message:   p.Text("message"),
		CreatedAt: now,
	}
	if alert.Type == "" {
		alert.Type = model.DefaultAlertType
	}
	if alert.Severity == "" {
		alert.Severity = model.DefaultSeverity
	}

	if err := w.touch(ctx, deviceID, now); err != nil {
		return false, err
	}

	err := w.store.Create(ctx, storage.AlertEntryPath(deviceID, alert.Day(), alert.Timestamp), map[string]any{
		"deviceId":  alert.DeviceID,
		"ts":        alert.Timestamp,
		"type":      alert.Type,
		"severity":  alert.Severity,
		"message":   alert.Message,
		"createdAt": alert.CreatedAt,
	})
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create alert entry: %w", err)
	}

	if err := w.events.PublishAlertRaised(ctx, alert); err != nil {
		w.logger.Warn("failed to publish alert event", "device_id", deviceID, "error", err)
	}

	// The alert is durable at this point; notification problems are only logged.
	if err := w.notifyOwner(ctx, alert); err != nil {
		w.logger.Error("alert notification failed", "device_id", deviceID, "ts", alert.Timestamp, "error", err)
	}
	return true, nil
}

func (w *Writer) notifyOwner(ctx context.Context, alert model.AlertEntry) error {
	if w.fanout == nil {
		return nil
	}

	device, err := w.store.Get(ctx, storage.DevicePath(alert.DeviceID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read device: %w", err)
	}

	owner, _ := device.Data["ownerId"].(string)
	if owner == "" {
		w.logger.Debug("alert has no owner, skipping notification", "device_id", alert.DeviceID)
		return nil
	}

	docs, err := w.store.List(ctx, storage.EndpointsCollection(owner))
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	tokens := make([]string, 0, len(docs))
	for _, d := range docs {
		if t, _ := d.Data["token"].(string); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		w.logger.Debug("owner has no notification endpoints", "device_id", alert.DeviceID, "owner_id", owner)
		return nil
	}

	report := w.fanout.Deliver(ctx, tokens, BuildNotification(w.titlePrefix, alert))
	w.logger.Info("alert notification sent",
		"device_id", alert.DeviceID,
		"endpoints", report.Endpoints,
		"batches", report.Batches,
		"failed_batches", report.FailedBatches,
		"delivered", report.Delivered)
	return nil
}

// BuildNotification renders the push notification for an alert.
func BuildNotification(titlePrefix string, a model.AlertEntry) model.Notification {
	typ := a.Type
	if typ == "" {
		typ = model.DefaultAlertType
	}
	body := a.Message
	if body == "" {
		body = fmt.Sprintf("Device %s alert: %s", a.DeviceID, typ)
	}
	return model.Notification{
		Title: titlePrefix + ": " + typ,
		Body:  body,
		Data: map[string]string{
			"deviceId": a.DeviceID,
			"type":     typ,
			"ts":       strconv.FormatInt(a.Timestamp, 10),
		},
	}
}
