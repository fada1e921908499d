// internal/model/telemetry.go
// Package model defines the data structures used throughout the telemetry service.
// These structures represent devices, the immutable entries ingested for them and
// the per-day summaries recomputed from those entries.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Kind is the message kind carried in the last topic segment.
type Kind string

const (
	KindData   Kind = "data"   // Periodic sensor sample
	KindStatus Kind = "status" // Current device status snapshot
	KindAlert  Kind = "alert"  // Alert condition raised by the device
)

// Kinds lists every kind the ingestion engine subscribes to.
var Kinds = []Kind{KindData, KindStatus, KindAlert}

// DayLayout is the layout of a UTC day key.
const DayLayout = "2006-01-02"

// Defaults applied to alert payloads with missing fields.
const (
	DefaultSeverity  = "critical"
	DefaultAlertType = "ALERT"
)

// DayKey returns the UTC calendar day of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDayKey validates a day key and returns the start of that UTC day.
func ParseDayKey(day string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, day, time.UTC)
}

// Device represents a physical unit identified by an externally-assigned ID.
// This corresponds to the devices/{deviceId} document.
type Device struct {
	ID              string         `json:"id"`                        // Externally-assigned device ID
	OwnerID         string         `json:"ownerId,omitempty"`         // Bound owner, set by onboarding
	Status          map[string]any `json:"status,omitempty"`          // Most recent status snapshot
	StatusUpdatedAt time.Time      `json:"statusUpdatedAt,omitempty"` // When the status was last merged
	LastSeenAt      time.Time      `json:"lastSeenAt,omitempty"`      // Last ingested message for the device
}

// LogEntry is one immutable timestamped data sample.
// This corresponds to devices/{deviceId}/logs/{day}/entries/{ts}.
type LogEntry struct {
	DeviceID  string         `json:"deviceId"`
	Timestamp int64          `json:"ts"`
	Data      map[string]any `json:"data"`
	Raw       string         `json:"raw"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Day returns the UTC day partition of the entry.
func (e LogEntry) Day() string { return DayKey(time.UnixMilli(e.Timestamp)) }

// AlertEntry is one immutable timestamped alert condition.
// This corresponds to devices/{deviceId}/alerts/{day}/entries/{ts}.
type AlertEntry struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp int64     `json:"ts"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Day returns the UTC day partition of the alert.
func (a AlertEntry) Day() string { return DayKey(time.UnixMilli(a.Timestamp)) }

// DaySummary is the recomputable rollup of one device's entries for one UTC day.
// It is stored on the devices/{deviceId}/logs/{day} document.
type DaySummary struct {
	DeviceID         string    `json:"deviceId"`
	Day              string    `json:"day"`
	EntryCount       int       `json:"entryCount"`
	MaxVolume        *float64  `json:"maxVolume"`      // nil when no entry carried a volume
	MaxTemperature   *float64  `json:"maxTemperature"` // nil when no entry carried a temperature
	LastAggregatedAt time.Time `json:"lastAggregatedAt"`
}

// Notification is one logical push notification delivered to many endpoints.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// Payload is a decoded inbound message body.
// Numbers are kept as json.Number so that timestamps survive decoding exactly.
type Payload map[string]any

// ErrNotObject is returned when a payload decodes to JSON null.
var ErrNotObject = errors.New("payload is not a JSON object")

// DecodePayload parses raw bytes into a Payload. The body must be a JSON object.
func DecodePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotObject
	}
	return p, nil
}

// Timestamp returns the explicit epoch-millisecond "ts" field when it is numeric and positive.
func (p Payload) Timestamp() (int64, bool) {
	v, ok := p["ts"]
	if !ok {
		return 0, false
	}
	var ts float64
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return positive(i)
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		ts = f
	case float64:
		ts = n
	case int64:
		return positive(n)
	case int:
		return positive(int64(n))
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return positive(i)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		ts = f
	default:
		return 0, false
	}
	return positive(int64(ts))
}

func positive(ts int64) (int64, bool) {
	if ts <= 0 {
		return 0, false
	}
	return ts, true
}

// Text returns a string field, or "" when it is absent or not a string.
func (p Payload) Text(key string) string {
	s, _ := p[key].(string)
	return s
}

// Float returns a numeric field. Absent and null values report false.
func (p Payload) Float(key string) (float64, bool) {
	return Float(p[key])
}

// Float converts a decoded JSON value to float64.
// Both decoding modes are handled: json.Number from the ingestion path and
// float64 from documents read back out of a JSONB column.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
