package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDayKeyUsesUTC(t *testing.T) {
	// 23:30 on Jan 1 in UTC-5 is already Jan 2 in UTC.
	ts := time.Date(2025, 1, 1, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600))
	if got := DayKey(ts); got != "2025-01-02" {
		t.Errorf("DayKey() = %q, want 2025-01-02", got)
	}

	e := LogEntry{Timestamp: time.Date(2024, 12, 31, 23, 59, 59, 999e6, time.UTC).UnixMilli()}
	if got := e.Day(); got != "2024-12-31" {
		t.Errorf("LogEntry.Day() = %q, want 2024-12-31", got)
	}
}

func TestParseDayKey(t *testing.T) {
	got, err := ParseDayKey("2024-02-29")
	if err != nil {
		t.Fatalf("ParseDayKey() error = %v", err)
	}
	if !got.Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ParseDayKey() = %v", got)
	}
	for _, bad := range []string{"", "2025-02-29", "2025-1-2", "20250102", "2025-01-02T00:00:00Z"} {
		if _, err := ParseDayKey(bad); err == nil {
			t.Errorf("ParseDayKey(%q) error = nil", bad)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload([]byte(`{"ts":1735776000123,"volume":12.5,"code":"DOOR_OPEN"}`))
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if ts, ok := p.Timestamp(); !ok || ts != 1735776000123 {
		t.Errorf("Timestamp() = %d, %v", ts, ok)
	}
	if v, ok := p.Float("volume"); !ok || v != 12.5 {
		t.Errorf("Float(volume) = %v, %v", v, ok)
	}
	if got := p.Text("code"); got != "DOOR_OPEN" {
		t.Errorf("Text(code) = %q", got)
	}
	if got := p.Text("volume"); got != "" {
		t.Errorf("Text(volume) = %q, want empty", got)
	}

	if _, err := DecodePayload([]byte(`null`)); !errors.Is(err, ErrNotObject) {
		t.Errorf("DecodePayload(null) error = %v, want ErrNotObject", err)
	}
	for _, bad := range []string{`[1,2]`, `"x"`, `{"ts":`, ``} {
		if _, err := DecodePayload([]byte(bad)); err == nil {
			t.Errorf("DecodePayload(%q) error = nil", bad)
		}
	}
}

func TestPayloadTimestamp(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want int64
		ok   bool
	}{
		{"number", json.Number("1700000000000"), 1700000000000, true},
		{"fractional", json.Number("1700000000000.7"), 1700000000000, true},
		{"string", " 1700000000000 ", 1700000000000, true},
		{"float", 1.5e12, 1500000000000, true},
		{"zero", json.Number("0"), 0, false},
		{"negative", -5, 0, false},
		{"text", "yesterday", 0, false},
		{"bool", true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Payload{"ts": tt.v}.Timestamp()
			if got != tt.want || ok != tt.ok {
				t.Errorf("Timestamp() = %d, %v, want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
	if _, ok := (Payload{}).Timestamp(); ok {
		t.Error("Timestamp() without ts reported ok")
	}
}

func TestFloat(t *testing.T) {
	for _, v := range []any{json.Number("3"), 3.0, float32(3), 3, int64(3)} {
		if got, ok := Float(v); !ok || got != 3 {
			t.Errorf("Float(%T) = %v, %v", v, got, ok)
		}
	}
	for _, v := range []any{nil, "3", json.Number("abc"), map[string]any{}} {
		if _, ok := Float(v); ok {
			t.Errorf("Float(%#v) reported ok", v)
		}
	}
}
