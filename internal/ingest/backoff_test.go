package ingest

import (
	"testing"
	"time"
)

func TestBackoffCeiling(t *testing.T) {
	b := DefaultBackoff()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped by Max
		{6, 30 * time.Second}, // exponent capped
		{1000, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Ceiling(tt.attempt); got != tt.want {
			t.Errorf("Ceiling(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffCeilingBelowMax(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 3, Max: time.Hour}
	// The exponent stops growing at Cap even when Max is far away.
	if got, want := b.Ceiling(10), 800*time.Millisecond; got != want {
		t.Errorf("Ceiling(10) = %v, want %v", got, want)
	}
}

func TestBackoffDelayJitter(t *testing.T) {
	b := DefaultBackoff()

	b.Rand = func() float64 { return 0.5 }
	if got, want := b.Delay(2), 2*time.Second; got != want {
		t.Errorf("Delay(2) with r=0.5 = %v, want %v", got, want)
	}

	b.Rand = func() float64 { return 0 }
	if got := b.Delay(7); got != 0 {
		t.Errorf("Delay(7) with r=0 = %v, want 0", got)
	}

	b.Rand = nil
	for attempt := 0; attempt < 20; attempt++ {
		d := b.Delay(attempt)
		if d < 0 || d > b.Ceiling(attempt) {
			t.Fatalf("Delay(%d) = %v outside [0, %v]", attempt, d, b.Ceiling(attempt))
		}
	}
}

func TestReconnectPolicyAttempts(t *testing.T) {
	var attempts []int
	p := &reconnectPolicy{
		backoff: Backoff{Base: time.Second, Cap: 5, Max: 30 * time.Second, Rand: func() float64 { return 1 }},
		onDelay: func(attempt int, d time.Duration) { attempts = append(attempts, attempt) },
	}

	var delays []time.Duration
	for i := 0; i < 7; i++ {
		delays = append(delays, p.NextBackOff())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}

	// The retry loop's Reset must not clear the counter.
	p.Reset()
	if p.NextBackOff() != 30*time.Second {
		t.Error("Reset() cleared the attempt counter")
	}

	p.connected()
	if got := p.NextBackOff(); got != 2*time.Second {
		t.Errorf("first delay after connect = %v, want 2s", got)
	}
	if len(attempts) != 9 || attempts[8] != 1 {
		t.Errorf("onDelay attempts = %v", attempts)
	}
}
