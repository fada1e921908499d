package ingest

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// Backoff computes reconnect delays with full jitter:
//
//	delay = min(Base * 2^min(attempt, Cap), Max) * U(0,1)
type Backoff struct {
	Base time.Duration
	Cap  int // exponent ceiling
	Max  time.Duration
	Rand func() float64 // uniform in [0,1); math/rand when nil
}

// DefaultBackoff waits up to 1s, 2s, 4s ... and never more than 30s.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 5, Max: 30 * time.Second}
}

// Ceiling is the upper bound of the delay for attempt.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base << min(attempt, b.Cap)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	return d
}

// Delay returns a jittered delay for attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(float64(b.Ceiling(attempt)) * r())
}

// reconnectPolicy feeds Backoff into the retry loop. The attempt counter grows
// with every scheduled reconnect and is reset only by a successful connect,
// so Reset, which the retry loop calls on entry, does nothing.
type reconnectPolicy struct {
	backoff Backoff
	attempt int
	onDelay func(attempt int, d time.Duration)
}

var _ backoff.BackOff = (*reconnectPolicy)(nil)

func (p *reconnectPolicy) NextBackOff() time.Duration {
	p.attempt++
	d := p.backoff.Delay(p.attempt)
	if p.onDelay != nil {
		p.onDelay(p.attempt, d)
	}
	return d
}

func (p *reconnectPolicy) Reset() {}

func (p *reconnectPolicy) connected() { p.attempt = 0 }

// clockTimer implements backoff.Timer on an injectable clock.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
