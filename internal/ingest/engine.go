// Package ingest owns the broker connection and turns device messages into store writes.
//
// One goroutine runs the connection state machine. Each accepted message is
// handled on its own goroutine, bounded by an in-flight limit, so a slow write
// never stalls the read loop and a failed write never affects another message.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/broker"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/dedup"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/topic"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Errors returned by HandleMessage for dropped input.
var (
	ErrUnroutable = errors.New("topic is not a device topic")
	ErrMalformed  = errors.New("malformed payload")
)

// Defaults for dispatch limits.
const (
	DefaultMaxInFlight    = 256
	DefaultMessageTimeout = 30 * time.Second
)

// State is the connection state of the engine.
type State int32

const (
	StateIdle         State = iota // no broker configured
	StateDisconnected              // not running
	StateConnecting                // dial in progress
	StateConnected                 // connected, subscription failed
	StateSubscribed                // subscribed, nothing received yet
	StateReceiving                 // messages flowing
	StateReconnecting              // waiting to redial
)

var stateNames = [...]string{"idle", "disconnected", "connecting", "connected", "subscribed", "receiving", "reconnecting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome is what happened to one message.
type Outcome int

const (
	OutcomeStored     Outcome = iota // new entry or status written
	OutcomeDuplicate                 // seen recently, or the entry already existed
	OutcomeUnroutable                // topic did not match
	OutcomeMalformed                 // payload was not a valid JSON object
	OutcomeIgnored                   // unknown kind
	OutcomeFailed                    // write failed
)

var outcomeNames = [...]string{"stored", "duplicate", "unroutable", "malformed", "ignored", "failed"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Engine consumes device messages from a broker.
type Engine struct {
	dialer    broker.Dialer
	router    topic.Router
	window    *dedup.Window
	writer    *Writer
	validator *schema.Validator
	backoff   Backoff
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	maxInFlight int64
	timeout     time.Duration
	sem         *semaphore.Weighted
	inflight    sync.WaitGroup

	state atomic.Int32
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithBackoff(b Backoff) Option { return func(e *Engine) { e.backoff = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithValidator rejects payloads that fail their kind's schema as malformed.
func WithValidator(v *schema.Validator) Option { return func(e *Engine) { e.validator = v } }

// WithMaxInFlight caps concurrently handled messages. When the cap is reached
// the read loop waits for a slot.
func WithMaxInFlight(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxInFlight = int64(n)
		}
	}
}

// WithMessageTimeout bounds the store and notification work of one message.
func WithMessageTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates an engine. A nil dialer means no broker is configured and the
// engine stays idle.
func New(dialer broker.Dialer, router topic.Router, window *dedup.Window, writer *Writer, opts ...Option) *Engine {
	e := &Engine{
		dialer:      dialer,
		router:      router,
		window:      window,
		writer:      writer,
		backoff:     DefaultBackoff(),
		clock:       clock.New(),
		logger:      slog.Default(),
		maxInFlight: DefaultMaxInFlight,
		timeout:     DefaultMessageTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = semaphore.NewWeighted(e.maxInFlight)
	if dialer == nil {
		e.state.Store(int32(StateIdle))
	} else {
		e.state.Store(int32(StateDisconnected))
	}
	return e
}

// State returns the current connection state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) == s {
		return
	}
	e.logger.Debug("ingestion state changed", "state", s.String())
	if e.metrics != nil {
		e.metrics.SetBrokerState(s.String(), stateNames[:])
	}
}

// Run connects, subscribes and consumes until ctx is done, reconnecting with
// backoff after every connection loss. It waits for in-flight messages before
// returning. With no broker configured it returns immediately.
func (e *Engine) Run(ctx context.Context) error {
	if e.dialer == nil {
		e.logger.Info("no broker configured, ingestion idle")
		return nil
	}

	go e.window.Run(ctx)
	defer func() {
		e.inflight.Wait()
		e.setState(StateDisconnected)
	}()

	policy := &reconnectPolicy{
		backoff: e.backoff,
		onDelay: func(attempt int, d time.Duration) {
			e.setState(StateReconnecting)
			if e.metrics != nil {
				e.metrics.ReconnectsTotal.Inc()
			}
			e.logger.Info("reconnecting to broker", "attempt", attempt, "delay", d)
		},
	}

	lost := false
	for {
		conn, err := e.connect(ctx, policy, lost)
		if err != nil {
			// Only cancellation ends the retry loop.
			return nil
		}
		policy.connected()
		e.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		lost = true
	}
}

// connect dials until it succeeds or ctx is done. After a lost connection the
// first dial also waits one backoff delay.
func (e *Engine) connect(ctx context.Context, policy *reconnectPolicy, afterLoss bool) (broker.Conn, error) {
	timer := &clockTimer{clock: e.clock}
	if afterLoss {
		timer.Start(policy.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C():
		}
	}

	dial := func() (broker.Conn, error) {
		e.setState(StateConnecting)
		conn, err := e.dialer.Dial(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return conn, err
	}
	notify := func(err error, d time.Duration) {
		e.logger.Warn("broker connect failed", "error", err, "retry_in", d)
	}
	return backoff.RetryNotifyWithTimerAndData(dial, backoff.WithContext(policy, ctx), notify, timer)
}

// serve subscribes and reads conn until it is lost or ctx is done.
func (e *Engine) serve(ctx context.Context, conn broker.Conn) {
	e.setState(StateConnected)
	e.logger.Info("connected to broker")

	filters := e.router.Filters(model.Kinds...)
	if err := conn.Subscribe(ctx, filters, broker.AtLeastOnce); err != nil {
		// Stay connected without receiving; the next connection retries the subscription.
		e.logger.Error("broker subscribe failed", "filters", filters, "error", err)
		select {
		case <-ctx.Done():
		case <-conn.Done():
			e.logger.Warn("broker connection lost", "error", conn.Err())
		}
		return
	}
	e.setState(StateSubscribed)
	e.logger.Info("subscribed to device topics", "filters", filters)

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			e.logger.Warn("broker connection lost", "error", conn.Err())
			return
		case m := <-conn.Messages():
			e.setState(StateReceiving)
			e.dispatch(ctx, m)
		}
	}
}

// dispatch handles m on its own goroutine once an in-flight slot is free.
// The message context survives engine shutdown and is bounded by the message timeout.
func (e *Engine) dispatch(ctx context.Context, m broker.Message) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer e.sem.Release(1)

		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		e.HandleMessage(mctx, m.Topic, m.Payload)
	}()
}

// HandleMessage is the unit of work for one message: route, decode, dedup,
// write. Every failure is logged here and confined to this message.
func (e *Engine) HandleMessage(ctx context.Context, topicName string, raw []byte) (Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.HandleMessage",
		trace.WithAttributes(attribute.String("messaging.destination", topicName)))
	defer span.End()

	outcome, kind, err := e.handle(ctx, topicName, raw)
	span.SetAttributes(attribute.String("ingest.outcome", outcome.String()))
	if outcome == OutcomeFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.metrics != nil {
		e.metrics.MessagesTotal.WithLabelValues(string(kind), outcome.String()).Inc()
	}
	return outcome, err
}

func (e *Engine) handle(ctx context.Context, topicName string, raw []byte) (Outcome, model.Kind, error) {
	route, ok := e.router.Parse(topicName)
	if !ok {
		return OutcomeUnroutable, "", ErrUnroutable
	}

	payload, err := model.DecodePayload(raw)
	if err == nil && e.validator != nil {
		err = e.validator.Validate(route.Kind, payload)
	}
	if err != nil {
		e.logger.Warn("dropping malformed payload", "topic", topicName, "error", err)
		return OutcomeMalformed, route.Kind, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch route.Kind {
	case model.KindData, model.KindStatus, model.KindAlert:
	default:
		e.logger.Debug("ignoring unknown message kind", "topic", topicName, "kind", route.Kind)
		return OutcomeIgnored, route.Kind, nil
	}

	id := dedup.MessageID(topicName, payload)
	if e.window.Seen(id) {
		e.logger.Debug("dropping duplicate message", "topic", topicName, "msg_id", id)
		return OutcomeDuplicate, route.Kind, nil
	}

	created := true
	switch route.Kind {
	case model.KindData:
		created, err = e.writer.WriteData(ctx, route.DeviceID, payload, raw)
	case model.KindStatus:
		err = e.writer.WriteStatus(ctx, route.DeviceID, payload)
	case model.KindAlert:
		created, err = e.writer.WriteAlert(ctx, route.DeviceID, payload)
	}
	if err != nil {
		e.logger.Error("message write failed", "topic", topicName, "msg_id", id, "device_id", route.DeviceID, "error", err)
		return OutcomeFailed, route.Kind, err
	}
	if !created {
		e.logger.Debug("entry already stored", "topic", topicName, "msg_id", id)
		return OutcomeDuplicate, route.Kind, nil
	}
	return OutcomeStored, route.Kind, nil
}
