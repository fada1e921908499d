// Package broker abstracts the publish/subscribe transport the ingestion engine reads from.
// A Dialer opens one connection at a time; reconnect policy belongs to the caller,
// so transports are configured never to reconnect on their own.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// QoS levels understood by Subscribe.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// ErrClosed is reported by Err after Close.
var ErrClosed = errors.New("broker: connection closed")

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Conn is a live broker connection.
type Conn interface {
	// Subscribe registers filters at the given QoS. Messages arrive on Messages().
	Subscribe(ctx context.Context, filters []string, qos byte) error
	// Messages delivers inbound messages until the connection is done.
	Messages() <-chan Message
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	// Close disconnects. It is safe to call more than once.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Options are shared by every transport.
type Options struct {
	URL            string
	ClientID       string // random when empty
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	BufferSize     int // capacity of the Messages channel
	Logger         *slog.Logger

	generatedID bool
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = "telemetryd-" + strings.ToLower(ulid.Make().String())
		o.generatedID = true
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	return o
}

// IsNATS reports whether rawURL selects the NATS transport.
func IsNATS(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "nats"
}

// NewDialer picks the transport from the URL scheme: nats:// uses NATS,
// anything else (tcp, ssl, ws, wss, mqtt) uses MQTT.
func NewDialer(opts Options) (Dialer, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("broker: URL is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("broker: invalid URL: %w", err)
	}
	if IsNATS(opts.URL) {
		return NewNATSDialer(opts), nil
	}
	return NewMQTTDialer(opts), nil
}

// lifecycle holds the done/err bookkeeping shared by the transports.
// done must be set before use.
type lifecycle struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (l *lifecycle) finish(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// deliver hands m to out unless the connection finishes first.
func (l *lifecycle) deliver(out chan<- Message, m Message) {
	select {
	case out <- m:
	case <-l.done:
	}
}
