package broker

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSDialer connects to a NATS server. Core NATS subjects carry the same
// {ns}.{deviceId}.{kind} layout as the MQTT topics.
type NATSDialer struct {
	opts Options
}

// NewNATSDialer creates a dialer for a nats:// URL.
func NewNATSDialer(opts Options) *NATSDialer {
	opts = opts.withDefaults()
	opts.Logger.Warn("nats transport delivers at most once; messages published while disconnected are lost",
		"url", opts.URL)
	return &NATSDialer{opts: opts}
}

type natsConn struct {
	lifecycle
	nc   *nats.Conn
	msgs chan Message
	subs []*nats.Subscription
}

func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	c := &natsConn{
		msgs: make(chan Message, d.opts.BufferSize),
	}
	c.done = make(chan struct{})

	opts := []nats.Option{
		nats.Name(d.opts.ClientID),
		nats.Timeout(d.opts.ConnectTimeout),
		nats.PingInterval(d.opts.KeepAlive),
		// The ingestion engine owns reconnects and backoff.
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			c.finish(fmt.Errorf("nats connection lost: %w", err))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.finish(nats.ErrConnectionClosed)
		}),
	}
	if d.opts.Username != "" {
		opts = append(opts, nats.UserInfo(d.opts.Username, d.opts.Password))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(d.opts.URL, opts...)
		ch <- result{nc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("nats connect: %w", r.err)
		}
		c.nc = r.nc
		return c, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Subscribe ignores qos: core NATS delivery is at-most-once per connection,
// and redelivery is left to the publisher.
func (c *natsConn) Subscribe(ctx context.Context, filters []string, qos byte) error {
	for _, f := range filters {
		sub, err := c.nc.Subscribe(f, func(m *nats.Msg) {
			c.deliver(c.msgs, Message{Topic: m.Subject, Payload: m.Data})
		})
		if err != nil {
			return fmt.Errorf("nats subscribe %q: %w", f, err)
		}
		c.subs = append(c.subs, sub)
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats subscribe flush: %w", err)
	}
	return nil
}

func (c *natsConn) Messages() <-chan Message { return c.msgs }

func (c *natsConn) Close() error {
	c.finish(ErrClosed)
	c.nc.Close()
	return nil
}
