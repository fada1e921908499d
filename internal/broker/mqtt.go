package broker

import (
	"context"
	"errors"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTDialer connects with the Eclipse Paho client.
type MQTTDialer struct {
	opts Options
}

// NewMQTTDialer creates a dialer for an MQTT broker URL (tcp://, ssl://, ws://).
func NewMQTTDialer(opts Options) *MQTTDialer {
	return &MQTTDialer{opts: opts.withDefaults()}
}

type mqttConn struct {
	lifecycle
	client mqtt.Client
	msgs   chan Message
}

// persistentSession reports whether the broker should keep the session, and
// the QoS 1 messages queued for it, across disconnects. That needs a stable
// client ID; a generated one would leave an orphaned session per restart.
func (d *MQTTDialer) persistentSession() bool {
	return !d.opts.generatedID
}

func (d *MQTTDialer) Dial(ctx context.Context) (Conn, error) {
	c := &mqttConn{
		msgs: make(chan Message, d.opts.BufferSize),
	}
	c.done = make(chan struct{})

	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.opts.URL)
	opts.SetClientID(d.opts.ClientID)
	if d.opts.Username != "" {
		opts.SetUsername(d.opts.Username)
		opts.SetPassword(d.opts.Password)
	}
	opts.SetKeepAlive(d.opts.KeepAlive)
	opts.SetConnectTimeout(d.opts.ConnectTimeout)
	// The ingestion engine owns reconnects and backoff.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(!d.persistentSession())
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.finish(fmt.Errorf("mqtt connection lost: %w", err))
	})

	c.client = mqtt.NewClient(opts)
	if err := waitToken(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

func (c *mqttConn) Subscribe(ctx context.Context, filters []string, qos byte) error {
	subs := make(map[string]byte, len(filters))
	for _, f := range filters {
		subs[f] = qos
	}

	// Paho acknowledges a QoS 1 publish once this handler returns.
	handler := func(_ mqtt.Client, m mqtt.Message) {
		c.deliver(c.msgs, Message{Topic: m.Topic(), Payload: m.Payload()})
	}

	tok := c.client.SubscribeMultiple(subs, handler)
	if err := waitToken(ctx, tok); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("mqtt subscribe: broker rejected %q", topic)
			}
		}
	}
	return nil
}

func (c *mqttConn) Messages() <-chan Message { return c.msgs }

func (c *mqttConn) Close() error {
	c.finish(ErrClosed)
	c.client.Disconnect(250)
	return nil
}

// waitToken waits for a Paho token or ctx, whichever finishes first.
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return errors.Join(ctx.Err(), t.Error())
	}
}
