package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
	"github.com/nats-io/nats.go"
)

// DefaultPushSubject is the request subject served by the push gateway.
const DefaultPushSubject = "push.multicast"

// multicastRequest is the body sent to the push gateway.
type multicastRequest struct {
	Tokens       []string           `json:"tokens"`
	Notification model.Notification `json:"notification"`
}

// NATSSender hands batches to a push gateway over NATS request/reply.
// The gateway replies with a BatchResult once the provider call returns.
type NATSSender struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSender connects to url and sends multicast requests on subject.
func NewNATSSender(url, subject string) (*NATSSender, error) {
	if subject == "" {
		subject = DefaultPushSubject
	}
	nc, err := nats.Connect(url, nats.Name("telemetryd-push"))
	if err != nil {
		return nil, fmt.Errorf("connect push gateway: %w", err)
	}
	return &NATSSender{nc: nc, subject: subject}, nil
}

// NewNATSSenderConn uses an existing connection.
func NewNATSSenderConn(nc *nats.Conn, subject string) *NATSSender {
	if subject == "" {
		subject = DefaultPushSubject
	}
	return &NATSSender{nc: nc, subject: subject}
}

func (s *NATSSender) SendMulticast(ctx context.Context, tokens []string, n model.Notification) (BatchResult, error) {
	body, err := json.Marshal(multicastRequest{Tokens: tokens, Notification: n})
	if err != nil {
		return BatchResult{}, err
	}

	msg, err := s.nc.RequestWithContext(ctx, s.subject, body)
	if err != nil {
		return BatchResult{}, fmt.Errorf("push gateway request: %w", err)
	}

	var res BatchResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return BatchResult{}, fmt.Errorf("push gateway reply: %w", err)
	}
	return res, nil
}

// Close closes the NATS connection.
func (s *NATSSender) Close() error {
	s.nc.Close()
	return nil
}

// LogSender only logs batches. It is used when no push gateway is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendMulticast(ctx context.Context, tokens []string, n model.Notification) (BatchResult, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("push notification not sent, no gateway configured",
		"endpoints", len(tokens), "title", n.Title)
	return BatchResult{SuccessCount: len(tokens)}, nil
}
