package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/broker"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/config"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/dedup"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/ingest"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/notify"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/topic"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNewDialerWithoutBrokerIdles(t *testing.T) {
	t.Setenv("TELEMETRY_BROKER_URL", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	dialer, err := newDialer(cfg, discard)
	if err != nil {
		t.Fatalf("newDialer() error = %v", err)
	}
	if dialer != nil {
		t.Fatalf("newDialer() = %T, want nil", dialer)
	}

	writer := ingest.NewWriter(ingest.WriterConfig{Store: storage.NewMemory(), Logger: discard})
	engine := ingest.New(dialer, topic.NewMQTT(cfg.Namespace), dedup.New(cfg.DedupInterval), writer, ingest.WithLogger(discard))
	if engine.State() != ingest.StateIdle {
		t.Errorf("State() = %v, want idle", engine.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := engine.Run(ctx); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Error("Run() blocked instead of returning at once")
	}
}

func TestNewDialerWithBroker(t *testing.T) {
	cfg := config.Config{BrokerURL: "tcp://localhost:1883", BrokerClientID: "telemetryd-test"}
	dialer, err := newDialer(cfg, discard)
	if err != nil {
		t.Fatalf("newDialer() error = %v", err)
	}
	if _, ok := dialer.(*broker.MQTTDialer); !ok {
		t.Errorf("newDialer() = %T, want *broker.MQTTDialer", dialer)
	}
}

func TestNewSenderFallsBackToLog(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"not configured", ""},
		{"unreachable", "nats://127.0.0.1:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, closeSender := newSender(config.Config{NATSURL: tt.url}, discard)
			defer closeSender()
			if _, ok := sender.(notify.LogSender); !ok {
				t.Errorf("newSender() = %T, want notify.LogSender", sender)
			}
		})
	}
}
