// cmd/telemetryd/main.go
// Package main implements the entry point for the telemetry service.
// It wires the broker ingestion engine, the daily aggregation schedule and
// the HTTP surface, and shuts them down together on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/aggregate"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/archive"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/broker"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/config"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/dedup"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/event"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/ingest"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/notify"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/scheduler"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/server"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/topic"
	"golang.org/x/sync/errgroup"
)

// newDialer returns nil when no broker is configured, which leaves the
// ingestion engine idle while the HTTP surface and schedule keep running.
func newDialer(cfg config.Config, logger *slog.Logger) (broker.Dialer, error) {
	if cfg.BrokerURL == "" {
		logger.Warn("TELEMETRY_BROKER_URL not set, ingestion is idle")
		return nil, nil
	}
	return broker.NewDialer(broker.Options{
		URL:       cfg.BrokerURL,
		ClientID:  cfg.BrokerClientID,
		Username:  cfg.BrokerUsername,
		Password:  cfg.BrokerPassword,
		KeepAlive: cfg.BrokerKeepAlive,
		Logger:    logger,
	})
}

// newSender connects to the push gateway. Without one, or when it cannot be
// reached at startup, notifications are only logged.
func newSender(cfg config.Config, logger *slog.Logger) (notify.Sender, func()) {
	fallback := notify.LogSender{Logger: logger}
	if cfg.NATSURL == "" {
		logger.Warn("TELEMETRY_NATS_URL not set, notifications are logged only")
		return fallback, func() {}
	}
	ns, err := notify.NewNATSSender(cfg.NATSURL, cfg.PushSubject)
	if err != nil {
		logger.Warn("push gateway unavailable, notifications are logged only", "url", cfg.NATSURL, "error", err)
		return fallback, func() {}
	}
	return ns, func() { ns.Close() }
}

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("telemetryd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("telemetryd exited")
}

func run(cfg config.Config, logger *slog.Logger) error {
	if _, err := telemetry.InitTracer(telemetry.Config{
		Version:     version,
		Environment: cfg.Env,
		Namespace:   cfg.Namespace,
		InstanceID:  cfg.BrokerClientID,
		Exporter:    cfg.TraceExporter,
		SampleRatio: cfg.TraceSampleRatio,
	}); err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	m := metrics.NewMetrics()

	// Storage backend: PostgreSQL when a DSN is configured, in-memory otherwise
	var base storage.Store
	if cfg.DatabaseDSN != "" {
		pg, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("init postgres storage: %w", err)
		}
		base = pg
	} else {
		logger.Warn("TELEMETRY_DB_DSN not set, using in-memory storage")
		base = storage.NewMemory()
	}
	store := storage.WithMetrics(base, m)
	defer func() {
		if closer, ok := store.(interface{ Close() }); ok {
			closer.Close()
		}
	}()

	pub := event.NewPublisher(cfg.NATSURL, m)
	defer pub.Close()

	sender, closeSender := newSender(cfg, logger)
	defer closeSender()
	fanout, err := notify.NewFanout(sender, cfg.NotifyBatchSize, notify.WithLogger(logger), notify.WithMetrics(m))
	if err != nil {
		return err
	}

	validator, err := schema.NewValidator(cfg.SchemaDir, m)
	if err != nil {
		return fmt.Errorf("init schema validator: %w", err)
	}

	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}
	router := topic.NewMQTT(cfg.Namespace)
	if broker.IsNATS(cfg.BrokerURL) {
		router = topic.NewNATS(cfg.Namespace)
	}

	writer := ingest.NewWriter(ingest.WriterConfig{
		Store:       store,
		Fanout:      fanout,
		Events:      pub,
		Logger:      logger,
		TitlePrefix: cfg.TitlePrefix,
	})
	engine := ingest.New(dialer, router, dedup.New(cfg.DedupInterval, dedup.WithLogger(logger)), writer,
		ingest.WithLogger(logger),
		ingest.WithMetrics(m),
		ingest.WithValidator(validator),
		ingest.WithMaxInFlight(cfg.MaxInFlight),
		ingest.WithMessageTimeout(cfg.MessageTimeout),
		ingest.WithBackoff(ingest.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, Max: cfg.BackoffMax}),
	)

	var archiver archive.Archiver
	if cfg.S3Bucket != "" {
		a, err := archive.NewS3Archiver(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.ArchivePrefix)
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		archiver = a
	}
	aggregator := aggregate.New(aggregate.Config{
		Store:        store,
		Events:       pub,
		Archiver:     archiver,
		Logger:       logger,
		Metrics:      m,
		Concurrency:  cfg.AggregateConcurrency,
		BatchTimeout: cfg.AggregateTimeout,
	})

	var jwksClient *jwks.Client
	var idClient *identity.Client
	if cfg.AuthEnabled() {
		jwksClient = jwks.NewClient(cfg.JWKSURL)
		if cfg.IdentityURL != "" {
			idClient = identity.New(cfg.IdentityURL)
		}
	} else {
		logger.Warn("TELEMETRY_JWT_ISSUER not set, internal endpoints are unauthenticated")
	}
	mux := server.NewMux(server.Config{
		Store:       store,
		Aggregator:  aggregator,
		JWKS:        jwksClient,
		Identity:    idClient,
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
		Metrics:     m,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(logger, cfg.AggregateCron, aggregate.NewDailyJob(ctx, aggregator, logger))
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()
	logger.Info("daily aggregation scheduled", "cron", cfg.AggregateCron, "next_run", sched.NextRun())

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.AggregateTimeout + 30*time.Second, // the daily trigger is synchronous
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("ingestion starting", "broker", cfg.BrokerURL, "namespace", cfg.Namespace)
		return engine.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
