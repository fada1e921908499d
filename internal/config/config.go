// Package config provides configuration loading for the telemetry service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env files in development. godotenv.Load does not override
// variables that are already set, so the process environment wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the telemetry service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL DSN; the in-memory store is used when empty

	// Broker
	BrokerURL       string        // tcp://, ssl://, ws:// for MQTT or nats:// for NATS; ingestion idles when empty
	BrokerUsername  string
	BrokerPassword  string
	BrokerClientID  string        // random when empty
	BrokerKeepAlive time.Duration
	Namespace       string        // first topic segment
	MaxInFlight     int           // concurrent message handlers
	MessageTimeout  time.Duration // per-message deadline
	BackoffBase     time.Duration
	BackoffCap      int // exponent cap
	BackoffMax      time.Duration
	DedupInterval   time.Duration

	// Events and notifications
	NATSURL         string // JetStream event stream and push gateway
	PushSubject     string
	NotifyBatchSize int
	TitlePrefix     string

	// Aggregation
	AggregateCron        string
	AggregateConcurrency int
	AggregateTimeout     time.Duration

	// Day archive
	S3Endpoint    string
	S3Region      string
	S3Bucket      string // archiving is disabled when empty
	S3AccessKey   string
	S3SecretKey   string
	ArchivePrefix string

	// Internal endpoint auth
	JWTIssuer   string // bearer auth is disabled when empty
	JWTAudience string
	JWKSURL     string
	IdentityURL string

	SchemaDir string // per-kind schema overrides

	// Tracing
	TraceExporter    string  // stdout or none
	TraceSampleRatio float64 // fraction of root spans sampled
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv                  = "dev"
	defaultPort                 = "8080"
	defaultBrokerKeepAlive      = 30 * time.Second
	defaultNamespace            = "telemetry"
	defaultMaxInFlight          = 256
	defaultMessageTimeout       = 30 * time.Second
	defaultBackoffBase          = time.Second
	defaultBackoffCap           = 5
	defaultBackoffMax           = 30 * time.Second
	defaultDedupInterval        = 15 * time.Minute
	defaultPushSubject          = "push.multicast"
	defaultNotifyBatchSize      = 450
	maxNotifyBatchSize          = 500
	defaultTitlePrefix          = "Telemetry"
	defaultAggregateCron        = "5 0 * * *"
	defaultAggregateConcurrency = 5
	defaultAggregateTimeout     = 10 * time.Minute
	defaultS3Region             = "us-east-1"
	defaultTraceExporter        = "stdout"
	defaultTraceSampleRatio     = 1.0
)

// Load reads TELEMETRY_* variables and produces a Config suitable for wiring
// the service. It returns an error for unparsable or out-of-range values.
func Load() (Config, error) {
	cfg := Config{
		Env:                  getEnv("TELEMETRY_ENV", defaultEnv),
		Port:                 getEnv("TELEMETRY_PORT", defaultPort),
		DatabaseDSN:          os.Getenv("TELEMETRY_DB_DSN"),
		BrokerURL:            os.Getenv("TELEMETRY_BROKER_URL"),
		BrokerUsername:       os.Getenv("TELEMETRY_BROKER_USERNAME"),
		BrokerPassword:       os.Getenv("TELEMETRY_BROKER_PASSWORD"),
		BrokerClientID:       os.Getenv("TELEMETRY_BROKER_CLIENT_ID"),
		Namespace:            getEnv("TELEMETRY_NAMESPACE", defaultNamespace),
		NATSURL:              os.Getenv("TELEMETRY_NATS_URL"),
		PushSubject:          getEnv("TELEMETRY_PUSH_SUBJECT", defaultPushSubject),
		TitlePrefix:          getEnv("TELEMETRY_TITLE_PREFIX", defaultTitlePrefix),
		AggregateCron:        getEnv("TELEMETRY_AGGREGATE_CRON", defaultAggregateCron),
		S3Endpoint:           os.Getenv("TELEMETRY_S3_ENDPOINT"),
		S3Region:             getEnv("TELEMETRY_S3_REGION", defaultS3Region),
		S3Bucket:             os.Getenv("TELEMETRY_S3_BUCKET"),
		S3AccessKey:          os.Getenv("TELEMETRY_S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("TELEMETRY_S3_SECRET_KEY"),
		ArchivePrefix:        getEnv("TELEMETRY_ARCHIVE_PREFIX", "archive"),
		JWTIssuer:            os.Getenv("TELEMETRY_JWT_ISSUER"),
		JWTAudience:          os.Getenv("TELEMETRY_JWT_AUDIENCE"),
		JWKSURL:              os.Getenv("TELEMETRY_JWKS_URL"),
		IdentityURL:          os.Getenv("IDENTITY_URL"),
		SchemaDir:            os.Getenv("TELEMETRY_SCHEMA_DIR"),
		TraceExporter:        getEnv("TELEMETRY_TRACE_EXPORTER", defaultTraceExporter),
	}

	var err error
	durations := []struct {
		key  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"TELEMETRY_BROKER_KEEPALIVE", &cfg.BrokerKeepAlive, defaultBrokerKeepAlive},
		{"TELEMETRY_MESSAGE_TIMEOUT", &cfg.MessageTimeout, defaultMessageTimeout},
		{"TELEMETRY_BACKOFF_BASE", &cfg.BackoffBase, defaultBackoffBase},
		{"TELEMETRY_BACKOFF_MAX", &cfg.BackoffMax, defaultBackoffMax},
		{"TELEMETRY_DEDUP_INTERVAL", &cfg.DedupInterval, defaultDedupInterval},
		{"TELEMETRY_AGGREGATE_TIMEOUT", &cfg.AggregateTimeout, defaultAggregateTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return cfg, err
		}
	}

	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"TELEMETRY_MAX_IN_FLIGHT", &cfg.MaxInFlight, defaultMaxInFlight},
		{"TELEMETRY_BACKOFF_CAP", &cfg.BackoffCap, defaultBackoffCap},
		{"TELEMETRY_NOTIFY_BATCH_SIZE", &cfg.NotifyBatchSize, defaultNotifyBatchSize},
		{"TELEMETRY_AGGREGATE_CONCURRENCY", &cfg.AggregateConcurrency, defaultAggregateConcurrency},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.def); err != nil {
			return cfg, err
		}
	}

	if cfg.TraceSampleRatio, err = getFloat("TELEMETRY_TRACE_SAMPLE_RATIO", defaultTraceSampleRatio); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.NotifyBatchSize < 1 || c.NotifyBatchSize > maxNotifyBatchSize {
		return fmt.Errorf("TELEMETRY_NOTIFY_BATCH_SIZE must be between 1 and %d, got %d", maxNotifyBatchSize, c.NotifyBatchSize)
	}
	if c.AggregateConcurrency < 1 {
		return fmt.Errorf("TELEMETRY_AGGREGATE_CONCURRENCY must be at least 1, got %d", c.AggregateConcurrency)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("TELEMETRY_MAX_IN_FLIGHT must be at least 1, got %d", c.MaxInFlight)
	}
	if c.BackoffCap < 0 {
		return fmt.Errorf("TELEMETRY_BACKOFF_CAP must not be negative, got %d", c.BackoffCap)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff requires 0 < TELEMETRY_BACKOFF_BASE <= TELEMETRY_BACKOFF_MAX")
	}
	if c.DedupInterval <= 0 {
		return fmt.Errorf("TELEMETRY_DEDUP_INTERVAL must be positive")
	}
	if strings.ContainsAny(c.Namespace, "/.+*#>") || c.Namespace == "" {
		return fmt.Errorf("TELEMETRY_NAMESPACE %q must be a single topic segment", c.Namespace)
	}
	if (c.JWTIssuer == "") != (c.JWTAudience == "") {
		return fmt.Errorf("TELEMETRY_JWT_ISSUER and TELEMETRY_JWT_AUDIENCE must be set together")
	}
	if c.TraceExporter != "stdout" && c.TraceExporter != "none" {
		return fmt.Errorf("TELEMETRY_TRACE_EXPORTER must be stdout or none, got %q", c.TraceExporter)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TELEMETRY_TRACE_SAMPLE_RATIO must be between 0 and 1, got %v", c.TraceSampleRatio)
	}
	if c.JWTIssuer != "" && c.JWKSURL == "" {
		return fmt.Errorf("TELEMETRY_JWKS_URL is required when TELEMETRY_JWT_ISSUER is set")
	}
	return nil
}

// AuthEnabled reports whether internal endpoints require a bearer token.
func (c Config) AuthEnabled() bool {
	return c.JWTIssuer != ""
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
