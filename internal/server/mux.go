// internal/server/mux.go
// Package server implements the HTTP surface of the telemetry service: the
// aggregation triggers used by the scheduler and operators, health probes
// and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/aggregate"
	errordefs "github.com/RegistryAccord/registryaccord-telemetry-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/telemetry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeySubject       ContextKey = "subject"       // Token subject
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
)

// maxBodyBytes caps request bodies of the internal endpoints.
const maxBodyBytes = 1 << 16

// Config wires a Mux. Store and Aggregator are required. Setting JWKS
// enables bearer authentication on the internal endpoints.
type Config struct {
	Store       storage.Store
	Aggregator  *aggregate.Aggregator
	JWKS        *jwks.Client
	Identity    *identity.Client // optional subject confirmation
	JWTIssuer   string
	JWTAudience string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Mux handles HTTP requests for the telemetry service.
type Mux struct {
	mux         *http.ServeMux
	store       storage.Store
	aggregator  *aggregate.Aggregator
	jwksClient  *jwks.Client
	id          *identity.Client
	jwtIssuer   string
	jwtAudience string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewMux registers all endpoints and returns the root handler.
func NewMux(cfg Config) *http.ServeMux {
	m := &Mux{
		mux:         http.NewServeMux(),
		store:       cfg.Store,
		aggregator:  cfg.Aggregator,
		jwksClient:  cfg.JWKS,
		id:          cfg.Identity,
		jwtIssuer:   cfg.JWTIssuer,
		jwtAudience: cfg.JWTAudience,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/internal/aggregate/daily", m.method(http.MethodPost, m.withMiddleware(m.handleAggregateDaily)))
	m.mux.HandleFunc("/internal/aggregate/day", m.method(http.MethodPost, m.withMiddleware(m.handleAggregateDay)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			m.writeError(w, http.StatusMethodNotAllowed, string(errordefs.TLM_BAD_REQUEST), "method not allowed", "", nil)
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware assigns a correlation ID, authenticates the caller when
// auth is enabled, and records the request.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		rec.Header().Set("X-Correlation-Id", correlationID)

		var authErr error
		defer func() {
			m.observe(r, rec.status, time.Since(start), correlationID, authErr)
		}()

		if m.jwksClient != nil {
			subject, errDef := m.authenticate(r)
			if errDef != nil {
				authErr = errDef
				errDef.CorrelationID = correlationID
				m.writeErrorDef(rec, errDef)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject))
		}

		h(rec, r)
	}
}

// authenticate validates the bearer token and returns its subject.
func (m *Mux) authenticate(r *http.Request) (string, *errordefs.Error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.TLM_AUTHN, "missing Authorization header", "")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", errordefs.New(errordefs.TLM_AUTHN, "invalid Authorization header format", "")
	}

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errordefs.New(errordefs.TLM_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "", errordefs.New(errordefs.TLM_JWT_MALFORMED, "malformed JWT", "")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "", errordefs.New(errordefs.TLM_JWT_INVALID, "invalid JWT issuer", "")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "", errordefs.New(errordefs.TLM_JWT_INVALID, "invalid JWT audience", "")
	default:
		return "", errordefs.New(errordefs.TLM_JWT_INVALID, "invalid JWT", "")
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", errordefs.New(errordefs.TLM_JWT_INVALID, "missing or invalid sub claim", "")
	}

	if m.id != nil {
		switch err := m.id.Confirm(r.Context(), subject); {
		case err == nil:
		case errors.Is(err, identity.ErrNotFound), errors.Is(err, identity.ErrInactive):
			return "", errordefs.New(errordefs.TLM_AUTHZ, "subject is not an active principal", "")
		default:
			m.logger.Error("identity lookup failed", "subject", subject, "error", err)
			return "", errordefs.New(errordefs.TLM_UNAVAILABLE, "identity service unavailable", "")
		}
	}
	return subject, nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeError writes an error response in the service error envelope
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// observe logs the request and records HTTP metrics.
func (m *Mux) observe(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	if m.metrics != nil {
		code := strconv.Itoa(status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, code).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, code).Observe(duration.Seconds())
	}

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if subject, ok := r.Context().Value(ContextKeySubject).(string); ok && subject != "" {
		attrs = append(attrs, slog.String("subject", subject))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
		return
	}
	m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready when the document store answers a ping.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		m.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// dailyResponse is the body of a successful daily trigger.
type dailyResponse struct {
	OK bool `json:"ok"`
	aggregate.Report
}

// handleAggregateDaily handles POST /internal/aggregate/daily: aggregate
// every device for yesterday (UTC).
func (m *Mux) handleAggregateDaily(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleAggregateDaily")
	defer span.End()
	correlationID := correlationIDFrom(ctx)

	report, err := m.aggregator.RunYesterday(ctx)
	span.SetAttributes(
		attribute.String("day", report.Day),
		attribute.Int("devices", report.Devices),
		attribute.Int("failed", report.Failed),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("daily aggregation failed", "day", report.Day, "error", err, "correlation_id", correlationID)
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.TLM_AGGREGATION, "daily aggregation did not complete", correlationID, report))
		return
	}
	m.writeSuccess(w, http.StatusOK, dailyResponse{OK: true, Report: report})
}

// aggregateDayRequest is the body of POST /internal/aggregate/day.
type aggregateDayRequest struct {
	DeviceID string `json:"deviceId"`
	Day      string `json:"day"`
}

// handleAggregateDay handles POST /internal/aggregate/day: recompute one
// device/day and return the summary.
func (m *Mux) handleAggregateDay(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleAggregateDay")
	defer span.End()
	defer r.Body.Close()
	correlationID := correlationIDFrom(ctx)

	var req aggregateDayRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.TLM_BAD_REQUEST, "invalid JSON", correlationID))
		return
	}
	span.SetAttributes(attribute.String("device.id", req.DeviceID), attribute.String("day", req.Day))

	summary, err := m.aggregator.AggregateDay(ctx, req.DeviceID, req.Day)
	switch {
	case err == nil:
		m.writeSuccess(w, http.StatusOK, summary)
	case errors.Is(err, aggregate.ErrInvalidDay):
		m.writeErrorDef(w, errordefs.New(errordefs.TLM_INVALID_DAY, "day must be YYYY-MM-DD", correlationID))
	case errors.Is(err, aggregate.ErrInvalidDevice):
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.TLM_VALIDATION, "invalid deviceId", correlationID, map[string]string{"field": "deviceId"}))
	default:
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("device aggregation failed", "device_id", req.DeviceID, "day", req.Day, "error", err, "correlation_id", correlationID)
		m.writeErrorDef(w, errordefs.New(errordefs.TLM_INTERNAL, "aggregation failed", correlationID))
	}
}
