// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the admission service.
// It exposes issuance, scan validation, offline export and sync, anchoring and
// stats endpoints behind JWT authentication and schema validation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/anchor"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/attendance"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/audit"
	errordefs "github.com/RegistryAccord/registryaccord-admission-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/offline"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/reconcile"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/ticket"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/validation"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyPrincipal     ContextKey = "principal"     // Authenticated caller from the JWT
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Body limits
	maxBodyBytes     = 1 << 20  // Default request body limit
	maxSyncBodyBytes = 16 << 20 // Reconcile and offline validation carry larger bodies

	defaultIdempotencyTTL = 24 * time.Hour
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Store      storage.Store
	Tickets    *ticket.Service
	Engine     *validation.Engine
	Offline    *offline.Manager
	Reconciler *reconcile.Reconciler
	Attendance *attendance.Recorder
	Audit      *audit.Log
	Anchors    *anchor.Anchorer // nil when anchoring is disabled
	Auth       *jwks.Client

	CORSAllowedOrigins []string      // Allowed origins for CORS (empty means deny all)
	IdempotencyTTL     time.Duration // How long issuance responses are replayed
}

// Mux handles HTTP requests for the admission service.
type Mux struct {
	mux       *http.ServeMux    // HTTP request multiplexer
	d         Deps              // Service dependencies
	validator *schema.Validator // Request body validator
	metrics   *metrics.Metrics  // Metrics for monitoring
}

// NewMux creates a new HTTP mux with all admission endpoints.
func NewMux(d Deps) (*http.ServeMux, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("initializing schema validator: %w", err)
	}
	if d.IdempotencyTTL <= 0 {
		d.IdempotencyTTL = defaultIdempotencyTTL
	}

	m := &Mux{
		mux:       http.NewServeMux(),
		d:         d,
		validator: validator,
		metrics:   metrics.NewMetrics(),
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	operator, scanner := jwks.RoleOperator, jwks.RoleScanner
	m.mux.HandleFunc("/v1/credentials/issue", m.method(http.MethodPost, m.withMiddleware(operator, m.handleIssue)))
	m.mux.HandleFunc("/v1/credentials/regenerate", m.method(http.MethodPost, m.withMiddleware(operator, m.handleRegenerate)))
	m.mux.HandleFunc("/v1/credentials/invalidate", m.method(http.MethodPost, m.withMiddleware(operator, m.handleInvalidate)))
	m.mux.HandleFunc("/v1/scan/validate", m.method(http.MethodPost, m.withMiddleware(scanner, m.handleValidate)))
	m.mux.HandleFunc("/v1/attendance/checkin", m.method(http.MethodPost, m.withMiddleware(operator, m.handleCheckIn)))
	m.mux.HandleFunc("/v1/attendance/checkout", m.method(http.MethodPost, m.withMiddleware(operator, m.handleCheckOut)))
	m.mux.HandleFunc("/v1/offline/export", m.method(http.MethodPost, m.withMiddleware(scanner, m.handleOfflineExport)))
	m.mux.HandleFunc("/v1/offline/validate", m.method(http.MethodPost, m.withMiddleware(scanner, m.handleOfflineValidate)))
	m.mux.HandleFunc("/v1/sync/reconcile", m.method(http.MethodPost, m.withMiddleware(scanner, m.handleReconcile)))
	m.mux.HandleFunc("/v1/anchors/submit", m.method(http.MethodPost, m.withMiddleware(operator, m.handleAnchorSubmit)))
	m.mux.HandleFunc("/v1/stats", m.method(http.MethodGet, m.withMiddleware(operator, m.handleStats)))

	return m.mux, nil
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != http.MethodOptions {
			w.Header().Set("Allow", method)
			m.writeErrorDef(w, errordefs.New(errordefs.ADM_BAD_REQUEST, "method not allowed", ""))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation IDs, authentication, role checks,
// request metrics and request logging.
func (m *Mux) withMiddleware(role string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := m.originAllowed(origin)
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id, Idempotency-Key")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx, span := otel.Tracer("admission").Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("correlation.id", correlationID)))
		defer span.End()
		r = r.WithContext(context.WithValue(ctx, ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
			m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		}()

		p, err := m.authenticate(r)
		if err != nil {
			var errorDef *errordefs.Error
			if !errors.As(err, &errorDef) {
				errorDef = errordefs.New(errordefs.ADM_AUTHN, err.Error(), "")
			}
			errorDef.CorrelationID = correlationID
			m.writeErrorDef(rec, errorDef)
			m.logRequest(r, errorDef.HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		if !p.Can(role) {
			errorDef := errordefs.New(errordefs.ADM_AUTHZ, fmt.Sprintf("role %q may not call this endpoint", p.Role), correlationID)
			m.writeErrorDef(rec, errorDef)
			m.logRequest(r, errorDef.HTTPStatus, time.Since(start), correlationID, errorDef)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyPrincipal, p))

		h(rec, r)
		m.logRequest(r, rec.status, time.Since(start), correlationID, nil)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowedOrigin := range m.d.CORSAllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			return true
		}
	}
	return false
}

// authenticate validates the bearer token and returns its principal.
func (m *Mux) authenticate(r *http.Request) (jwks.Principal, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return jwks.Principal{}, errordefs.New(errordefs.ADM_AUTHN, "missing Authorization header", "")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return jwks.Principal{}, errordefs.New(errordefs.ADM_AUTHN, "invalid Authorization header format", "")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	p, err := m.d.Auth.Authenticate(r.Context(), tokenString)
	if err != nil {
		// Map specific JWT validation errors to appropriate error codes
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "expired"):
			return p, errordefs.New(errordefs.ADM_JWT_EXPIRED, "JWT token expired", "")
		case errors.Is(err, jwks.ErrInvalidRole):
			return p, errordefs.New(errordefs.ADM_AUTHZ, "token carries no admission role", "")
		case strings.Contains(errStr, "malformed") || strings.Contains(errStr, "kid"):
			return p, errordefs.New(errordefs.ADM_JWT_MALFORMED, "malformed JWT", "")
		default:
			return p, errordefs.New(errordefs.ADM_JWT_INVALID, "invalid JWT", "")
		}
	}
	return p, nil
}

// principal returns the authenticated caller.
func principal(ctx context.Context) jwks.Principal {
	p, _ := ctx.Value(ContextKeyPrincipal).(jwks.Principal)
	return p
}

// correlationID returns the request's correlation ID.
func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// decode reads, schema-validates and unmarshals a request body. It writes the
// error response and returns false on failure.
func (m *Mux) decode(w http.ResponseWriter, r *http.Request, requestType string, limit int64, dst any) bool {
	defer r.Body.Close()
	cid := correlationID(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.ADM_BAD_REQUEST, "request body too large or unreadable", cid))
		return false
	}
	if _, err := m.validator.Validate(requestType, body); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.ADM_SCHEMA_REJECT, "request failed schema validation", cid, verr.Details()))
			return false
		}
		m.writeErrorDef(w, errordefs.New(errordefs.ADM_VALIDATION, "invalid JSON", cid))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.ADM_VALIDATION, "invalid JSON", cid))
		return false
	}
	return true
}

// envelope builds the success body.
func envelope(data any) ([]byte, error) {
	return json.Marshal(map[string]any{"data": data})
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// writeError writes an error response following the admission error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}
	if p := principal(r.Context()); p.Subject != "" {
		attrs = append(attrs, slog.String("actor", p.Subject), slog.String("role", p.Role))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz checks store connectivity.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.d.Store.Ping(ctx); err != nil {
		slog.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
