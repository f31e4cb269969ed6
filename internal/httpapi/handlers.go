// Package httpapi is the HTTP boundary: routing, session cookies, CSRF
// protection, and the mapping from domain errors to statuses.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"payguard.org/api/spec"
	"payguard.org/internal/actor"
	"payguard.org/internal/audit"
	"payguard.org/internal/obs"
	"payguard.org/internal/payment"
	"payguard.org/internal/ratelimit"
	"payguard.org/internal/session"
	"payguard.org/internal/stepup"
)

// ReadyProbe checks backing-store readiness.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	sessions   *session.Manager
	payments   *payment.Service
	actors     actor.Store
	guard      *stepup.Guard
	recorder   *audit.Recorder
	limiter    ratelimit.Limiter
	readyProbe ReadyProbe
	version    string
	now        func() time.Time
}

// Config carries the API's collaborators.
type Config struct {
	Sessions   *session.Manager
	Payments   *payment.Service
	Actors     actor.Store
	Guard      *stepup.Guard
	Recorder   *audit.Recorder
	Limiter    ratelimit.Limiter
	ReadyProbe ReadyProbe
	Version    string
	Clock      func() time.Time
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		sessions:   cfg.Sessions,
		payments:   cfg.Payments,
		actors:     cfg.Actors,
		guard:      cfg.Guard,
		recorder:   cfg.Recorder,
		limiter:    cfg.Limiter,
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		now:        cfg.Clock,
	}
	if a.now == nil {
		a.now = time.Now
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/login", a.handleLogin)
	a.mux.HandleFunc("/v1/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/reauth", a.handleReauth)

	// payments
	a.mux.HandleFunc("/v1/payments", a.handlePaymentsCollection)
	a.mux.HandleFunc("/v1/payments/", a.handlePaymentResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with the standard middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = SecurityHeaders(h)
	h = MaxBodyBytes(h, 1<<20)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "payguard-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "payguard-api",
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps domain errors to HTTP statuses. Step-up failures are
// distinguishable by status, never by which credential was wrong.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrInvalidAmount), errors.Is(err, payment.ErrInvalidCurrency):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payment.ErrConfirmationMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, payment.ErrAlreadySent), errors.Is(err, payment.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, payment.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, stepup.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, stepup.ErrReauthRequired),
		errors.Is(err, stepup.ErrInvalidCredentials),
		errors.Is(err, stepup.ErrInvalidSecondFactor):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, actor.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
