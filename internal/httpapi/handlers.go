// Package httpapi serves the console backend's REST API: token endpoints, the
// permission catalog, role and branch administration and the audit trail.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
	"qazna.org/console/internal/obs"
	"qazna.org/console/internal/rbac"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultRateBurst    = 10
	defaultRatePerSec   = 5
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditFeed streams committed audit entries.
type AuditFeed interface {
	Subscribe(ctx context.Context, f audit.Filter) <-chan audit.Entry
}

// Deps are the services behind the API. Feed is optional.
type Deps struct {
	Auth    *auth.Service
	RBAC    *rbac.Service
	Audit   audit.Querier
	Feed    AuditFeed
	Ready   Pinger
	Version string
	Logger  *zap.Logger
}

// API is the HTTP layer.
type API struct {
	router  chi.Router
	auth    *auth.Service
	rbac    *rbac.Service
	audit   audit.Querier
	feed    AuditFeed
	ready   Pinger
	version string
	log     *zap.Logger

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

// Option tunes the API.
type Option func(*API)

// WithLoginRateLimit sets the per-client token bucket in front of /auth/login.
func WithLoginRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// New wires the routes.
func New(d Deps, opts ...Option) (*API, error) {
	if d.Auth == nil || d.RBAC == nil || d.Audit == nil {
		return nil, errors.New("httpapi: auth, rbac and audit services are required")
	}
	a := &API{
		auth:       d.Auth,
		rbac:       d.RBAC,
		audit:      d.Audit,
		feed:       d.Feed,
		ready:      d.Ready,
		version:    d.Version,
		log:        d.Logger,
		rateBurst:  defaultRateBurst,
		ratePerSec: defaultRatePerSec,
		maxBody:    defaultMaxBodyBytes,
	}
	if a.log == nil {
		a.log = obs.Named("httpapi")
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, RequestID, a.LoggingJSON, SecurityHeaders, CORS)
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, auth.CodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, auth.CodeInvalidInput, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.With(func(next http.Handler) http.Handler {
			return RateLimit(next, a.rateBurst, a.ratePerSec)
		}).Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Get("/users/me", a.handleMe)
		r.With(a.requirePermission(auth.PermUserUpdate)).Put("/users/{id}/roles", a.handleAssignRoles)

		r.With(a.requirePermission(auth.PermPermissionView)).Get("/permissions", a.handlePermissions)
		r.With(a.requirePermission(auth.PermPermissionView)).Get("/permissions/grouped", a.handleGroupedPermissions)

		r.With(a.requirePermission(auth.PermRoleView)).Get("/roles", a.handleListRoles)
		r.With(a.requirePermission(auth.PermRoleCreate)).Post("/roles", a.handleCreateRole)
		r.With(a.requirePermission(auth.PermRoleView)).Get("/roles/{id}", a.handleGetRole)
		r.With(a.requirePermission(auth.PermRoleUpdate)).Put("/roles/{id}", a.handleUpdateRole)
		r.With(a.requirePermission(auth.PermRoleDelete)).Delete("/roles/{id}", a.handleDeleteRole)
		r.With(a.requirePermission(auth.PermRoleUpdate)).Put("/roles/{id}/permissions", a.handleSetRolePermissions)

		r.With(a.requirePermission(auth.PermBranchView)).Get("/branches", a.handleListBranches)
		r.With(a.requirePermission(auth.PermBranchDelete)).Delete("/branches/{id}", a.handleDeleteBranch)

		r.With(a.requirePermission(auth.PermAuditView)).Get("/audit-logs", a.handleAuditLogs)
		if a.feed != nil {
			r.With(a.requirePermission(auth.PermAuditView)).Get("/audit-logs/stream", a.handleAuditStream)
		}
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "qazna-console",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData[T any](w http.ResponseWriter, code int, data T) {
	writeJSON(w, code, backend.Envelope[T]{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(backend.HeaderRequestID, rid)
	}
	writeJSON(w, status, backend.Envelope[any]{
		Success:   false,
		Message:   msg,
		Code:      code,
		Timestamp: time.Now().UTC(),
	})
}

// respondError maps a service error to its status and envelope code.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := auth.Code(err)
	msg := auth.Message(err)
	if status == http.StatusInternalServerError {
		obs.LoggerFrom(r.Context()).Error("request failed", zap.Error(err))
		code, msg = auth.CodeInternal, "internal error"
	}
	writeError(w, r, status, code, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrSessionExpired), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInsufficientPermission):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrDuplicateRoleCode):
		return http.StatusConflict
	case errors.Is(err, auth.ErrValidation), errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrSystemRoleProtected), errors.Is(err, auth.ErrProtectedEntity),
		errors.Is(err, auth.ErrUnknownPermissionCode):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return auth.Invalid(auth.ErrInvalidInput, "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return auth.Invalid(auth.ErrInvalidInput, "request body too large")
		}
		return auth.Invalid(auth.ErrInvalidInput, "malformed JSON: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return auth.Invalid(auth.ErrInvalidInput, "unexpected data after JSON body")
	}
	return nil
}
