// Package mock serves the console API in-process from a seeded in-memory store. It plugs
// in as an http.RoundTripper, so the remote clients run unchanged against it.
package mock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/httpapi"
	"qazna.org/console/internal/obs"
	"qazna.org/console/internal/rbac"
	"qazna.org/console/internal/store/memstore"
)

// BaseURL is the address the mock answers on. Any host works; this one reads well in logs.
const BaseURL = "http://mock.qazna.local"

const defaultSecret = "mock-backend-secret"

// ErrOffline is returned by RoundTrip while the backend is switched off.
var ErrOffline = errors.New("mock backend offline")

type config struct {
	latency   time.Duration
	now       func() time.Time
	accessTTL time.Duration
	secret    string
	fixtures  *memstore.Fixtures
	log       *zap.Logger
}

// Option configures the mock backend.
type Option func(*config)

// WithLatency delays every response.
func WithLatency(d time.Duration) Option {
	return func(c *config) { c.latency = d }
}

// WithClock drives token issuance and audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithAccessTTL shortens or extends access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(c *config) { c.accessTTL = ttl }
}

// WithSecret sets the token signing secret.
func WithSecret(secret string) Option {
	return func(c *config) {
		if secret != "" {
			c.secret = secret
		}
	}
}

// WithFixtures replaces the demo dataset.
func WithFixtures(f memstore.Fixtures) Option {
	return func(c *config) { c.fixtures = &f }
}

// WithLogger sets the logger of the embedded server.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.log = l }
}

// Backend is an in-process console server.
type Backend struct {
	store   *memstore.Store
	auth    *auth.Service
	handler http.Handler
	latency time.Duration
	offline atomic.Bool
	calls   atomic.Int64
}

// New seeds a store and mounts the API over it.
func New(opts ...Option) (*Backend, error) {
	cfg := config{now: time.Now, secret: defaultSecret}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = obs.Named("mock")
	}

	store := memstore.New(memstore.WithClock(cfg.now))
	fixtures := memstore.DefaultFixtures()
	if cfg.fixtures != nil {
		fixtures = *cfg.fixtures
	}
	if err := store.Seed(fixtures); err != nil {
		return nil, fmt.Errorf("mock: seed: %w", err)
	}

	authOpts := []auth.ServiceOption{
		auth.WithTokenSecret(cfg.secret),
		auth.WithClock(cfg.now),
		auth.WithLogger(cfg.log),
	}
	if cfg.accessTTL > 0 {
		authOpts = append(authOpts, auth.WithAccessTTL(cfg.accessTTL))
	}
	authSvc, err := auth.NewService(store, store, authOpts...)
	if err != nil {
		return nil, err
	}
	rbacSvc, err := rbac.NewService(store, rbac.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}
	api, err := httpapi.New(httpapi.Deps{
		Auth:    authSvc,
		RBAC:    rbacSvc,
		Audit:   store,
		Ready:   store,
		Version: "mock",
		Logger:  cfg.log,
	}, httpapi.WithLoginRateLimit(1000, 1000))
	if err != nil {
		return nil, err
	}
	return &Backend{
		store:   store,
		auth:    authSvc,
		handler: api.Handler(),
		latency: cfg.latency,
	}, nil
}

// RoundTrip serves req without touching the network.
func (b *Backend) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer req.Body.Close()
	}
	ctx := req.Context()
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.offline.Load() {
		return nil, ErrOffline
	}
	b.calls.Add(1)

	in := req.Clone(ctx)
	in.RequestURI = in.URL.RequestURI()
	if in.RemoteAddr == "" {
		in.RemoteAddr = "127.0.0.1:0"
	}
	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, in)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func (b *Backend) wait(ctx context.Context) error {
	if b.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Client returns an *http.Client routed to the backend.
func (b *Backend) Client() *http.Client {
	return &http.Client{Transport: b}
}

// Handler exposes the mounted API.
func (b *Backend) Handler() http.Handler { return b.handler }

// Store exposes the seeded store.
func (b *Backend) Store() *memstore.Store { return b.store }

// Auth exposes the token authority.
func (b *Backend) Auth() *auth.Service { return b.auth }

// SetOffline makes every subsequent round trip fail with ErrOffline.
func (b *Backend) SetOffline(off bool) { b.offline.Store(off) }

// Calls counts the requests served.
func (b *Backend) Calls() int64 { return b.calls.Load() }
