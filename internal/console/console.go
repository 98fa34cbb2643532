// Package console wires the session manager, request pipeline and backend strategy
// selected by configuration into one administrator console.
package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
	"qazna.org/console/internal/backend/mock"
	"qazna.org/console/internal/backend/remote"
	"qazna.org/console/internal/config"
	"qazna.org/console/internal/obs"
	"qazna.org/console/internal/pipeline"
	"qazna.org/console/internal/rbac"
	"qazna.org/console/internal/session"
)

// Console is the client-side core: one session, one pipeline, one backend.
type Console struct {
	session  *session.Manager
	pipeline *pipeline.Pipeline
	domain   backend.DomainBackend
	catalog  *rbac.Resolver
	mock     *mock.Backend
	closers  []func() error
	log      *zap.Logger
}

type options struct {
	store     session.CredentialStore
	client    *http.Client
	mock      *mock.Backend
	mockOpts  []mock.Option
	onExpired func()
	log       *zap.Logger
}

// Option configures New.
type Option func(*options)

// WithCredentialStore replaces the store chosen by session.store.
func WithCredentialStore(s session.CredentialStore) Option {
	return func(o *options) { o.store = s }
}

// WithHTTPClient sets the client used in remote mode.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithMockBackend reuses an existing in-process backend in mock mode.
func WithMockBackend(b *mock.Backend) Option {
	return func(o *options) { o.mock = b }
}

// WithMockOptions passes options to the mock backend New creates.
func WithMockOptions(opts ...mock.Option) Option {
	return func(o *options) { o.mockOpts = append(o.mockOpts, opts...) }
}

// WithExpiredHandler is called once each time a session expires.
func WithExpiredHandler(fn func()) Option {
	return func(o *options) { o.onExpired = fn }
}

// WithLogger overrides the console logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// New builds a console from cfg. The backend strategy is fixed for the console's lifetime.
func New(cfg *config.Config, opts ...Option) (*Console, error) {
	if cfg == nil {
		return nil, errors.New("console: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: obs.Named("console")}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Console{log: o.log}

	var (
		baseURL string
		client  *http.Client
	)
	switch cfg.Backend.Mode {
	case config.BackendMock:
		b := o.mock
		if b == nil {
			mopts := []mock.Option{mock.WithLatency(cfg.Backend.MockLatency), mock.WithLogger(o.log.Named("mock"))}
			var err error
			if b, err = mock.New(append(mopts, o.mockOpts...)...); err != nil {
				return nil, err
			}
		}
		c.mock = b
		baseURL, client = mock.BaseURL, b.Client()
	case config.BackendRemote:
		baseURL, client = cfg.Backend.BaseURL, o.client
		if client == nil {
			client = &http.Client{Timeout: cfg.Backend.Timeout}
		}
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = c.credentialStore(cfg); err != nil {
			return nil, err
		}
	}

	authClient, err := remote.NewAuthClient(baseURL, client)
	if err != nil {
		return nil, err
	}
	mopts := []session.Option{
		session.WithLogger(o.log.Named("session")),
		session.WithLoginTimeout(cfg.Session.LoginTimeout),
		session.WithRefreshTimeout(cfg.Session.RefreshTimeout),
	}
	if o.onExpired != nil {
		mopts = append(mopts, session.WithExpiredHandler(o.onExpired))
	}
	if c.session, err = session.NewManager(authClient, store, mopts...); err != nil {
		return nil, err
	}

	c.pipeline = pipeline.New(c.session,
		pipeline.WithHTTPClient(client),
		pipeline.WithTimeout(cfg.Backend.Timeout),
		pipeline.WithAuthorizer(rbac.HasPermission),
		pipeline.WithLogger(o.log.Named("pipeline")),
	)
	domain, err := remote.NewDomainClient(baseURL, c.pipeline)
	if err != nil {
		return nil, err
	}
	c.domain = domain
	c.catalog = rbac.NewResolver(domain, cfg.RBAC.CatalogTTL)
	return c, nil
}

func (c *Console) credentialStore(cfg *config.Config) (session.CredentialStore, error) {
	switch cfg.Session.Store {
	case config.SessionMemory:
		return session.NewMemoryStore(), nil
	case config.SessionRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
		})
		c.closers = append(c.closers, rdb.Close)
		return session.NewRedisStore(rdb, cfg.Session.Redis.Prefix), nil
	default:
		path := cfg.Session.Path
		if path == "" {
			var err error
			if path, err = session.DefaultCredentialPath(); err != nil {
				return nil, err
			}
		}
		return session.NewFileStore(path)
	}
}

// Hydrate restores the persisted session, if any.
func (c *Console) Hydrate(ctx context.Context) session.State {
	return c.session.Hydrate(ctx)
}

// Login starts a session for username.
func (c *Console) Login(ctx context.Context, username, password string) (auth.Principal, error) {
	if _, err := c.session.Login(ctx, username, password); err != nil {
		return auth.Principal{}, err
	}
	c.catalog.Invalidate()
	p, _ := c.session.Principal()
	return p, nil
}

// Logout ends the session locally and asks the backend to revoke it.
func (c *Console) Logout(ctx context.Context) error {
	c.catalog.Invalidate()
	return c.session.Logout(ctx)
}

// Principal returns the signed-in operator.
func (c *Console) Principal() (auth.Principal, bool) {
	return c.session.Principal()
}

// Can reports whether the signed-in operator holds code. It is false when logged out.
func (c *Console) Can(code string) bool {
	p, ok := c.session.Principal()
	return ok && c.catalog.Can(p, code)
}

// GroupedPermissions returns the permission catalog grouped by module, cached for the
// configured catalog TTL.
func (c *Console) GroupedPermissions(ctx context.Context) ([]rbac.ModuleGroup, error) {
	if !c.Can(auth.PermPermissionView) {
		return nil, fmt.Errorf("%w: %s", auth.ErrInsufficientPermission, auth.PermPermissionView)
	}
	return c.catalog.Grouped(ctx)
}

// Domain is the authenticated administration surface.
func (c *Console) Domain() backend.DomainBackend { return c.domain }

// Session exposes the session manager.
func (c *Console) Session() *session.Manager { return c.session }

// Mock returns the in-process backend in mock mode, nil otherwise.
func (c *Console) Mock() *mock.Backend { return c.mock }

// Close releases connections opened by New.
func (c *Console) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
