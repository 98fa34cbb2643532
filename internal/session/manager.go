// Package session owns the console's credential: it hydrates it at startup, replaces it on
// login and refresh, and clears it on logout or expiry. Concurrent refresh demands within
// one session collapse into a single backend call.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
	"qazna.org/console/internal/obs"
)

// State is the lifecycle state of a session.
type State string

const (
	StateLoggedOut  State = "LOGGED_OUT"
	StateActive     State = "ACTIVE"
	StateRefreshing State = "REFRESHING"
)

const (
	defaultLoginTimeout   = 10 * time.Second
	defaultRefreshTimeout = 10 * time.Second
)

// expired is returned to every caller whose session ended under it.
var expired error = &auth.AuthenticationError{Reason: auth.ErrSessionExpired}

// Manager holds the current credential and principal.
type Manager struct {
	backend backend.AuthBackend
	store   CredentialStore
	log     *zap.Logger
	now     func() time.Time

	loginTimeout   time.Duration
	refreshTimeout time.Duration
	onExpired      func()

	flights singleflight.Group

	mu        sync.RWMutex
	state     State
	cred      auth.Credential
	principal auth.Principal
	// gen identifies the current session; done closes when it ends.
	gen  uint64
	done chan struct{}
}

// Option configures Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger overrides the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithLoginTimeout bounds login, logout and principal lookups.
func WithLoginTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.loginTimeout = d
		}
	}
}

// WithRefreshTimeout bounds one refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithExpiredHandler registers fn to run once each time an active session expires.
// It is not called for explicit logout.
func WithExpiredHandler(fn func()) Option {
	return func(m *Manager) { m.onExpired = fn }
}

// NewManager returns a logged-out manager. Call Hydrate to restore a persisted session.
func NewManager(b backend.AuthBackend, store CredentialStore, opts ...Option) (*Manager, error) {
	if b == nil {
		return nil, errors.New("session: auth backend is required")
	}
	if store == nil {
		return nil, errors.New("session: credential store is required")
	}
	m := &Manager{
		backend:        b,
		store:          store,
		log:            obs.Named("session"),
		now:            time.Now,
		loginTimeout:   defaultLoginTimeout,
		refreshTimeout: defaultRefreshTimeout,
		state:          StateLoggedOut,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// AccessToken returns the current access token, or "" when logged out.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.AccessToken
}

// Credential returns the current credential.
func (m *Manager) Credential() (auth.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred, m.state != StateLoggedOut
}

// Principal returns the authenticated principal.
func (m *Manager) Principal() (auth.Principal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.principal, m.state != StateLoggedOut
}

// Hydrate restores a persisted session. An expired access token is refreshed first, then
// the principal is fetched and must be active. Any failure clears the persisted state and
// leaves the manager logged out.
func (m *Manager) Hydrate(ctx context.Context) State {
	cred, ok, err := m.store.Load(ctx)
	if err != nil {
		m.log.Warn("load persisted credential", zap.Error(err))
	}
	if err != nil || !ok {
		m.discard(ctx)
		return StateLoggedOut
	}
	if exp, known := auth.TokenExpiry(cred.AccessToken); known {
		cred.ExpiresAt = exp
	}

	if cred.Expired(m.now()) {
		rctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
		grant, err := m.backend.Refresh(rctx, cred.RefreshToken)
		cancel()
		if err != nil {
			m.log.Info("persisted session could not be refreshed", zap.Error(err))
			m.discard(ctx)
			return StateLoggedOut
		}
		cred = grant.Credential(m.now(), cred.RefreshToken)
	}

	lctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	p, err := m.backend.CurrentUser(lctx, cred.AccessToken)
	cancel()
	if err == nil && !p.Active() {
		err = &auth.AuthenticationError{Reason: auth.ErrAccountInactive}
	}
	if err != nil {
		m.log.Info("persisted session rejected", zap.Error(err))
		m.discard(ctx)
		return StateLoggedOut
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked()
	m.cred, m.principal, m.state = cred, p, StateActive
	if err := m.store.Save(ctx, cred); err != nil {
		m.log.Warn("persist hydrated credential", zap.Error(err))
	}
	m.log.Info("session restored", zap.String("username", p.Username))
	return StateActive
}

// Login exchanges username and password for a credential and loads the principal. On
// failure the current session and the persisted state are left untouched.
func (m *Manager) Login(ctx context.Context, username, password string) (auth.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	defer cancel()

	grant, err := m.backend.Login(ctx, username, password)
	if err != nil {
		return auth.Credential{}, asNetwork("login", err)
	}
	cred := grant.Credential(m.now(), "")
	if !cred.Valid() {
		return auth.Credential{}, &auth.NetworkError{Op: "login", Err: errors.New("incomplete token grant")}
	}
	p, err := m.backend.CurrentUser(ctx, cred.AccessToken)
	if err == nil && !p.Active() {
		err = &auth.AuthenticationError{Reason: auth.ErrAccountInactive}
	}
	if err != nil {
		m.revoke(cred.AccessToken)
		return auth.Credential{}, asNetwork("login", err)
	}

	m.mu.Lock()
	if err := m.store.Save(ctx, cred); err != nil {
		m.mu.Unlock()
		m.revoke(cred.AccessToken)
		return auth.Credential{}, err
	}
	m.endLocked()
	m.cred, m.principal, m.state = cred, p, StateActive
	m.mu.Unlock()

	_ = audit.LogEvent(auth.ContextWithPrincipal(ctx, p), "login", map[string]any{"username": p.Username})
	return cred, nil
}

// Logout ends the session locally, failing any refresh waiters, then asks the backend to
// revoke the tokens. Calling it while logged out is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	token, p := m.cred.AccessToken, m.principal
	active := m.state != StateLoggedOut
	m.endLocked()
	err := m.store.Clear(ctx)
	m.mu.Unlock()

	if active && token != "" {
		m.revoke(token)
		_ = audit.LogEvent(auth.ContextWithPrincipal(ctx, p), "logout", nil)
	}
	return err
}

// Refresh obtains a new access token. Concurrent calls within one session share a
// single backend call and its outcome.
func (m *Manager) Refresh(ctx context.Context) (auth.Credential, error) {
	m.mu.RLock()
	basis := m.cred.AccessToken
	m.mu.RUnlock()
	return m.RefreshStale(ctx, basis)
}

// RefreshStale refreshes because staleToken was rejected. When the current token already
// differs from staleToken, the current credential is returned without a backend call.
func (m *Manager) RefreshStale(ctx context.Context, staleToken string) (auth.Credential, error) {
	m.mu.RLock()
	if m.state == StateLoggedOut {
		m.mu.RUnlock()
		return auth.Credential{}, expired
	}
	if staleToken != m.cred.AccessToken {
		cred := m.cred
		m.mu.RUnlock()
		return cred, nil
	}
	gen, done := m.gen, m.done
	m.mu.RUnlock()

	ch := m.flights.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return m.runRefresh(gen, staleToken)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return auth.Credential{}, res.Err
		}
		return res.Val.(auth.Credential), nil
	case <-done:
		return auth.Credential{}, expired
	case <-ctx.Done():
		return auth.Credential{}, ctx.Err()
	}
}

func (m *Manager) runRefresh(gen uint64, basis string) (auth.Credential, error) {
	m.mu.Lock()
	if m.gen != gen || m.state == StateLoggedOut {
		m.mu.Unlock()
		return auth.Credential{}, expired
	}
	if m.cred.AccessToken != basis {
		cred := m.cred
		m.mu.Unlock()
		return cred, nil
	}
	refreshToken := m.cred.RefreshToken
	m.state = StateRefreshing
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()
	grant, err := m.backend.Refresh(ctx, refreshToken)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		obs.RefreshTotal.WithLabelValues("discarded").Inc()
		return auth.Credential{}, expired
	}
	if err != nil {
		if isTransient(err) {
			m.state = StateActive
			m.mu.Unlock()
			obs.RefreshTotal.WithLabelValues("network").Inc()
			m.log.Warn("token refresh failed, session kept", zap.Error(err))
			return auth.Credential{}, asNetwork("refresh", err)
		}
		m.expireLocked()
		m.mu.Unlock()
		obs.RefreshTotal.WithLabelValues("expired").Inc()
		m.log.Info("token refresh rejected, session expired", zap.Error(err))
		m.notifyExpired()
		return auth.Credential{}, expired
	}

	cred := grant.Credential(m.now(), refreshToken)
	m.cred, m.state = cred, StateActive
	if err := m.store.Save(context.Background(), cred); err != nil {
		m.log.Warn("persist refreshed credential", zap.Error(err))
	}
	m.mu.Unlock()
	obs.RefreshTotal.WithLabelValues("ok").Inc()
	return cred, nil
}

// Invalidate expires the session if token is still its access token. It reports whether
// the session was ended by this call.
func (m *Manager) Invalidate(token string) bool {
	m.mu.Lock()
	if token == "" || m.state == StateLoggedOut || token != m.cred.AccessToken {
		m.mu.Unlock()
		return false
	}
	m.expireLocked()
	m.mu.Unlock()
	m.log.Info("session invalidated")
	m.notifyExpired()
	return true
}

// expireLocked ends the session and clears the persisted state.
func (m *Manager) expireLocked() {
	m.endLocked()
	if err := m.store.Clear(context.Background()); err != nil {
		m.log.Warn("clear persisted credential", zap.Error(err))
	}
}

// endLocked starts a new generation: waiters of the old one are released with expired.
func (m *Manager) endLocked() {
	close(m.done)
	m.done = make(chan struct{})
	m.gen++
	m.cred = auth.Credential{}
	m.principal = auth.Principal{}
	m.state = StateLoggedOut
}

func (m *Manager) discard(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked()
	if err := m.store.Clear(ctx); err != nil {
		m.log.Warn("clear persisted credential", zap.Error(err))
	}
}

func (m *Manager) notifyExpired() {
	if m.onExpired != nil {
		m.onExpired()
	}
}

// revoke asks the backend to drop token's server-side session. Failures are logged only.
func (m *Manager) revoke(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.loginTimeout)
	defer cancel()
	if err := m.backend.Logout(ctx, token); err != nil {
		m.log.Debug("remote logout failed", zap.Error(err))
	}
}

func isTransient(err error) bool {
	return errors.Is(err, auth.ErrNetwork) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// asNetwork wraps bare timeouts; typed errors pass through.
func asNetwork(op string, err error) error {
	var ne *auth.NetworkError
	if errors.As(err, &ne) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &auth.NetworkError{Op: op, Err: err}
	}
	return err
}
