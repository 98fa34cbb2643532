package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
	"qazna.org/console/internal/rbac"
	"qazna.org/console/internal/session"
)

type fakeAuth struct {
	mu      sync.Mutex
	seq     int
	onIssue func(token string)

	refreshCalls atomic.Int32
	refreshGate  chan struct{}
	refreshErr   error
	principal    auth.Principal
}

func (f *fakeAuth) next() string {
	f.mu.Lock()
	f.seq++
	tok := fmt.Sprintf("t%d", f.seq)
	f.mu.Unlock()
	if f.onIssue != nil {
		f.onIssue(tok)
	}
	return tok
}

func (f *fakeAuth) Login(context.Context, string, string) (backend.TokenGrant, error) {
	return backend.TokenGrant{AccessToken: f.next(), RefreshToken: "r", ExpiresIn: 3600}, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, _ string) (backend.TokenGrant, error) {
	f.refreshCalls.Add(1)
	if f.refreshGate != nil {
		select {
		case <-f.refreshGate:
		case <-ctx.Done():
			return backend.TokenGrant{}, ctx.Err()
		}
	}
	if f.refreshErr != nil {
		return backend.TokenGrant{}, f.refreshErr
	}
	return backend.TokenGrant{AccessToken: f.next(), ExpiresIn: 3600}, nil
}

func (f *fakeAuth) Logout(context.Context, string) error { return nil }

func (f *fakeAuth) CurrentUser(context.Context, string) (auth.Principal, error) {
	return f.principal, nil
}

type seen struct {
	token, operationID, body string
}

// tokenServer accepts only tokens marked valid and records every request.
type tokenServer struct {
	mu     sync.Mutex
	valid  map[string]bool
	seen   []seen
	status int
	*httptest.Server
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{valid: make(map[string]bool), status: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		body, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.seen = append(ts.seen, seen{token: token, operationID: r.Header.Get(backend.HeaderOperationID), body: string(body)})
		ok, status := ts.valid[token], ts.status
		ts.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok:" + token))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) setValid(token string, ok bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.valid[token] = ok
}

func (ts *tokenServer) requests() []seen {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]seen(nil), ts.seen...)
}

type harness struct {
	srv     *tokenServer
	fa      *fakeAuth
	mgr     *session.Manager
	pipe    *Pipeline
	expired atomic.Int32
}

func newHarness(t *testing.T, acceptNew bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{srv: newTokenServer(t)}
	h.fa = &fakeAuth{
		principal: auth.Principal{ID: 1, Username: "admin", Status: auth.UserStatusActive, Roles: []auth.Role{{
			Code:        "VIEWER",
			Permissions: []auth.Permission{{ID: 5, Code: auth.PermRoleView, Module: auth.ModuleRole}},
		}}},
	}
	h.fa.onIssue = func(tok string) { h.srv.setValid(tok, tok == "t1" || acceptNew) }

	mgr, err := session.NewManager(h.fa, session.NewMemoryStore(),
		session.WithExpiredHandler(func() { h.expired.Add(1) }))
	require.NoError(t, err)
	_, err = mgr.Login(context.Background(), "admin", "admin123")
	require.NoError(t, err)
	h.mgr = mgr
	h.pipe = New(mgr, append([]Option{WithHTTPClient(h.srv.Client())}, opts...)...)
	return h
}

func (h *harness) get(t *testing.T, ctx context.Context) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/roles", nil)
	require.NoError(t, err)
	return h.pipe.Do(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestAttachesBearerToken(t *testing.T) {
	h := newHarness(t, true)
	resp, err := h.get(t, context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok:t1", readBody(t, resp))
	reqs := h.srv.requests()
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].operationID, "reads carry no operation id")
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	h := newHarness(t, true)
	h.srv.setValid("t1", false)
	h.fa.refreshGate = make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	bodies := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.get(t, context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			bodies[i] = readBody(t, resp)
		}(i)
	}
	require.Eventually(t, func() bool {
		return len(h.srv.requests()) == n && h.fa.refreshCalls.Load() == 1
	}, 2*time.Second, time.Millisecond)
	close(h.fa.refreshGate)
	wg.Wait()

	require.Equal(t, int32(1), h.fa.refreshCalls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "ok:t2", bodies[i])
	}
	require.Len(t, h.srv.requests(), 2*n, "each request is replayed exactly once")
	require.Equal(t, int32(0), h.expired.Load())
}

func TestReplayReusesBodyAndOperationID(t *testing.T) {
	h := newHarness(t, true)
	h.srv.setValid("t1", false)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/roles", bytes.NewBufferString(`{"code":"X"}`))
	require.NoError(t, err)
	resp, err := h.pipe.Do(req)
	require.NoError(t, err)
	require.Equal(t, "ok:t2", readBody(t, resp))

	reqs := h.srv.requests()
	require.Len(t, reqs, 2)
	require.NotEmpty(t, reqs[0].operationID)
	require.Equal(t, reqs[0].operationID, reqs[1].operationID)
	require.Equal(t, `{"code":"X"}`, reqs[0].body)
	require.Equal(t, reqs[0].body, reqs[1].body)
	require.Equal(t, []string{"t1", "t2"}, []string{reqs[0].token, reqs[1].token})
}

func TestCallerOperationIDIsKept(t *testing.T) {
	h := newHarness(t, true)
	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/roles/3", nil)
	require.NoError(t, err)
	req.Header.Set(backend.HeaderOperationID, "op-42")
	resp, err := h.pipe.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "op-42", h.srv.requests()[0].operationID)
}

func TestSecondUnauthorizedEndsSession(t *testing.T) {
	h := newHarness(t, false)
	h.srv.setValid("t1", false)

	_, err := h.get(t, context.Background())
	require.ErrorIs(t, err, auth.ErrSessionExpired)
	require.True(t, IsSessionExpired(err))
	require.Equal(t, session.StateLoggedOut, h.mgr.State())
	require.Equal(t, int32(1), h.expired.Load())
	require.Len(t, h.srv.requests(), 2)

	resp, err := h.get(t, context.Background())
	require.NoError(t, err, "without a session the request goes out unauthenticated")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
	reqs := h.srv.requests()
	require.Len(t, reqs, 3)
	require.Empty(t, reqs[2].token)
	require.Equal(t, int32(1), h.expired.Load())
	require.Equal(t, int32(1), h.fa.refreshCalls.Load())
}

func TestLoggedOutRequestIsSentWithoutAuthorization(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.mgr.Logout(context.Background()))

	var gotAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer stale")
	resp, err := h.pipe.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{""}, gotAuth)
	require.Equal(t, int32(0), h.fa.refreshCalls.Load())
	require.Equal(t, int32(0), h.expired.Load(), "an explicit logout is not an expiry")
}

func TestRefreshRejectionSurfacesExpiry(t *testing.T) {
	h := newHarness(t, true)
	h.srv.setValid("t1", false)
	h.fa.refreshErr = auth.ErrSessionExpired

	_, err := h.get(t, context.Background())
	require.ErrorIs(t, err, auth.ErrSessionExpired)
	require.Equal(t, int32(1), h.expired.Load())
	require.Len(t, h.srv.requests(), 1)
}

func TestRefreshNetworkErrorKeepsSession(t *testing.T) {
	h := newHarness(t, true)
	h.srv.setValid("t1", false)
	h.fa.refreshErr = &auth.NetworkError{Op: "refresh", Err: errors.New("connection refused")}

	_, err := h.get(t, context.Background())
	require.ErrorIs(t, err, auth.ErrNetwork)
	require.Equal(t, session.StateActive, h.mgr.State())
	require.Equal(t, "t1", h.mgr.AccessToken())
	require.Equal(t, int32(0), h.expired.Load())
}

func TestOtherStatusesPassThrough(t *testing.T) {
	h := newHarness(t, true)
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		h.srv.mu.Lock()
		h.srv.status = status
		h.srv.mu.Unlock()
		resp, err := h.get(t, context.Background())
		require.NoError(t, err)
		require.Equal(t, status, resp.StatusCode)
		resp.Body.Close()
	}
	require.Equal(t, int32(0), h.fa.refreshCalls.Load())
}

func TestAuthorizerShortCircuits(t *testing.T) {
	h := newHarness(t, true, WithAuthorizer(rbac.HasPermission))

	ctx := RequirePermission(context.Background(), auth.PermRoleDelete)
	_, err := h.get(t, ctx)
	require.ErrorIs(t, err, auth.ErrInsufficientPermission)
	require.Empty(t, h.srv.requests())

	resp, err := h.get(t, RequirePermission(context.Background(), auth.PermRoleView))
	require.NoError(t, err)
	resp.Body.Close()
	require.Len(t, h.srv.requests(), 1)
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	h := newHarness(t, true, WithTimeout(time.Second))
	h.srv.Close()
	_, err := h.get(t, context.Background())
	require.ErrorIs(t, err, auth.ErrNetwork)
	require.Equal(t, session.StateActive, h.mgr.State())
}
