// Package remote talks to a console backend over its JSON REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
)

// Doer sends HTTP requests. *http.Client and *pipeline.Pipeline both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a failed call the envelope did not classify.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

const maxResponseBytes = 4 << 20

type conn struct {
	base *url.URL
	doer Doer
}

func newConn(baseURL string, d Doer) (conn, error) {
	if d == nil {
		return conn{}, errors.New("remote: http client is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return conn{}, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return conn{}, fmt.Errorf("remote: base url %q must be absolute", baseURL)
	}
	return conn{base: u, doer: d}, nil
}

type call struct {
	method string
	path   string
	query  url.Values
	body   any
	token  string
}

func (c conn) newRequest(ctx context.Context, cl call) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + cl.path
	if cl.query != nil {
		u.RawQuery = cl.query.Encode()
	}
	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", cl.method, cl.path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}
	return req, nil
}

// do performs cl and decodes the envelope's data into T.
func do[T any](ctx context.Context, c conn, cl call) (T, error) {
	var zero T
	op := cl.method + " " + cl.path
	req, err := c.newRequest(ctx, cl)
	if err != nil {
		return zero, err
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return zero, transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return zero, &auth.NetworkError{Op: op, Err: err}
	}
	var env backend.Envelope[T]
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 300 {
				return zero, statusError(op, resp.StatusCode, "", strings.TrimSpace(string(raw)))
			}
			return zero, fmt.Errorf("decode %s: %w", op, err)
		}
	}
	if resp.StatusCode >= 300 || (len(raw) > 0 && !env.Success) {
		return zero, statusError(op, resp.StatusCode, env.Code, env.Message)
	}
	return env.Data, nil
}

// transportError keeps typed errors produced by a pipeline and wraps everything else.
func transportError(op string, err error) error {
	if errors.Is(err, auth.ErrNetwork) || errors.Is(err, auth.ErrSessionExpired) ||
		errors.Is(err, auth.ErrInsufficientPermission) || errors.Is(err, auth.ErrAuthentication) {
		return err
	}
	return &auth.NetworkError{Op: op, Err: err}
}

// statusError rebuilds the typed error of a failed call, preferring the envelope code.
func statusError(op string, status int, code, message string) error {
	if err := auth.FromCode(code, message); err != nil {
		return err
	}
	switch status {
	case http.StatusUnauthorized:
		return auth.ErrSessionExpired
	case http.StatusForbidden:
		return auth.ErrInsufficientPermission
	case http.StatusNotFound:
		if message == "" {
			return auth.ErrNotFound
		}
		return fmt.Errorf("%w: %s", auth.ErrNotFound, message)
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return &auth.ValidationError{Reason: auth.ErrInvalidInput, Detail: message}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return &auth.NetworkError{Op: op, Err: &StatusError{Status: status, Message: message}}
	}
	return &StatusError{Status: status, Message: message}
}

// AuthClient implements backend.AuthBackend. It sends tokens itself and must not be
// given a pipeline.
type AuthClient struct {
	c conn
}

var _ backend.AuthBackend = (*AuthClient)(nil)

// NewAuthClient returns a client for the auth endpoints under baseURL.
func NewAuthClient(baseURL string, d Doer) (*AuthClient, error) {
	c, err := newConn(baseURL, d)
	if err != nil {
		return nil, err
	}
	return &AuthClient{c: c}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *AuthClient) Login(ctx context.Context, username, password string) (backend.TokenGrant, error) {
	return do[backend.TokenGrant](ctx, a.c, call{
		method: http.MethodPost, path: "/auth/login",
		body: loginRequest{Username: username, Password: password},
	})
}

func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (backend.TokenGrant, error) {
	return do[backend.TokenGrant](ctx, a.c, call{
		method: http.MethodPost, path: "/auth/refresh",
		body: refreshRequest{RefreshToken: refreshToken},
	})
}

func (a *AuthClient) Logout(ctx context.Context, accessToken string) error {
	_, err := do[json.RawMessage](ctx, a.c, call{method: http.MethodPost, path: "/auth/logout", token: accessToken})
	return err
}

func (a *AuthClient) CurrentUser(ctx context.Context, accessToken string) (auth.Principal, error) {
	return do[auth.Principal](ctx, a.c, call{method: http.MethodGet, path: "/users/me", token: accessToken})
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
