// Package pipeline sends authenticated requests on behalf of the current session. A 401
// triggers one shared refresh and a single replay; a second 401 ends the session.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
	"qazna.org/console/internal/ids"
	"qazna.org/console/internal/obs"
)

const defaultTimeout = 30 * time.Second

// Session is the part of session.Manager the pipeline drives.
type Session interface {
	AccessToken() string
	Principal() (auth.Principal, bool)
	RefreshStale(ctx context.Context, staleToken string) (auth.Credential, error)
	Invalidate(token string) bool
}

// Authorizer reports whether p holds the permission code.
type Authorizer func(p auth.Principal, code string) bool

var errExpired error = &auth.AuthenticationError{Reason: auth.ErrSessionExpired}

// Pipeline implements the Do method of *http.Client with session handling.
type Pipeline struct {
	session Session
	client  *http.Client
	authz   Authorizer
	log     *zap.Logger
	timeout time.Duration
}

// Option configures Pipeline.
type Option func(*Pipeline)

// WithHTTPClient sets the client used for dispatch.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.client = c
		}
	}
}

// WithTimeout bounds each network call, replays included.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = d
	}
}

// WithAuthorizer rejects requests whose required permission (see RequirePermission) the
// current principal lacks, before anything is sent.
func WithAuthorizer(a Authorizer) Option {
	return func(p *Pipeline) { p.authz = a }
}

// WithLogger overrides the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// New returns a pipeline bound to s.
func New(s Session, opts ...Option) *Pipeline {
	p := &Pipeline{
		session: s,
		client:  &http.Client{Timeout: defaultTimeout},
		log:     obs.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout > 0 {
		c := *p.client
		c.Timeout = p.timeout
		p.client = &c
	}
	return p
}

type requiredPermKey struct{}

// RequirePermission marks requests built with ctx as needing code.
func RequirePermission(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, requiredPermKey{}, code)
}

func requiredPermission(ctx context.Context) string {
	code, _ := ctx.Value(requiredPermKey{}).(string)
	return code
}

// Do sends req with the session's bearer token, or unauthenticated when there is no
// credential. Mutating requests get an X-Operation-ID unless they carry one; a replay
// reuses it. Statuses other than 401 are returned as is, and so is a 401 to an
// unauthenticated request.
func (p *Pipeline) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := p.authorize(ctx); err != nil {
		obs.PipelineRequestsTotal.WithLabelValues("denied").Inc()
		return nil, err
	}
	token := p.session.AccessToken()

	body, err := snapshot(req)
	if err != nil {
		return nil, err
	}
	base := req.Clone(ctx)
	if mutating(req.Method) && base.Header.Get(backend.HeaderOperationID) == "" {
		base.Header.Set(backend.HeaderOperationID, ids.Operation())
	}

	resp, err := p.send(base, body, token)
	if err != nil {
		return nil, err
	}
	if token == "" {
		// no credential: nothing to refresh, the response is final
		obs.PipelineRequestsTotal.WithLabelValues("anonymous").Inc()
		return resp, nil
	}
	if resp.StatusCode != http.StatusUnauthorized {
		obs.PipelineRequestsTotal.WithLabelValues("ok").Inc()
		return resp, nil
	}
	discard(resp)

	cred, err := p.session.RefreshStale(ctx, token)
	if err != nil {
		obs.PipelineRequestsTotal.WithLabelValues("refresh_failed").Inc()
		return nil, err
	}
	resp, err = p.send(base, body, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		p.session.Invalidate(cred.AccessToken)
		obs.PipelineRequestsTotal.WithLabelValues("expired").Inc()
		p.log.Info("replayed request rejected, session ended",
			zap.String("method", req.Method), zap.String("path", req.URL.Path))
		return nil, errExpired
	}
	obs.PipelineRequestsTotal.WithLabelValues("replayed").Inc()
	return resp, nil
}

func (p *Pipeline) authorize(ctx context.Context) error {
	if p.authz == nil {
		return nil
	}
	code := requiredPermission(ctx)
	if code == "" {
		return nil
	}
	principal, ok := p.session.Principal()
	if !ok {
		return errExpired
	}
	if !p.authz(principal, code) {
		return fmt.Errorf("%w: %s", auth.ErrInsufficientPermission, code)
	}
	return nil
}

func (p *Pipeline) send(base *http.Request, body []byte, token string) (*http.Response, error) {
	r := base.Clone(base.Context())
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	} else {
		r.Header.Del("Authorization")
	}
	resp, err := p.client.Do(r)
	if err != nil {
		obs.PipelineRequestsTotal.WithLabelValues("network").Inc()
		return nil, &auth.NetworkError{Op: base.Method + " " + base.URL.Path, Err: err}
	}
	return resp, nil
}

func snapshot(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return data, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// IsSessionExpired reports whether err means the caller must log in again.
func IsSessionExpired(err error) bool {
	return errors.Is(err, auth.ErrSessionExpired)
}
