package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
	"qazna.org/console/internal/rbac"
	"qazna.org/console/internal/store/memstore"
	"qazna.org/console/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memstore.Store
	hub     *stream.Hub
	t       *testing.T
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	store, err := memstore.NewSeeded()
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	authSvc, err := auth.NewService(store, store, auth.WithTokenSecret("test-secret"))
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	hub := stream.New()
	rbacSvc, err := rbac.NewService(store, rbac.WithPublisher(hub))
	if err != nil {
		t.Fatalf("rbac service: %v", err)
	}
	api, err := New(Deps{Auth: authSvc, RBAC: rbacSvc, Audit: store, Feed: hub, Ready: store, Version: "test"},
		append([]Option{WithLoginRateLimit(100, 100)}, opts...)...)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		hub:     hub,
		t:       t,
	}
}

func (c *apiClient) send(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.send(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.send(http.MethodGet, path, nil, headers)
}

func (c *apiClient) login(username, password string) backend.TokenGrant {
	c.t.Helper()
	resp := c.post("/auth/login", loginRequest{Username: username, Password: password}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	env := decode[backend.Envelope[backend.TokenGrant]](c.t, resp)
	if env.Data.AccessToken == "" || env.Data.RefreshToken == "" {
		c.t.Fatalf("incomplete grant: %+v", env.Data)
	}
	return env.Data
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	env := decode[backend.Envelope[json.RawMessage]](t, resp)
	if env.Success {
		t.Fatalf("expected success=false")
	}
	if env.Code != code {
		t.Fatalf("expected code %s, got %q (%s)", code, env.Code, env.Message)
	}
}

func TestLoginRefreshLogoutFlow(t *testing.T) {
	c := newTestAPI(t)
	grant := c.login("admin", "admin123")
	if grant.TokenType != "Bearer" || grant.ExpiresIn <= 0 {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	me := decode[backend.Envelope[auth.Principal]](t, c.get("/users/me", nil, bearerHeader(grant.AccessToken)))
	if me.Data.Username != "admin" || len(me.Data.Roles) == 0 {
		t.Fatalf("unexpected principal: %+v", me.Data)
	}

	resp := c.post("/auth/refresh", refreshRequest{RefreshToken: grant.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	refreshed := decode[backend.Envelope[backend.TokenGrant]](t, resp)
	if refreshed.Data.AccessToken == "" || refreshed.Data.RefreshToken != "" {
		t.Fatalf("refresh must renew only the access token: %+v", refreshed.Data)
	}

	resp = c.post("/auth/logout", nil, bearerHeader(refreshed.Data.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	resp.Body.Close()

	expectError(t, c.post("/auth/refresh", refreshRequest{RefreshToken: grant.RefreshToken}, nil),
		http.StatusUnauthorized, auth.CodeSessionExpired)
}

func TestLoginRejections(t *testing.T) {
	c := newTestAPI(t)
	expectError(t, c.post("/auth/login", loginRequest{Username: "admin", Password: "nope"}, nil),
		http.StatusUnauthorized, auth.CodeInvalidCredentials)
	expectError(t, c.post("/auth/login", loginRequest{Username: "ghost", Password: "admin123"}, nil),
		http.StatusUnauthorized, auth.CodeInvalidCredentials)
	expectError(t, c.post("/auth/login", loginRequest{Username: "locked", Password: "locked123"}, nil),
		http.StatusUnauthorized, auth.CodeAccountInactive)
	expectError(t, c.post("/auth/login", map[string]any{"user": "admin"}, nil),
		http.StatusBadRequest, auth.CodeInvalidInput)
}

func TestAPIEnforcesAuth(t *testing.T) {
	c := newTestAPI(t)
	expectError(t, c.get("/roles", nil, nil), http.StatusUnauthorized, auth.CodeSessionExpired)
	expectError(t, c.get("/roles", nil, bearerHeader("garbage")), http.StatusUnauthorized, auth.CodeSessionExpired)

	teller := c.login("teller", "teller123")
	expectError(t, c.get("/roles", nil, bearerHeader(teller.AccessToken)),
		http.StatusForbidden, auth.CodeInsufficientPermission)

	auditor := c.login("auditor", "auditor123")
	resp := c.get("/roles", nil, bearerHeader(auditor.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auditor may view roles, got %d", resp.StatusCode)
	}
	roles := decode[backend.Envelope[[]auth.Role]](t, resp)
	if len(roles.Data) != 4 {
		t.Fatalf("expected 4 seeded roles, got %d", len(roles.Data))
	}
	expectError(t, c.send(http.MethodDelete, "/roles/3", nil, bearerHeader(auditor.AccessToken)),
		http.StatusForbidden, auth.CodeInsufficientPermission)
}

func TestRoleAdministrationIsAudited(t *testing.T) {
	c := newTestAPI(t)
	admin := c.login("admin", "admin123")
	h := bearerHeader(admin.AccessToken)
	h[backend.HeaderOperationID] = "op-create-1"

	resp := c.post("/roles", rbac.RoleInput{Code: "LOAN_OFFICER", Name: "Loan officer", PermissionCodes: []string{auth.PermCustomerView}}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	created := decode[backend.Envelope[auth.Role]](t, resp).Data

	delete(h, backend.HeaderOperationID)
	expectError(t, c.post("/roles", rbac.RoleInput{Code: "LOAN_OFFICER", Name: "Again"}, h),
		http.StatusConflict, auth.CodeDuplicateRoleCode)
	expectError(t, c.post("/roles", rbac.RoleInput{Code: "BAD_PERMS", Name: "Bad", PermissionCodes: []string{"NOPE"}}, h),
		http.StatusBadRequest, auth.CodeUnknownPermissionCode)
	expectError(t, c.send(http.MethodDelete, "/roles/1", nil, h),
		http.StatusBadRequest, auth.CodeSystemRoleProtected)
	expectError(t, c.get("/roles/999", nil, h), http.StatusNotFound, auth.CodeNotFound)

	resp = c.send(http.MethodPut, "/roles/"+strconv.FormatInt(created.ID, 10)+"/permissions",
		rolePermissionsRequest{PermissionCodes: []string{auth.PermAccountView}}, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set permissions status %d", resp.StatusCode)
	}
	updated := decode[backend.Envelope[auth.Role]](t, resp).Data
	if got := updated.PermissionCodes(); len(got) != 1 || got[0] != auth.PermAccountView {
		t.Fatalf("unexpected permissions %v", got)
	}

	page := decode[backend.Envelope[audit.Page]](t, c.get("/audit-logs", url.Values{"module": {"ROLE"}}, h)).Data
	if page.TotalElements != 2 {
		t.Fatalf("expected 2 role entries, got %d", page.TotalElements)
	}
	if page.Items[0].Action != "UPDATE" || page.Items[1].Action != "CREATE" {
		t.Fatalf("entries must be newest first: %s, %s", page.Items[0].Action, page.Items[1].Action)
	}
	if page.Items[1].OperationID != "op-create-1" || page.Items[1].ActorID != 1 {
		t.Fatalf("create entry lost its context: %+v", page.Items[1])
	}
	if page.Items[1].IPAddress == "" {
		t.Fatalf("expected client ip on entry")
	}

	byOp := decode[backend.Envelope[audit.Page]](t, c.get("/audit-logs", url.Values{"operationId": {"op-create-1"}}, h)).Data
	if byOp.TotalElements != 1 {
		t.Fatalf("expected one entry for the operation, got %d", byOp.TotalElements)
	}
}

func TestBranchRoutes(t *testing.T) {
	c := newTestAPI(t)
	h := bearerHeader(c.login("admin", "admin123").AccessToken)

	branches := decode[backend.Envelope[[]auth.Branch]](t, c.get("/branches", nil, h)).Data
	if len(branches) != 3 {
		t.Fatalf("expected 3 branches, got %d", len(branches))
	}
	expectError(t, c.send(http.MethodDelete, "/branches/1", nil, h), http.StatusBadRequest, auth.CodeProtectedEntity)
	resp := c.send(http.MethodDelete, "/branches/2", nil, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp.Body.Close()
	expectError(t, c.send(http.MethodDelete, "/branches/abc", nil, h), http.StatusBadRequest, auth.CodeInvalidInput)
	if n := len(c.store.Entries()); n != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", n)
	}
}

func TestGroupedPermissionsKeyedByModule(t *testing.T) {
	c := newTestAPI(t)
	h := bearerHeader(c.login("admin", "admin123").AccessToken)
	grouped := decode[backend.Envelope[map[string][]auth.Permission]](t, c.get("/permissions/grouped", nil, h)).Data
	if len(grouped) != 6 {
		t.Fatalf("expected 6 modules, got %d", len(grouped))
	}
	role := grouped[auth.ModuleRole]
	if len(role) != 5 || role[len(role)-1].Code != auth.PermPermissionView {
		t.Fatalf("unexpected ROLE module: %+v", role)
	}
}

func TestAuditLogsRejectsMalformedQuery(t *testing.T) {
	c := newTestAPI(t)
	h := bearerHeader(c.login("admin", "admin123").AccessToken)
	for _, q := range []url.Values{
		{"actorId": {"x"}},
		{"from": {"yesterday"}},
		{"page": {"one"}},
	} {
		expectError(t, c.get("/audit-logs", q, h), http.StatusBadRequest, auth.CodeInvalidInput)
	}
}

func TestAuditLogsHugePageIsEmpty(t *testing.T) {
	c := newTestAPI(t)
	h := bearerHeader(c.login("admin", "admin123").AccessToken)
	resp := c.send(http.MethodDelete, "/branches/2", nil, h)
	resp.Body.Close()

	resp = c.get("/audit-logs", url.Values{"page": {"100000000000000000"}, "size": {"100"}}, h)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	page := decode[backend.Envelope[audit.Page]](t, resp).Data
	if len(page.Items) != 0 || page.TotalElements != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.get("/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", resp.StatusCode)
	}
	resp.Body.Close()

	store, _ := memstore.NewSeeded()
	authSvc, _ := auth.NewService(store, store, auth.WithTokenSecret("s"))
	rbacSvc, _ := rbac.NewService(store)
	api, err := New(Deps{Auth: authSvc, RBAC: rbacSvc, Audit: store, Ready: failingPinger{}})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestNewRequiresServices(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error for missing services")
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&auth.AuthenticationError{Reason: auth.ErrInvalidCredentials}, http.StatusUnauthorized},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{auth.ErrInsufficientPermission, http.StatusForbidden},
		{auth.ErrNotFound, http.StatusNotFound},
		{auth.Invalid(auth.ErrDuplicateRoleCode, "X"), http.StatusConflict},
		{auth.Invalid(auth.ErrSystemRoleProtected, "X"), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
