package console

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend/mock"
	"qazna.org/console/internal/config"
	"qazna.org/console/internal/rbac"
	"qazna.org/console/internal/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.Store = config.SessionMemory
	return cfg
}

func newConsole(t *testing.T, cfg *config.Config, opts ...Option) *Console {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEveryMutationIsAuditedOnce(t *testing.T) {
	c := newConsole(t, memoryConfig())
	ctx := context.Background()
	_, err := c.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	d := c.Domain()

	role, err := d.CreateRole(ctx, rbac.RoleInput{Code: "CASHIER", Name: "Cashier", PermissionCodes: []string{auth.PermAccountView}})
	require.NoError(t, err)
	name := "Senior cashier"
	_, err = d.UpdateRole(ctx, role.ID, rbac.RoleUpdate{Name: &name})
	require.NoError(t, err)
	_, err = d.SetRolePermissions(ctx, role.ID, []string{auth.PermAccountView, auth.PermCustomerView})
	require.NoError(t, err)
	_, err = d.AssignRoles(ctx, 3, []int64{role.ID})
	require.NoError(t, err)
	require.NoError(t, d.DeleteBranch(ctx, 2))
	require.NoError(t, d.DeleteRole(ctx, role.ID))

	// rejected mutations leave no trace
	require.ErrorIs(t, d.DeleteRole(ctx, 1), auth.ErrSystemRoleProtected)
	require.ErrorIs(t, d.DeleteBranch(ctx, 1), auth.ErrProtectedEntity)
	_, err = d.CreateRole(ctx, rbac.RoleInput{Code: "SUPER_ADMIN", Name: "Again"})
	require.ErrorIs(t, err, auth.ErrDuplicateRoleCode)

	entries := c.Mock().Store().Entries()
	require.Len(t, entries, 6)
	ops := make(map[string]bool)
	for _, e := range entries {
		require.Equal(t, int64(1), e.ActorID)
		require.NotEmpty(t, e.OperationID)
		require.False(t, ops[e.OperationID], "operation %s recorded twice", e.OperationID)
		ops[e.OperationID] = true
	}

	page, err := d.QueryAudit(ctx, audit.Filter{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 6, page.TotalElements)
	require.Equal(t, audit.ActionDelete, page.Items[0].Action, "newest first")
	require.Equal(t, auth.ModuleRole, page.Items[0].Module)
}

func TestExpiredAccessTokenIsRefreshedTransparently(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	c := newConsole(t, memoryConfig(), WithMockOptions(mock.WithClock(clock.Now), mock.WithAccessTTL(time.Minute)))
	ctx := context.Background()
	_, err := c.Login(ctx, "auditor", "auditor123")
	require.NoError(t, err)
	before := c.Session().AccessToken()

	clock.Advance(2 * time.Minute)
	roles, err := c.Domain().ListRoles(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, roles)
	require.NotEqual(t, before, c.Session().AccessToken())
	require.Equal(t, session.StateActive, c.Session().State())
}

func TestHydrateAcrossConsoles(t *testing.T) {
	b, err := mock.New()
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Session.Path = filepath.Join(t.TempDir(), "credentials.json")
	ctx := context.Background()

	first := newConsole(t, cfg, WithMockBackend(b))
	_, err = first.Login(ctx, "manager", "manager123")
	require.NoError(t, err)

	second := newConsole(t, cfg, WithMockBackend(b))
	require.Equal(t, session.StateActive, second.Hydrate(ctx))
	p, ok := second.Principal()
	require.True(t, ok)
	require.Equal(t, "manager", p.Username)

	require.NoError(t, second.Logout(ctx))
	third := newConsole(t, cfg, WithMockBackend(b))
	require.Equal(t, session.StateLoggedOut, third.Hydrate(ctx))
}

func TestGroupedPermissionsNeedsPermissionView(t *testing.T) {
	ctx := context.Background()

	teller := newConsole(t, memoryConfig())
	_, err := teller.Login(ctx, "teller", "teller123")
	require.NoError(t, err)
	require.False(t, teller.Can(auth.PermPermissionView))
	_, err = teller.GroupedPermissions(ctx)
	require.ErrorIs(t, err, auth.ErrInsufficientPermission)

	auditor := newConsole(t, memoryConfig())
	require.False(t, auditor.Can(auth.PermAuditView), "logged out consoles hold nothing")
	_, err = auditor.Login(ctx, "auditor", "auditor123")
	require.NoError(t, err)
	groups, err := auditor.GroupedPermissions(ctx)
	require.NoError(t, err)
	require.Equal(t, rbac.GroupByModule(auth.BuiltinPermissions), groups)

	calls := auditor.Mock().Calls()
	_, err = auditor.GroupedPermissions(ctx)
	require.NoError(t, err)
	require.Equal(t, calls, auditor.Mock().Calls(), "catalog is cached")
}

func TestRemoteModeOverHTTP(t *testing.T) {
	b, err := mock.New()
	require.NoError(t, err)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)

	cfg := memoryConfig()
	cfg.Backend.Mode = config.BackendRemote
	cfg.Backend.BaseURL = srv.URL
	c := newConsole(t, cfg, WithHTTPClient(srv.Client()))
	require.Nil(t, c.Mock())

	ctx := context.Background()
	p, err := c.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.ID)
	branches, err := c.Domain().ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 3)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	cfg := memoryConfig()
	cfg.Backend.Mode = "carrier-pigeon"
	_, err = New(cfg)
	require.Error(t, err)
}
