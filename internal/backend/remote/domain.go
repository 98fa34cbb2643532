package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
	"qazna.org/console/internal/pipeline"
	"qazna.org/console/internal/rbac"
)

// DomainClient implements backend.DomainBackend over a pipeline, which supplies the
// bearer token. Each call declares the permission it needs so an authorizing pipeline
// can refuse it locally.
type DomainClient struct {
	c conn
}

var _ backend.DomainBackend = (*DomainClient)(nil)

// NewDomainClient returns a client for the administration endpoints under baseURL.
func NewDomainClient(baseURL string, d Doer) (*DomainClient, error) {
	c, err := newConn(baseURL, d)
	if err != nil {
		return nil, err
	}
	return &DomainClient{c: c}, nil
}

func need(ctx context.Context, code string) context.Context {
	return pipeline.RequirePermission(ctx, code)
}

func rolePath(id int64) string { return fmt.Sprintf("/roles/%d", id) }

type rolePermissionsRequest struct {
	PermissionCodes []string `json:"permissionCodes"`
}

type userRolesRequest struct {
	RoleIDs []int64 `json:"roleIds"`
}

func (d *DomainClient) Me(ctx context.Context) (auth.Principal, error) {
	return do[auth.Principal](ctx, d.c, call{method: http.MethodGet, path: "/users/me"})
}

func (d *DomainClient) Permissions(ctx context.Context) ([]auth.Permission, error) {
	return do[[]auth.Permission](need(ctx, auth.PermPermissionView), d.c, call{method: http.MethodGet, path: "/permissions"})
}

// GroupedPermissions rebuilds module order from permission IDs, since the wire form is a
// JSON object keyed by module.
func (d *DomainClient) GroupedPermissions(ctx context.Context) ([]rbac.ModuleGroup, error) {
	byModule, err := do[map[string][]auth.Permission](need(ctx, auth.PermPermissionView), d.c, call{method: http.MethodGet, path: "/permissions/grouped"})
	if err != nil {
		return nil, err
	}
	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	var all []auth.Permission
	for _, m := range modules {
		for _, p := range byModule[m] {
			if p.Module == "" {
				p.Module = m
			}
			all = append(all, p)
		}
	}
	return rbac.GroupByModule(all), nil
}

func (d *DomainClient) ListRoles(ctx context.Context) ([]auth.Role, error) {
	return do[[]auth.Role](need(ctx, auth.PermRoleView), d.c, call{method: http.MethodGet, path: "/roles"})
}

func (d *DomainClient) GetRole(ctx context.Context, id int64) (auth.Role, error) {
	return do[auth.Role](need(ctx, auth.PermRoleView), d.c, call{method: http.MethodGet, path: rolePath(id)})
}

func (d *DomainClient) CreateRole(ctx context.Context, in rbac.RoleInput) (auth.Role, error) {
	return do[auth.Role](need(ctx, auth.PermRoleCreate), d.c, call{method: http.MethodPost, path: "/roles", body: in})
}

func (d *DomainClient) UpdateRole(ctx context.Context, id int64, upd rbac.RoleUpdate) (auth.Role, error) {
	return do[auth.Role](need(ctx, auth.PermRoleUpdate), d.c, call{method: http.MethodPut, path: rolePath(id), body: upd})
}

func (d *DomainClient) DeleteRole(ctx context.Context, id int64) error {
	_, err := do[json.RawMessage](need(ctx, auth.PermRoleDelete), d.c, call{method: http.MethodDelete, path: rolePath(id)})
	return err
}

func (d *DomainClient) SetRolePermissions(ctx context.Context, id int64, codes []string) (auth.Role, error) {
	if codes == nil {
		codes = []string{}
	}
	return do[auth.Role](need(ctx, auth.PermRoleUpdate), d.c, call{
		method: http.MethodPut, path: rolePath(id) + "/permissions",
		body: rolePermissionsRequest{PermissionCodes: codes},
	})
}

func (d *DomainClient) AssignRoles(ctx context.Context, userID int64, roleIDs []int64) (auth.Principal, error) {
	if roleIDs == nil {
		roleIDs = []int64{}
	}
	return do[auth.Principal](need(ctx, auth.PermUserUpdate), d.c, call{
		method: http.MethodPut, path: fmt.Sprintf("/users/%d/roles", userID),
		body: userRolesRequest{RoleIDs: roleIDs},
	})
}

func (d *DomainClient) ListBranches(ctx context.Context) ([]auth.Branch, error) {
	return do[[]auth.Branch](need(ctx, auth.PermBranchView), d.c, call{method: http.MethodGet, path: "/branches"})
}

func (d *DomainClient) DeleteBranch(ctx context.Context, id int64) error {
	_, err := do[json.RawMessage](need(ctx, auth.PermBranchDelete), d.c, call{method: http.MethodDelete, path: fmt.Sprintf("/branches/%d", id)})
	return err
}

func (d *DomainClient) QueryAudit(ctx context.Context, f audit.Filter, page, size int) (audit.Page, error) {
	page, size = audit.NormalizePage(page, size)
	return do[audit.Page](need(ctx, auth.PermAuditView), d.c, call{
		method: http.MethodGet, path: "/audit-logs", query: f.Values(page, size),
	})
}
