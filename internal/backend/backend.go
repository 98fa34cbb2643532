// Package backend declares what the console core needs from the server it administers.
// Two strategies exist: remote talks to a real deployment over HTTP, mock serves the same
// API in-process from seeded fixtures. The strategy is chosen once at startup.
package backend

import (
	"context"
	"time"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/rbac"
)

// TokenGrant is the body of a successful login or refresh.
type TokenGrant struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Credential converts the grant issued at now. A grant without a refresh token (a
// refresh response) keeps the one the client already holds.
func (g TokenGrant) Credential(now time.Time, currentRefresh string) auth.Credential {
	c := auth.Credential{AccessToken: g.AccessToken, RefreshToken: g.RefreshToken}
	if c.RefreshToken == "" {
		c.RefreshToken = currentRefresh
	}
	if g.ExpiresIn > 0 {
		c.ExpiresAt = now.Add(time.Duration(g.ExpiresIn) * time.Second)
	} else if exp, ok := auth.TokenExpiry(g.AccessToken); ok {
		c.ExpiresAt = exp
	}
	return c
}

// AuthBackend issues and revokes credentials. Tokens are passed explicitly because these
// calls build the session the request pipeline later relies on.
type AuthBackend interface {
	Login(ctx context.Context, username, password string) (TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (TokenGrant, error)
	Logout(ctx context.Context, accessToken string) error
	CurrentUser(ctx context.Context, accessToken string) (auth.Principal, error)
}

// DomainBackend is the authenticated administration surface. Implementations send every
// call through the request pipeline.
type DomainBackend interface {
	Me(ctx context.Context) (auth.Principal, error)
	Permissions(ctx context.Context) ([]auth.Permission, error)
	GroupedPermissions(ctx context.Context) ([]rbac.ModuleGroup, error)
	ListRoles(ctx context.Context) ([]auth.Role, error)
	GetRole(ctx context.Context, id int64) (auth.Role, error)
	CreateRole(ctx context.Context, in rbac.RoleInput) (auth.Role, error)
	UpdateRole(ctx context.Context, id int64, upd rbac.RoleUpdate) (auth.Role, error)
	DeleteRole(ctx context.Context, id int64) error
	SetRolePermissions(ctx context.Context, id int64, codes []string) (auth.Role, error)
	AssignRoles(ctx context.Context, userID int64, roleIDs []int64) (auth.Principal, error)
	ListBranches(ctx context.Context) ([]auth.Branch, error)
	DeleteBranch(ctx context.Context, id int64) error
	QueryAudit(ctx context.Context, f audit.Filter, page, size int) (audit.Page, error)
}
