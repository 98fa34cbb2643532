package auth

import "time"

// UserStatus is the lifecycle state of a console operator.
type UserStatus string

const (
	UserStatusActive   UserStatus = "ACTIVE"
	UserStatusInactive UserStatus = "INACTIVE"
	UserStatusLocked   UserStatus = "LOCKED"
)

// RoleStatus marks whether a role is in use.
type RoleStatus string

const (
	RoleStatusActive   RoleStatus = "ACTIVE"
	RoleStatusInactive RoleStatus = "INACTIVE"
)

// Permission is a catalog entry. Codes are globally unique, every permission belongs to one module.
type Permission struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Module      string `json:"module"`
	Description string `json:"description,omitempty"`
}

// Role groups permissions. A role's code is fixed at creation; system roles are seeded and cannot be deleted or disabled.
type Role struct {
	ID           int64        `json:"id"`
	Code         string       `json:"code"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	IsSystemRole bool         `json:"isSystemRole"`
	Status       RoleStatus   `json:"status"`
	Permissions  []Permission `json:"permissions"`
}

// PermissionCodes returns the codes of the role's permissions in their stored order.
func (r Role) PermissionCodes() []string {
	out := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		out = append(out, p.Code)
	}
	return out
}

// Principal is the authenticated operator as seen by the console.
type Principal struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	FullName string     `json:"fullName,omitempty"`
	Email    string     `json:"email,omitempty"`
	Status   UserStatus `json:"status"`
	Roles    []Role     `json:"roles"`
}

// Active reports whether the principal may hold a session.
func (p Principal) Active() bool {
	return p.Status == UserStatusActive
}

// User is the server-side account record behind a Principal.
type User struct {
	Principal
	PasswordHash string `json:"-"`
}

// Branch is a bank branch. The head office is a protected reference entity.
type Branch struct {
	ID           int64  `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	IsHeadOffice bool   `json:"isHeadOffice"`
}

// Credential is the bearer pair held by a client session.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"-"`
}

// Valid reports whether both tokens are present.
func (c Credential) Valid() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}

// Expired reports whether the access token's validity window has closed at now.
// A zero ExpiresAt means the expiry is unknown and the token is treated as live.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// RefreshToken is a persisted refresh token record. Only the hash of the secret is stored.
type RefreshToken struct {
	ID        string
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}
