package memstore

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
)

// SeedRole is a role fixture referencing permissions by code.
type SeedRole struct {
	Code            string
	Name            string
	System          bool
	PermissionCodes []string
}

// SeedUser is a user fixture referencing roles by code.
type SeedUser struct {
	Username  string
	Password  string
	FullName  string
	Email     string
	Status    auth.UserStatus
	RoleCodes []string
}

// Fixtures is the initial content of a store.
type Fixtures struct {
	Roles    []SeedRole
	Users    []SeedUser
	Branches []auth.Branch
}

// DefaultFixtures is the demo dataset served by the mock backend.
func DefaultFixtures() Fixtures {
	all := make([]string, 0, len(auth.BuiltinPermissions))
	for _, p := range auth.BuiltinPermissions {
		all = append(all, p.Code)
	}
	return Fixtures{
		Roles: []SeedRole{
			{Code: auth.RoleSuperAdmin, Name: "Super administrator", System: true, PermissionCodes: all},
			{Code: auth.RoleBranchManager, Name: "Branch manager", System: true, PermissionCodes: []string{
				auth.PermUserView, auth.PermBranchView, auth.PermCustomerView, auth.PermCustomerCreate,
				auth.PermAccountView, auth.PermAccountCreate, auth.PermAuditView,
			}},
			{Code: "TELLER", Name: "Teller", PermissionCodes: []string{
				auth.PermCustomerView, auth.PermAccountView, auth.PermAccountCreate,
			}},
			{Code: "AUDITOR", Name: "Auditor", PermissionCodes: []string{
				auth.PermUserView, auth.PermRoleView, auth.PermPermissionView, auth.PermAuditView,
			}},
		},
		Users: []SeedUser{
			{Username: "admin", Password: "admin123", FullName: "System Administrator", Email: "admin@qazna.local", Status: auth.UserStatusActive, RoleCodes: []string{auth.RoleSuperAdmin}},
			{Username: "manager", Password: "manager123", FullName: "Aigerim Sadykova", Email: "manager@qazna.local", Status: auth.UserStatusActive, RoleCodes: []string{auth.RoleBranchManager, "TELLER"}},
			{Username: "teller", Password: "teller123", FullName: "Daniyar Omarov", Email: "teller@qazna.local", Status: auth.UserStatusActive, RoleCodes: []string{"TELLER"}},
			{Username: "auditor", Password: "auditor123", FullName: "Internal Audit", Email: "audit@qazna.local", Status: auth.UserStatusActive, RoleCodes: []string{"AUDITOR"}},
			{Username: "locked", Password: "locked123", FullName: "Locked Operator", Status: auth.UserStatusLocked, RoleCodes: []string{"TELLER"}},
		},
		Branches: []auth.Branch{
			{Code: "HQ001", Name: "Head Office", IsHeadOffice: true},
			{Code: "ALA01", Name: "Almaty Central"},
			{Code: "AST01", Name: "Astana Left Bank"},
		},
	}
}

// NewSeeded returns a store loaded with DefaultFixtures.
func NewSeeded(opts ...Option) (*Store, error) {
	s := New(opts...)
	if err := s.Seed(DefaultFixtures()); err != nil {
		return nil, err
	}
	return s, nil
}

// Seed loads fixtures without recording audit entries. Passwords are hashed at bcrypt's
// minimum cost.
func (s *Store) Seed(f Fixtures) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.st.clone()

	byCode := make(map[string]auth.Permission, len(st.perms))
	for _, p := range st.perms {
		byCode[p.Code] = p
	}
	roleIDs := make(map[string]int64, len(f.Roles))
	for _, r := range st.roles {
		roleIDs[r.Code] = r.ID
	}

	for _, sr := range f.Roles {
		if _, dup := roleIDs[sr.Code]; dup {
			return fmt.Errorf("seed: duplicate role %s", sr.Code)
		}
		role := auth.Role{Code: sr.Code, Name: sr.Name, IsSystemRole: sr.System, Status: auth.RoleStatusActive}
		for _, code := range sr.PermissionCodes {
			p, ok := byCode[code]
			if !ok {
				return fmt.Errorf("seed: role %s references unknown permission %s", sr.Code, code)
			}
			role.Permissions = append(role.Permissions, p)
		}
		st.nextRole++
		role.ID = st.nextRole
		st.roles[role.ID] = role
		roleIDs[role.Code] = role.ID
	}

	for _, su := range f.Users {
		if strings.TrimSpace(su.Username) == "" {
			return errors.New("seed: user without username")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(su.Password), bcrypt.MinCost)
		if err != nil {
			return fmt.Errorf("seed: hash password for %s: %w", su.Username, err)
		}
		status := su.Status
		if status == "" {
			status = auth.UserStatusActive
		}
		st.nextUser++
		u := auth.User{
			Principal: auth.Principal{
				ID:       st.nextUser,
				Username: su.Username,
				FullName: su.FullName,
				Email:    su.Email,
				Status:   status,
			},
			PasswordHash: string(hash),
		}
		st.users[u.ID] = u
		for _, code := range su.RoleCodes {
			rid, ok := roleIDs[code]
			if !ok {
				return fmt.Errorf("seed: user %s references unknown role %s", su.Username, code)
			}
			st.userRoles[u.ID] = append(st.userRoles[u.ID], rid)
		}
	}

	for _, b := range f.Branches {
		st.nextBranch++
		b.ID = st.nextBranch
		st.branches[b.ID] = b
	}

	s.st = st
	return nil
}

// SetUserStatus changes a user's status outside of any unit of work. Intended for
// fixtures and tests that need to lock an account mid-session.
func (s *Store) SetUserStatus(id int64, status auth.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[id]
	if !ok {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	u.Status = status
	st := s.st.clone()
	st.users[id] = u
	s.st = st
	return nil
}

// Entries returns a copy of the full audit trail in insertion order.
func (s *Store) Entries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry(nil), s.st.entries...)
}
