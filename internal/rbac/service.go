package rbac

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/obs"
)

// Store is the persistence boundary for role administration.
type Store interface {
	CatalogSource
	ListRoles(ctx context.Context) ([]auth.Role, error)
	GetRole(ctx context.Context, id int64) (auth.Role, error)
	ListBranches(ctx context.Context) ([]auth.Branch, error)
	// Atomic runs fn in one unit of work. Everything fn writes through tx, audit entries
	// included, commits together when fn returns nil and is discarded otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of a unit of work.
type Tx interface {
	audit.Appender
	RoleByID(ctx context.Context, id int64) (auth.Role, error)
	RoleByCode(ctx context.Context, code string) (auth.Role, error)
	InsertRole(ctx context.Context, role auth.Role) (auth.Role, error)
	UpdateRole(ctx context.Context, role auth.Role) error
	DeleteRole(ctx context.Context, id int64) error
	UserByID(ctx context.Context, id int64) (auth.User, error)
	SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error
	BranchByID(ctx context.Context, id int64) (auth.Branch, error)
	DeleteBranch(ctx context.Context, id int64) error
}

// RoleInput describes a new role.
type RoleInput struct {
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	PermissionCodes []string `json:"permissionCodes"`
}

// RoleUpdate is a partial role change; nil fields are left as they are.
type RoleUpdate struct {
	Code            *string          `json:"code,omitempty"`
	Name            *string          `json:"name,omitempty"`
	Description     *string          `json:"description,omitempty"`
	Status          *auth.RoleStatus `json:"status,omitempty"`
	PermissionCodes *[]string        `json:"permissionCodes,omitempty"`
}

var roleCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,63}$`)

// Service performs guarded, audited role administration.
type Service struct {
	store    Store
	resolver *Resolver
	pub      audit.Publisher
	log      *zap.Logger
}

// Option configures Service.
type Option func(*Service)

// WithCatalogTTL sets how long the permission catalog is cached.
func WithCatalogTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.resolver = NewResolver(s.store, ttl)
	}
}

// WithPublisher forwards committed audit entries to p.
func WithPublisher(p audit.Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithLogger overrides the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService constructs a Service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	s := &Service{store: store, log: obs.Named("rbac")}
	s.resolver = NewResolver(store, 0)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Permissions returns the catalog in ID order.
func (s *Service) Permissions(ctx context.Context) ([]auth.Permission, error) {
	c, err := s.resolver.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return c.Permissions(), nil
}

// GroupedPermissions returns the catalog grouped by module.
func (s *Service) GroupedPermissions(ctx context.Context) ([]ModuleGroup, error) {
	return s.resolver.Grouped(ctx)
}

// ListRoles returns every role.
func (s *Service) ListRoles(ctx context.Context) ([]auth.Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole returns one role.
func (s *Service) GetRole(ctx context.Context, id int64) (auth.Role, error) {
	return s.store.GetRole(ctx, id)
}

// ListBranches returns every branch.
func (s *Service) ListBranches(ctx context.Context) ([]auth.Branch, error) {
	return s.store.ListBranches(ctx)
}

// CreateRole validates and stores a new, non-system role.
func (s *Service) CreateRole(ctx context.Context, in RoleInput) (auth.Role, error) {
	code, err := normalizeRoleCode(in.Code)
	if err != nil {
		return auth.Role{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return auth.Role{}, fmt.Errorf("%w: role name is required", auth.ErrInvalidInput)
	}
	perms, err := s.resolvePermissions(ctx, in.PermissionCodes)
	if err != nil {
		return auth.Role{}, err
	}

	var created auth.Role
	err = s.atomic(ctx, func(tx Tx, rec recorder) error {
		if err := ensureCodeFree(ctx, tx, code); err != nil {
			return err
		}
		var err error
		created, err = tx.InsertRole(ctx, auth.Role{
			Code:        code,
			Name:        name,
			Description: strings.TrimSpace(in.Description),
			Status:      auth.RoleStatusActive,
			Permissions: perms,
		})
		if err != nil {
			return err
		}
		return rec(audit.ActionCreate, auth.ModuleRole, "Role", created.ID, nil, created)
	})
	if err != nil {
		return auth.Role{}, err
	}
	s.log.Info("role created", zap.Int64("role_id", created.ID), zap.String("code", created.Code))
	return created, nil
}

// UpdateRole applies a partial update. A role code never changes and system roles stay active.
func (s *Service) UpdateRole(ctx context.Context, id int64, upd RoleUpdate) (auth.Role, error) {
	var perms []auth.Permission
	if upd.PermissionCodes != nil {
		var err error
		if perms, err = s.resolvePermissions(ctx, *upd.PermissionCodes); err != nil {
			return auth.Role{}, err
		}
	}

	var after auth.Role
	err := s.atomic(ctx, func(tx Tx, rec recorder) error {
		before, err := tx.RoleByID(ctx, id)
		if err != nil {
			return err
		}
		after = before
		if upd.Code != nil {
			code, err := normalizeRoleCode(*upd.Code)
			if err != nil {
				return err
			}
			if code != before.Code {
				if err := GuardRoleMutation(before, MutationUpdateCode); err != nil {
					return err
				}
				return auth.Invalid(auth.ErrInvalidInput, "role code is immutable")
			}
		}
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return fmt.Errorf("%w: role name is required", auth.ErrInvalidInput)
			}
			after.Name = name
		}
		if upd.Description != nil {
			after.Description = strings.TrimSpace(*upd.Description)
		}
		if upd.Status != nil && *upd.Status != before.Status {
			switch *upd.Status {
			case auth.RoleStatusInactive:
				if err := GuardRoleMutation(before, MutationDeactivate); err != nil {
					return err
				}
			case auth.RoleStatusActive:
			default:
				return fmt.Errorf("%w: unknown role status %q", auth.ErrInvalidInput, *upd.Status)
			}
			after.Status = *upd.Status
		}
		if upd.PermissionCodes != nil {
			after.Permissions = perms
		}
		if err := tx.UpdateRole(ctx, after); err != nil {
			return err
		}
		return rec(audit.ActionUpdate, auth.ModuleRole, "Role", id, before, after)
	})
	if err != nil {
		return auth.Role{}, err
	}
	return after, nil
}

// SetRolePermissions replaces a role's permissions.
func (s *Service) SetRolePermissions(ctx context.Context, id int64, codes []string) (auth.Role, error) {
	if codes == nil {
		codes = []string{}
	}
	return s.UpdateRole(ctx, id, RoleUpdate{PermissionCodes: &codes})
}

// DeleteRole removes a non-system role.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	return s.atomic(ctx, func(tx Tx, rec recorder) error {
		role, err := tx.RoleByID(ctx, id)
		if err != nil {
			return err
		}
		if err := GuardRoleMutation(role, MutationDelete); err != nil {
			return err
		}
		if err := tx.DeleteRole(ctx, id); err != nil {
			return err
		}
		return rec(audit.ActionDelete, auth.ModuleRole, "Role", id, role, nil)
	})
}

// AssignRoles replaces the roles held by a user.
func (s *Service) AssignRoles(ctx context.Context, userID int64, roleIDs []int64) (auth.Principal, error) {
	var after auth.User
	err := s.atomic(ctx, func(tx Tx, rec recorder) error {
		before, err := tx.UserByID(ctx, userID)
		if err != nil {
			return err
		}
		unique := dedupeIDs(roleIDs)
		for _, rid := range unique {
			if _, err := tx.RoleByID(ctx, rid); err != nil {
				if errors.Is(err, auth.ErrNotFound) {
					return fmt.Errorf("%w: role %d", auth.ErrNotFound, rid)
				}
				return err
			}
		}
		if err := tx.SetUserRoles(ctx, userID, unique); err != nil {
			return err
		}
		if after, err = tx.UserByID(ctx, userID); err != nil {
			return err
		}
		return rec(audit.ActionUpdate, auth.ModuleUser, "User", userID,
			map[string]any{"roles": roleCodes(before.Roles)},
			map[string]any{"roles": roleCodes(after.Roles)})
	})
	if err != nil {
		return auth.Principal{}, err
	}
	return after.Principal, nil
}

// DeleteBranch removes a branch other than the head office.
func (s *Service) DeleteBranch(ctx context.Context, id int64) error {
	return s.atomic(ctx, func(tx Tx, rec recorder) error {
		branch, err := tx.BranchByID(ctx, id)
		if err != nil {
			return err
		}
		if err := GuardBranchMutation(branch, MutationDelete); err != nil {
			return err
		}
		if err := tx.DeleteBranch(ctx, id); err != nil {
			return err
		}
		return rec(audit.ActionDelete, auth.ModuleBranch, "Branch", id, branch, nil)
	})
}

// recorder appends the single audit entry of a unit of work.
type recorder func(action, module, entityType string, id int64, before, after any) error

func (s *Service) atomic(ctx context.Context, fn func(tx Tx, rec recorder) error) error {
	var entries []audit.Entry
	err := s.store.Atomic(ctx, func(tx Tx) error {
		entries = entries[:0]
		rec := func(action, module, entityType string, id int64, before, after any) error {
			d, err := audit.NewDraft(ctx, action, module, entityType, id, before, after)
			if err != nil {
				return err
			}
			e, err := tx.Append(ctx, d)
			if err != nil {
				return fmt.Errorf("append audit entry: %w", err)
			}
			entries = append(entries, e)
			return nil
		}
		return fn(tx, rec)
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		audit.Recorded(ctx, e)
		if s.pub != nil {
			s.pub.Publish(e)
		}
	}
	return nil
}

func (s *Service) resolvePermissions(ctx context.Context, codes []string) ([]auth.Permission, error) {
	c, err := s.resolver.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return c.Resolve(codes)
}

func ensureCodeFree(ctx context.Context, tx Tx, code string) error {
	_, err := tx.RoleByCode(ctx, code)
	switch {
	case err == nil:
		return auth.Invalid(auth.ErrDuplicateRoleCode, "role code %s already exists", code)
	case errors.Is(err, auth.ErrNotFound):
		return nil
	default:
		return err
	}
}

func normalizeRoleCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", fmt.Errorf("%w: role code is required", auth.ErrInvalidInput)
	}
	if !roleCodePattern.MatchString(code) {
		return "", fmt.Errorf("%w: role code %q must be upper-case letters, digits or underscores", auth.ErrInvalidInput, code)
	}
	return code, nil
}

func roleCodes(roles []auth.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.Code)
	}
	return out
}

func dedupeIDs(in []int64) []int64 {
	seen := make(map[int64]struct{}, len(in))
	out := make([]int64, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
