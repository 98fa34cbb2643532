// Package memstore keeps the console's users, roles, branches, refresh tokens and
// audit trail in memory. Units of work run against a staged copy of the state that
// replaces the live state only when the work succeeds.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/ids"
	"qazna.org/console/internal/rbac"
)

var (
	_ auth.Directory         = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ rbac.Store             = (*Store)(nil)
	_ audit.Querier          = (*Store)(nil)
)

type state struct {
	perms     []auth.Permission
	roles     map[int64]auth.Role
	users     map[int64]auth.User
	userRoles map[int64][]int64
	branches  map[int64]auth.Branch
	entries   []audit.Entry

	nextRole   int64
	nextUser   int64
	nextBranch int64
}

func (st *state) clone() *state {
	cp := &state{
		perms:      st.perms,
		roles:      make(map[int64]auth.Role, len(st.roles)),
		users:      make(map[int64]auth.User, len(st.users)),
		userRoles:  make(map[int64][]int64, len(st.userRoles)),
		branches:   make(map[int64]auth.Branch, len(st.branches)),
		entries:    slices.Clip(st.entries),
		nextRole:   st.nextRole,
		nextUser:   st.nextUser,
		nextBranch: st.nextBranch,
	}
	for k, v := range st.roles {
		cp.roles[k] = v
	}
	for k, v := range st.users {
		cp.users[k] = v
	}
	for k, v := range st.userRoles {
		cp.userRoles[k] = v
	}
	for k, v := range st.branches {
		cp.branches[k] = v
	}
	return cp
}

// Store is an in-memory implementation of every console persistence interface.
type Store struct {
	mu      sync.RWMutex
	st      *state
	clock   *audit.Clock
	refresh map[string]auth.RefreshToken
}

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source used to stamp audit entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.clock = audit.NewClock(now)
	}
}

// New returns a store holding only the builtin permission catalog.
func New(opts ...Option) *Store {
	s := &Store{
		st: &state{
			perms:     slices.Clone(auth.BuiltinPermissions),
			roles:     make(map[int64]auth.Role),
			users:     make(map[int64]auth.User),
			userRoles: make(map[int64][]int64),
			branches:  make(map[int64]auth.Branch),
		},
		clock:   audit.NewClock(nil),
		refresh: make(map[string]auth.RefreshToken),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Permissions returns the catalog in ID order.
func (s *Store) Permissions(context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.st.perms), nil
}

// ListRoles returns roles ordered by ID.
func (s *Store) ListRoles(context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.st.roles))
	for _, r := range s.st.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRole returns a role by ID.
func (s *Store) GetRole(_ context.Context, id int64) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.roles[id]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %d", auth.ErrNotFound, id)
	}
	return r, nil
}

// ListBranches returns branches ordered by ID.
func (s *Store) ListBranches(context.Context) ([]auth.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Branch, 0, len(s.st.branches))
	for _, b := range s.st.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UserByUsername finds a user by case-insensitive username.
func (s *Store) UserByUsername(_ context.Context, username string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.st.users {
		if strings.EqualFold(u.Username, username) {
			return s.st.withRoles(u), nil
		}
	}
	return auth.User{}, fmt.Errorf("%w: user %s", auth.ErrNotFound, username)
}

// UserByID finds a user by ID.
func (s *Store) UserByID(_ context.Context, id int64) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.userByID(id)
}

func (st *state) userByID(id int64) (auth.User, error) {
	u, ok := st.users[id]
	if !ok {
		return auth.User{}, fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	return st.withRoles(u), nil
}

func (st *state) withRoles(u auth.User) auth.User {
	roleIDs := st.userRoles[u.ID]
	u.Roles = make([]auth.Role, 0, len(roleIDs))
	for _, rid := range roleIDs {
		if r, ok := st.roles[rid]; ok {
			u.Roles = append(u.Roles, r)
		}
	}
	sort.Slice(u.Roles, func(i, j int) bool { return u.Roles[i].ID < u.Roles[j].ID })
	return u
}

// CreateRefreshToken stores a refresh token record.
func (s *Store) CreateRefreshToken(_ context.Context, tok auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.refresh[tok.ID]; exists {
		return fmt.Errorf("refresh token %s already exists", tok.ID)
	}
	s.refresh[tok.ID] = tok
	return nil
}

// FindRefreshToken returns a refresh token record.
func (s *Store) FindRefreshToken(_ context.Context, id string) (auth.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.refresh[id]
	if !ok {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return tok, nil
}

// RevokeRefreshToken marks one token revoked.
func (s *Store) RevokeRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok {
		return auth.ErrNotFound
	}
	tok.Revoked = true
	s.refresh[id] = tok
	return nil
}

// RevokeUserRefreshTokens marks every token of userID revoked.
func (s *Store) RevokeUserRefreshTokens(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tok := range s.refresh {
		if tok.UserID == userID {
			tok.Revoked = true
			s.refresh[id] = tok
		}
	}
	return nil
}

// Query returns one page of the audit trail.
func (s *Store) Query(_ context.Context, f audit.Filter, page, size int) (audit.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return audit.Paginate(s.st.entries, f, page, size), nil
}

// Atomic runs fn against a staged copy of the state and publishes it when fn succeeds.
// Units of work are serialized.
func (s *Store) Atomic(ctx context.Context, fn func(tx rbac.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	staged := s.st.clone()
	t := &tx{st: staged, clock: s.clock}
	err := fn(t)
	t.closed = true
	if err != nil {
		return err
	}
	s.st = staged
	return nil
}

type tx struct {
	st     *state
	clock  *audit.Clock
	closed bool
}

var errTxClosed = errors.New("memstore: unit of work already finished")

func (t *tx) Append(_ context.Context, d audit.Draft) (audit.Entry, error) {
	if t.closed {
		return audit.Entry{}, audit.ErrNotInUnitOfWork
	}
	if err := d.Validate(); err != nil {
		return audit.Entry{}, err
	}
	ts := t.clock.Stamp(d.ActorID)
	e := d.Stamp(ids.NewAt(ts), ts)
	t.st.entries = append(t.st.entries, e)
	return e, nil
}

func (t *tx) RoleByID(_ context.Context, id int64) (auth.Role, error) {
	if t.closed {
		return auth.Role{}, errTxClosed
	}
	r, ok := t.st.roles[id]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %d", auth.ErrNotFound, id)
	}
	return r, nil
}

func (t *tx) RoleByCode(_ context.Context, code string) (auth.Role, error) {
	if t.closed {
		return auth.Role{}, errTxClosed
	}
	for _, r := range t.st.roles {
		if r.Code == code {
			return r, nil
		}
	}
	return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, code)
}

func (t *tx) InsertRole(_ context.Context, role auth.Role) (auth.Role, error) {
	if t.closed {
		return auth.Role{}, errTxClosed
	}
	t.st.nextRole++
	role.ID = t.st.nextRole
	role.Permissions = slices.Clone(role.Permissions)
	t.st.roles[role.ID] = role
	return role, nil
}

func (t *tx) UpdateRole(_ context.Context, role auth.Role) error {
	if t.closed {
		return errTxClosed
	}
	if _, ok := t.st.roles[role.ID]; !ok {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, role.ID)
	}
	role.Permissions = slices.Clone(role.Permissions)
	t.st.roles[role.ID] = role
	return nil
}

func (t *tx) DeleteRole(_ context.Context, id int64) error {
	if t.closed {
		return errTxClosed
	}
	if _, ok := t.st.roles[id]; !ok {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, id)
	}
	delete(t.st.roles, id)
	for uid, roleIDs := range t.st.userRoles {
		if slices.Contains(roleIDs, id) {
			t.st.userRoles[uid] = slices.DeleteFunc(slices.Clone(roleIDs), func(r int64) bool { return r == id })
		}
	}
	return nil
}

func (t *tx) UserByID(_ context.Context, id int64) (auth.User, error) {
	if t.closed {
		return auth.User{}, errTxClosed
	}
	return t.st.userByID(id)
}

func (t *tx) SetUserRoles(_ context.Context, userID int64, roleIDs []int64) error {
	if t.closed {
		return errTxClosed
	}
	if _, ok := t.st.users[userID]; !ok {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, userID)
	}
	t.st.userRoles[userID] = slices.Clone(roleIDs)
	return nil
}

func (t *tx) BranchByID(_ context.Context, id int64) (auth.Branch, error) {
	if t.closed {
		return auth.Branch{}, errTxClosed
	}
	b, ok := t.st.branches[id]
	if !ok {
		return auth.Branch{}, fmt.Errorf("%w: branch %d", auth.ErrNotFound, id)
	}
	return b, nil
}

func (t *tx) DeleteBranch(_ context.Context, id int64) error {
	if t.closed {
		return errTxClosed
	}
	if _, ok := t.st.branches[id]; !ok {
		return fmt.Errorf("%w: branch %d", auth.ErrNotFound, id)
	}
	delete(t.st.branches, id)
	return nil
}
