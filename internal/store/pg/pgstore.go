// Package pg persists the console's users, roles, branches, refresh tokens and audit
// trail in PostgreSQL through the pgx database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/rbac"
)

var (
	_ auth.Directory         = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ rbac.Store             = (*Store)(nil)
	_ audit.Querier          = (*Store)(nil)
)

// Store is the PostgreSQL implementation of the console persistence interfaces.
type Store struct {
	db    *sql.DB
	clock *audit.Clock
}

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source used to stamp audit entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = audit.NewClock(now) }
}

// Open connects with the pgx driver and tuned pool defaults.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: audit.NewClock(nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the connection; /readyz uses it.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Permissions returns the catalog in ID order.
func (s *Store) Permissions(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select id, code, module, description from permissions order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Module, &p.Description); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const roleColumns = `r.id, r.code, r.name, r.description, r.is_system, r.status`

func scanRole(sc interface{ Scan(...any) error }) (auth.Role, error) {
	var (
		r      auth.Role
		status string
	)
	if err := sc.Scan(&r.ID, &r.Code, &r.Name, &r.Description, &r.IsSystemRole, &status); err != nil {
		return auth.Role{}, err
	}
	r.Status = auth.RoleStatus(status)
	r.Permissions = []auth.Permission{}
	return r, nil
}

// attachPermissions fills Permissions of roles from a query yielding
// (role_id, id, code, module, description) ordered by role and permission ID.
func attachPermissions(ctx context.Context, q queryer, roles []auth.Role, query string, args ...any) error {
	if len(roles) == 0 {
		return nil
	}
	index := make(map[int64]int, len(roles))
	for i, r := range roles {
		index[r.ID] = i
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			roleID int64
			p      auth.Permission
		)
		if err := rows.Scan(&roleID, &p.ID, &p.Code, &p.Module, &p.Description); err != nil {
			return err
		}
		if i, ok := index[roleID]; ok {
			roles[i].Permissions = append(roles[i].Permissions, p)
		}
	}
	return rows.Err()
}

func queryRoles(ctx context.Context, q queryer, query string, args ...any) ([]auth.Role, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRoles returns every role with its permissions, in ID order.
func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	roles, err := queryRoles(ctx, s.db, `select `+roleColumns+` from roles r order by r.id`)
	if err != nil {
		return nil, err
	}
	err = attachPermissions(ctx, s.db, roles, `
		select rp.role_id, p.id, p.code, p.module, p.description
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		order by rp.role_id, p.id
	`)
	return roles, err
}

// GetRole returns one role with its permissions.
func (s *Store) GetRole(ctx context.Context, id int64) (auth.Role, error) {
	return roleWhere(ctx, s.db, `r.id = $1`, id)
}

func roleWhere(ctx context.Context, q queryer, cond string, arg any) (auth.Role, error) {
	r, err := scanRole(q.QueryRowContext(ctx, `select `+roleColumns+` from roles r where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %v", auth.ErrNotFound, arg)
	}
	if err != nil {
		return auth.Role{}, err
	}
	roles := []auth.Role{r}
	if err := attachPermissions(ctx, q, roles, `
		select rp.role_id, p.id, p.code, p.module, p.description
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.id
	`, r.ID); err != nil {
		return auth.Role{}, err
	}
	return roles[0], nil
}

// ListBranches returns every branch in ID order.
func (s *Store) ListBranches(ctx context.Context) ([]auth.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `select id, code, name, is_head_office from branches order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Branch
	for rows.Next() {
		var b auth.Branch
		if err := rows.Scan(&b.ID, &b.Code, &b.Name, &b.IsHeadOffice); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const userColumns = `id, username, password_hash, full_name, email, status`

func userWhere(ctx context.Context, q queryer, cond string, arg any) (auth.User, error) {
	var (
		u      auth.User
		status string
	)
	err := q.QueryRowContext(ctx, `select `+userColumns+` from users where `+cond, arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &u.Email, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, fmt.Errorf("%w: user %v", auth.ErrNotFound, arg)
	}
	if err != nil {
		return auth.User{}, err
	}
	u.Status = auth.UserStatus(status)

	roles, err := queryRoles(ctx, q, `
		select `+roleColumns+`
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.id
	`, u.ID)
	if err != nil {
		return auth.User{}, err
	}
	if err := attachPermissions(ctx, q, roles, `
		select rp.role_id, p.id, p.code, p.module, p.description
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = $1
		order by rp.role_id, p.id
	`, u.ID); err != nil {
		return auth.User{}, err
	}
	u.Roles = roles
	if u.Roles == nil {
		u.Roles = []auth.Role{}
	}
	return u, nil
}

// UserByUsername resolves an account with its roles and permissions.
func (s *Store) UserByUsername(ctx context.Context, username string) (auth.User, error) {
	return userWhere(ctx, s.db, `username = $1`, username)
}

// UserByID resolves an account with its roles and permissions.
func (s *Store) UserByID(ctx context.Context, id int64) (auth.User, error) {
	return userWhere(ctx, s.db, `id = $1`, id)
}

// BootstrapUser creates username with the given role codes unless it exists. It reports
// whether a user was created.
func (s *Store) BootstrapUser(ctx context.Context, username, passwordHash, fullName string, roleCodes ...string) (bool, error) {
	created := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			insert into users (username, password_hash, full_name, email, status)
			values ($1, $2, $3, '', 'ACTIVE')
			on conflict (username) do nothing
			returning id
		`, username, passwordHash, fullName).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, code := range roleCodes {
			res, err := tx.ExecContext(ctx, `
				insert into user_roles (user_id, role_id)
				select $1, id from roles where code = $2
			`, id, code)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: role %s", auth.ErrNotFound, code)
			}
		}
		created = true
		return nil
	})
	return created, err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// --- refresh tokens ---

func (s *Store) CreateRefreshToken(ctx context.Context, tok auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at, revoked)
		values ($1, $2, $3, $4, $5, false)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt.UTC(), tok.CreatedAt.UTC())
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, tok.UserID)
	}
	return err
}

func (s *Store) FindRefreshToken(ctx context.Context, id string) (auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, revoked
		from refresh_tokens where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &tok.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return tok, err
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked = true where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked = true where user_id = $1 and not revoked`, userID)
	return err
}

// --- audit trail ---

const entryColumns = `id, actor_id, action, module, entity_type, entity_id, old_value, new_value, ip_address, operation_id, created_at`

// Query returns one page of the trail, newest first.
func (s *Store) Query(ctx context.Context, f audit.Filter, page, size int) (audit.Page, error) {
	page, size = audit.NormalizePage(page, size)
	where, args := filterClause(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_logs`+where, args...).Scan(&total); err != nil {
		return audit.Page{}, err
	}
	out := audit.Page{Page: page, Size: size, TotalElements: total, Items: []audit.Entry{}}
	out.TotalPages = (total + size - 1) / size
	if page >= out.TotalPages {
		return out, nil
	}

	n := len(args)
	query := fmt.Sprintf(`select %s from audit_logs%s order by created_at desc, id desc limit $%d offset $%d`,
		entryColumns, where, n+1, n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, size, page*size)...)
	if err != nil {
		return audit.Page{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e        audit.Entry
			oldV     []byte
			newV     []byte
			ip, opID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Module, &e.EntityType, &e.EntityID,
			&oldV, &newV, &ip, &opID, &e.Timestamp); err != nil {
			return audit.Page{}, err
		}
		e.OldValue, e.NewValue = rawJSON(oldV), rawJSON(newV)
		e.IPAddress, e.OperationID = ip.String, opID.String
		e.Timestamp = e.Timestamp.UTC()
		out.Items = append(out.Items, e)
	}
	return out, rows.Err()
}

func filterClause(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Module != "" {
		add("module = $%d", f.Module)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.OperationID != "" {
		add("operation_id = $%d", f.OperationID)
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.From != nil {
		add("created_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("created_at <= $%d", f.To.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

func rawJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
