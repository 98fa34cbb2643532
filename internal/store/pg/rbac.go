package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/ids"
	"qazna.org/console/internal/rbac"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var errTxClosed = errors.New("pg: unit of work already finished")

// Atomic runs fn inside one database transaction. Audit entries appended through the
// tx commit or roll back together with the mutation.
func (s *Store) Atomic(ctx context.Context, fn func(tx rbac.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &tx{tx: sqlTx, clock: s.clock}
	defer func() {
		t.closed = true
		_ = sqlTx.Rollback()
	}()
	if err := fn(t); err != nil {
		return err
	}
	t.closed = true
	return sqlTx.Commit()
}

type tx struct {
	tx     *sql.Tx
	clock  *audit.Clock
	closed bool
}

func (t *tx) Append(ctx context.Context, d audit.Draft) (audit.Entry, error) {
	if t.closed {
		return audit.Entry{}, audit.ErrNotInUnitOfWork
	}
	if err := d.Validate(); err != nil {
		return audit.Entry{}, err
	}
	ts := t.clock.Stamp(d.ActorID)
	e := d.Stamp(ids.NewAt(ts), ts)
	_, err := t.tx.ExecContext(ctx, `
		insert into audit_logs (`+entryColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.ActorID, e.Action, e.Module, e.EntityType, e.EntityID,
		nullJSON(e.OldValue), nullJSON(e.NewValue), nullIfEmpty(e.IPAddress), nullIfEmpty(e.OperationID), e.Timestamp)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return e, nil
}

func (t *tx) RoleByID(ctx context.Context, id int64) (auth.Role, error) {
	if t.closed {
		return auth.Role{}, errTxClosed
	}
	return roleWhere(ctx, t.tx, `r.id = $1`, id)
}

func (t *tx) RoleByCode(ctx context.Context, code string) (auth.Role, error) {
	if t.closed {
		return auth.Role{}, errTxClosed
	}
	return roleWhere(ctx, t.tx, `r.code = $1`, code)
}

func (t *tx) InsertRole(ctx context.Context, role auth.Role) (auth.Role, error) {
	if t.closed {
		return auth.Role{}, errTxClosed
	}
	err := t.tx.QueryRowContext(ctx, `
		insert into roles (code, name, description, is_system, status)
		values ($1, $2, $3, $4, $5)
		returning id
	`, role.Code, role.Name, role.Description, role.IsSystemRole, string(role.Status)).Scan(&role.ID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.Role{}, fmt.Errorf("%w: %s", auth.ErrDuplicateRoleCode, role.Code)
		}
		return auth.Role{}, err
	}
	if err := t.writePermissions(ctx, role); err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

func (t *tx) UpdateRole(ctx context.Context, role auth.Role) error {
	if t.closed {
		return errTxClosed
	}
	res, err := t.tx.ExecContext(ctx, `
		update roles set code = $2, name = $3, description = $4, status = $5, updated_at = now()
		where id = $1
	`, role.ID, role.Code, role.Name, role.Description, string(role.Status))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: %s", auth.ErrDuplicateRoleCode, role.Code)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, role.ID)
	}
	if _, err := t.tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, role.ID); err != nil {
		return err
	}
	return t.writePermissions(ctx, role)
}

func (t *tx) writePermissions(ctx context.Context, role auth.Role) error {
	for _, p := range role.Permissions {
		if _, err := t.tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
		`, role.ID, p.ID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: %s", auth.ErrUnknownPermissionCode, p.Code)
			}
			return err
		}
	}
	return nil
}

func (t *tx) DeleteRole(ctx context.Context, id int64) error {
	if t.closed {
		return errTxClosed
	}
	// user_roles and role_permissions cascade
	res, err := t.tx.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, id)
	}
	return nil
}

func (t *tx) UserByID(ctx context.Context, id int64) (auth.User, error) {
	if t.closed {
		return auth.User{}, errTxClosed
	}
	return userWhere(ctx, t.tx, `id = $1`, id)
}

func (t *tx) SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	if t.closed {
		return errTxClosed
	}
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `select exists(select 1 from users where id = $1)`, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, userID)
	}
	if _, err := t.tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := t.tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id) values ($1, $2)
		`, userID, roleID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: role %d", auth.ErrNotFound, roleID)
			}
			return err
		}
	}
	return nil
}

func (t *tx) BranchByID(ctx context.Context, id int64) (auth.Branch, error) {
	if t.closed {
		return auth.Branch{}, errTxClosed
	}
	var b auth.Branch
	err := t.tx.QueryRowContext(ctx, `select id, code, name, is_head_office from branches where id = $1`, id).
		Scan(&b.ID, &b.Code, &b.Name, &b.IsHeadOffice)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Branch{}, fmt.Errorf("%w: branch %d", auth.ErrNotFound, id)
	}
	return b, err
}

func (t *tx) DeleteBranch(ctx context.Context, id int64) error {
	if t.closed {
		return errTxClosed
	}
	res, err := t.tx.ExecContext(ctx, `delete from branches where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: branch %d", auth.ErrNotFound, id)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
