package pg

import (
	"context"
	"database/sql"
	"errors"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
)

// tx binds the statements to one transaction, or to the pool for the
// single-statement account lookups.
type tx struct {
	q queryer
}

const userColumns = `id, email, name, password_hash, role, status, phone, position, company_id, created_at`

const grantColumns = `id, user_id, resource_type, resource_id, permission_level, created_at`

func scanUser(row scanner, extra ...any) (auth.User, error) {
	var (
		u      auth.User
		role   string
		status string
	)
	dest := append([]any{&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &status, &u.Phone, &u.Position, &u.CompanyID, &u.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	u.Status = auth.Status(status)
	return u, nil
}

func scanGrant(row scanner, extra ...any) (auth.Grant, error) {
	var (
		g     auth.Grant
		kind  string
		level string
	)
	dest := append([]any{&g.ID, &g.UserID, &kind, &g.ResourceID, &level, &g.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return auth.Grant{}, err
	}
	g.ResourceType = auth.ResourceKind(kind)
	g.Level = auth.Level(level)
	return g, nil
}

func (t *tx) FindUser(ctx context.Context, id string) (auth.User, error) {
	u, err := scanUser(t.q.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where id = $1
	`, id))
	if err != nil {
		return auth.User{}, translate(err, "user "+id)
	}
	return u, nil
}

// FindApplicableGrant lets the database pick the governing grant with the
// same ranking as auth.SelectGrant.
func (t *tx) FindApplicableGrant(ctx context.Context, userID string, res auth.Resource) (*auth.Grant, error) {
	g, err := scanGrant(t.q.QueryRowContext(ctx, `
		select `+grantColumns+`
		from permissions
		where user_id = $1
		  and resource_type = $2
		  and (resource_id = $3 or resource_id is null)
		  and permission_level <> 'revoked'
		order by (resource_id is null) asc, created_at desc, id desc
		limit 1
	`, userID, string(res.Kind), res.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *tx) ListActiveGrants(ctx context.Context, userID string, kind auth.ResourceKind) ([]auth.Grant, error) {
	rows, err := t.q.QueryContext(ctx, `
		select `+grantColumns+`
		from permissions
		where user_id = $1
		  and resource_type = $2
		  and permission_level <> 'revoked'
	`, userID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []auth.Grant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *tx) AppendAudit(ctx context.Context, e audit.Entry) error {
	_, err := t.q.ExecContext(ctx, `
		insert into audit_log (id, user_id, action, resource_type, resource_id, details, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.UserID, e.Action, string(e.ResourceType), e.ResourceID, e.Details, e.CreatedAt)
	return err
}

// users

func (t *tx) ListUsers(ctx context.Context) ([]admin.UserSummary, error) {
	rows, err := t.q.QueryContext(ctx, `
		select u.id, u.email, u.name, u.password_hash, u.role, u.status, u.phone, u.position, u.company_id, u.created_at, c.name
		from users u
		left join companies c on c.id = u.company_id
		order by u.created_at desc, u.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []admin.UserSummary{}
	for rows.Next() {
		var s admin.UserSummary
		u, err := scanUser(rows, &s.CompanyName)
		if err != nil {
			return nil, err
		}
		s.User = u
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *tx) updateUser(ctx context.Context, id, set string, arg any) (auth.User, error) {
	u, err := scanUser(t.q.QueryRowContext(ctx, `
		update users set `+set+` = $2
		where id = $1
		returning `+userColumns,
		id, arg))
	if err != nil {
		return auth.User{}, translate(err, "user "+id)
	}
	return u, nil
}

func (t *tx) SetUserRole(ctx context.Context, id string, role auth.Role) (auth.User, error) {
	return t.updateUser(ctx, id, "role", string(role))
}

func (t *tx) SetUserStatus(ctx context.Context, id string, status auth.Status) (auth.User, error) {
	return t.updateUser(ctx, id, "status", string(status))
}

func (t *tx) SetUserCompany(ctx context.Context, id string, companyID *string) (auth.User, error) {
	return t.updateUser(ctx, id, "company_id", companyID)
}
