package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
)

const companyColumns = `id, name, short_name, description, inn, kpp, ogrn, address, phone, email, website, status,
	company_type, okved, management_name, management_post, registration_date, created_at, updated_at`

func scanCompany(row scanner) (admin.Company, error) {
	var c admin.Company
	err := row.Scan(&c.ID, &c.Name, &c.ShortName, &c.Description, &c.INN, &c.KPP, &c.OGRN, &c.Address, &c.Phone,
		&c.Email, &c.Website, &c.Status, &c.CompanyType, &c.OKVED, &c.ManagementName, &c.ManagementPost,
		&c.RegistrationDate, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func companyArgs(c admin.Company) []any {
	return []any{c.ID, c.Name, c.ShortName, c.Description, c.INN, c.KPP, c.OGRN, c.Address, c.Phone,
		c.Email, c.Website, c.Status, c.CompanyType, c.OKVED, c.ManagementName, c.ManagementPost,
		c.RegistrationDate, c.CreatedAt, c.UpdatedAt}
}

func (t *tx) ListCompanies(ctx context.Context) ([]admin.Company, error) {
	rows, err := t.q.QueryContext(ctx, `
		select `+companyColumns+`
		from companies
		order by created_at desc, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []admin.Company{}
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *tx) GetCompany(ctx context.Context, id string) (admin.Company, error) {
	c, err := scanCompany(t.q.QueryRowContext(ctx, `select `+companyColumns+` from companies where id = $1`, id))
	if err != nil {
		return admin.Company{}, translate(err, "company "+id)
	}
	return c, nil
}

func (t *tx) FindCompanyByINN(ctx context.Context, inn string) (admin.Company, error) {
	c, err := scanCompany(t.q.QueryRowContext(ctx, `
		select `+companyColumns+`
		from companies
		where inn = $1 and inn <> ''
	`, inn))
	if err != nil {
		return admin.Company{}, translate(err, "company with inn "+inn)
	}
	return c, nil
}

func (t *tx) InsertCompany(ctx context.Context, c admin.Company) error {
	_, err := t.q.ExecContext(ctx, `
		insert into companies (`+companyColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, companyArgs(c)...)
	return translate(err, "company "+c.ID)
}

func (t *tx) UpdateCompany(ctx context.Context, c admin.Company) error {
	res, err := t.q.ExecContext(ctx, `
		update companies
		set name = $2, short_name = $3, description = $4, inn = $5, kpp = $6, ogrn = $7, address = $8,
		    phone = $9, email = $10, website = $11, status = $12, company_type = $13, okved = $14,
		    management_name = $15, management_post = $16, registration_date = $17,
		    created_at = $18, updated_at = $19
		where id = $1
	`, companyArgs(c)...)
	return mustAffect(res, err, "company "+c.ID)
}

func (t *tx) DeleteCompany(ctx context.Context, id string) (admin.Company, error) {
	if _, err := t.q.ExecContext(ctx, `update users set company_id = null where company_id = $1`, id); err != nil {
		return admin.Company{}, err
	}
	c, err := scanCompany(t.q.QueryRowContext(ctx, `
		delete from companies
		where id = $1
		returning `+companyColumns,
		id))
	if err != nil {
		return admin.Company{}, translate(err, "company "+id)
	}
	return c, nil
}

// grants

func (t *tx) ListGrants(ctx context.Context, userID string) ([]auth.Grant, error) {
	rows, err := t.q.QueryContext(ctx, `
		select p.id, p.user_id, p.resource_type, p.resource_id, p.permission_level, p.created_at,
		       coalesce(u.email, ''), coalesce(u.name, '')
		from permissions p
		left join users u on u.id = p.user_id
		where $1 = '' or p.user_id = $1
		order by p.created_at desc, p.id desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []auth.Grant{}
	for rows.Next() {
		var email, name string
		g, err := scanGrant(rows, &email, &name)
		if err != nil {
			return nil, err
		}
		g.UserEmail, g.UserName = email, name
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *tx) GetGrant(ctx context.Context, id string) (auth.Grant, error) {
	g, err := scanGrant(t.q.QueryRowContext(ctx, `select `+grantColumns+` from permissions where id = $1`, id))
	if err != nil {
		return auth.Grant{}, translate(err, "permission "+id)
	}
	return g, nil
}

func (t *tx) InsertGrant(ctx context.Context, g auth.Grant) error {
	_, err := t.q.ExecContext(ctx, `
		insert into permissions (`+grantColumns+`)
		values ($1, $2, $3, $4, $5, $6)
	`, g.ID, g.UserID, string(g.ResourceType), g.ResourceID, string(g.Level), g.CreatedAt)
	return translate(err, "permission "+g.ID)
}

func (t *tx) SetGrantLevel(ctx context.Context, id string, level auth.Level) error {
	res, err := t.q.ExecContext(ctx, `update permissions set permission_level = $2 where id = $1`, id, string(level))
	return mustAffect(res, err, "permission "+id)
}

func (t *tx) DeleteGrant(ctx context.Context, id string) (auth.Grant, error) {
	g, err := scanGrant(t.q.QueryRowContext(ctx, `
		delete from permissions
		where id = $1
		returning `+grantColumns,
		id))
	if err != nil {
		return auth.Grant{}, translate(err, "permission "+id)
	}
	return g, nil
}

// reporting

func (t *tx) ListAudit(ctx context.Context, q admin.AuditQuery) ([]audit.Entry, error) {
	rows, err := t.q.QueryContext(ctx, `
		select a.id, a.user_id, a.action, a.resource_type, a.resource_id, a.details, a.created_at,
		       coalesce(u.email, ''), coalesce(u.name, '')
		from audit_log a
		left join users u on u.id = a.user_id
		where $1 = '' or a.user_id = $1
		order by a.created_at desc, a.id desc
		limit $2 offset $3
	`, q.UserID, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []audit.Entry{}
	for rows.Next() {
		var (
			e    audit.Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &kind, &e.ResourceID, &e.Details, &e.CreatedAt, &e.UserEmail, &e.UserName); err != nil {
			return nil, err
		}
		e.ResourceType = auth.ResourceKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *tx) LayerSummaries(ctx context.Context) ([]admin.LayerSummary, error) {
	rows, err := t.q.QueryContext(ctx, `
		select layer, count(*),
		       coalesce(json_agg(distinct user_id) filter (where user_id is not null), '[]'::json)
		from polygon_objects
		group by layer
		order by layer
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []admin.LayerSummary{}
	for rows.Next() {
		var (
			s      admin.LayerSummary
			owners []byte
		)
		if err := rows.Scan(&s.Layer, &s.ObjectCount, &owners); err != nil {
			return nil, err
		}
		s.Owners = []string{}
		if err := json.Unmarshal(owners, &s.Owners); err != nil {
			return nil, fmt.Errorf("decode owners of layer %s: %w", s.Layer, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// attribute templates

const attributeColumns = `id, name, field_type, is_required, default_value, options, sort_order, created_at, updated_at`

func scanAttribute(row scanner) (admin.AttributeTemplate, error) {
	var (
		a  admin.AttributeTemplate
		ft string
	)
	err := row.Scan(&a.ID, &a.Name, &ft, &a.IsRequired, &a.DefaultValue, &a.Options, &a.SortOrder, &a.CreatedAt, &a.UpdatedAt)
	a.FieldType = admin.FieldType(ft)
	return a, err
}

func (t *tx) ListAttributes(ctx context.Context) ([]admin.AttributeTemplate, error) {
	rows, err := t.q.QueryContext(ctx, `
		select `+attributeColumns+`
		from attribute_templates
		order by sort_order, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []admin.AttributeTemplate{}
	for rows.Next() {
		a, err := scanAttribute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *tx) InsertAttribute(ctx context.Context, a admin.AttributeTemplate) (admin.AttributeTemplate, error) {
	created, err := scanAttribute(t.q.QueryRowContext(ctx, `
		insert into attribute_templates (name, field_type, is_required, default_value, options, sort_order, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning `+attributeColumns,
		a.Name, string(a.FieldType), a.IsRequired, a.DefaultValue, a.Options, a.SortOrder, a.CreatedAt, a.UpdatedAt))
	if err != nil {
		return admin.AttributeTemplate{}, translate(err, "attribute "+a.Name)
	}
	return created, nil
}

// UpdateAttribute leaves sort_order and created_at alone.
func (t *tx) UpdateAttribute(ctx context.Context, a admin.AttributeTemplate) (admin.AttributeTemplate, error) {
	updated, err := scanAttribute(t.q.QueryRowContext(ctx, `
		update attribute_templates
		set name = $2, field_type = $3, is_required = $4, default_value = $5, options = $6, updated_at = $7
		where id = $1
		returning `+attributeColumns,
		a.ID, a.Name, string(a.FieldType), a.IsRequired, a.DefaultValue, a.Options, a.UpdatedAt))
	if err != nil {
		return admin.AttributeTemplate{}, translate(err, fmt.Sprintf("attribute %d", a.ID))
	}
	return updated, nil
}

func (t *tx) SetAttributeOrder(ctx context.Context, id int64, order int) error {
	res, err := t.q.ExecContext(ctx, `update attribute_templates set sort_order = $2 where id = $1`, id, order)
	return mustAffect(res, err, fmt.Sprintf("attribute %d", id))
}

func (t *tx) DeleteAttribute(ctx context.Context, id int64) (admin.AttributeTemplate, error) {
	a, err := scanAttribute(t.q.QueryRowContext(ctx, `
		delete from attribute_templates
		where id = $1
		returning `+attributeColumns,
		id))
	if err != nil {
		return admin.AttributeTemplate{}, translate(err, fmt.Sprintf("attribute %d", id))
	}
	return a, nil
}

// beneficiaries

func (t *tx) ListBeneficiaries(ctx context.Context) ([]admin.Beneficiary, error) {
	rows, err := t.q.QueryContext(ctx, `select id, name, created_at from beneficiaries order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []admin.Beneficiary{}
	for rows.Next() {
		var b admin.Beneficiary
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *tx) InsertBeneficiary(ctx context.Context, b admin.Beneficiary) (admin.Beneficiary, error) {
	err := t.q.QueryRowContext(ctx, `
		insert into beneficiaries (name, created_at)
		values ($1, $2)
		returning id
	`, b.Name, b.CreatedAt).Scan(&b.ID)
	if err != nil {
		return admin.Beneficiary{}, translate(err, "beneficiary "+b.Name)
	}
	return b, nil
}

func (t *tx) DeleteBeneficiary(ctx context.Context, id int64) (admin.Beneficiary, error) {
	var b admin.Beneficiary
	err := t.q.QueryRowContext(ctx, `
		delete from beneficiaries
		where id = $1
		returning id, name, created_at
	`, id).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err != nil {
		return admin.Beneficiary{}, translate(err, fmt.Sprintf("beneficiary %d", id))
	}
	return b, nil
}

func (t *tx) FindBeneficiaryByName(ctx context.Context, name string) (admin.Beneficiary, error) {
	var b admin.Beneficiary
	err := t.q.QueryRowContext(ctx, `
		select id, name, created_at
		from beneficiaries
		where lower(name) = lower($1)
	`, strings.TrimSpace(name)).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err != nil {
		return admin.Beneficiary{}, translate(err, "beneficiary "+name)
	}
	return b, nil
}

// segments

func (t *tx) ListSegments(ctx context.Context) ([]admin.Segment, error) {
	rows, err := t.q.QueryContext(ctx, `select id, name, color, order_index from segments order by order_index, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []admin.Segment{}
	for rows.Next() {
		var s admin.Segment
		if err := rows.Scan(&s.ID, &s.Name, &s.Color, &s.OrderIndex); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *tx) DeleteSegmentsExcept(ctx context.Context, keep []int64) error {
	if keep == nil {
		keep = []int64{}
	}
	_, err := t.q.ExecContext(ctx, `delete from segments where not (id = any($1))`, keep)
	return err
}

func (t *tx) UpdateSegment(ctx context.Context, s admin.Segment) error {
	res, err := t.q.ExecContext(ctx, `
		update segments
		set name = coalesce(nullif($2, ''), name), color = $3, order_index = $4
		where id = $1
	`, s.ID, s.Name, s.Color, s.OrderIndex)
	return mustAffect(res, err, fmt.Sprintf("segment %d", s.ID))
}

func (t *tx) InsertSegment(ctx context.Context, s admin.Segment) (admin.Segment, error) {
	err := t.q.QueryRowContext(ctx, `
		insert into segments (name, color, order_index)
		values ($1, $2, $3)
		returning id
	`, s.Name, s.Color, s.OrderIndex).Scan(&s.ID)
	if err != nil {
		return admin.Segment{}, translate(err, "segment "+s.Name)
	}
	return s, nil
}
