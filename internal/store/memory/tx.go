package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/polygon"
)

type tx struct {
	st        *state
	auditFail error
}

func notFound(what string) error { return fmt.Errorf("%w: %s", auth.ErrNotFound, what) }

func conflict(what string) error { return fmt.Errorf("%w: %s already exists", auth.ErrConflict, what) }

// directory

func (t *tx) FindUser(_ context.Context, id string) (auth.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return auth.User{}, notFound("user " + id)
	}
	return u, nil
}

func (t *tx) FindApplicableGrant(_ context.Context, userID string, res auth.Resource) (*auth.Grant, error) {
	g, ok := auth.SelectGrant(t.userGrants(userID, res.Kind), res)
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (t *tx) ListActiveGrants(_ context.Context, userID string, kind auth.ResourceKind) ([]auth.Grant, error) {
	var out []auth.Grant
	for _, g := range t.userGrants(userID, kind) {
		if !g.Revoked() {
			out = append(out, g)
		}
	}
	return out, nil
}

func (t *tx) userGrants(userID string, kind auth.ResourceKind) []auth.Grant {
	var out []auth.Grant
	for _, g := range t.st.grants {
		if g.UserID == userID && g.ResourceType == kind {
			out = append(out, g)
		}
	}
	return out
}

func (t *tx) AppendAudit(_ context.Context, e audit.Entry) error {
	if t.auditFail != nil {
		return t.auditFail
	}
	t.st.audit = append(t.st.audit, e)
	return nil
}

// polygons

func (t *tx) GetPolygon(_ context.Context, id string, _ bool) (polygon.Polygon, error) {
	p, ok := t.st.polygons[id]
	if !ok {
		return polygon.Polygon{}, notFound("polygon " + id)
	}
	return p, nil
}

func (t *tx) ListPolygons(_ context.Context, keep func(polygon.Polygon) bool) ([]polygon.Polygon, error) {
	var out []polygon.Polygon
	for _, p := range t.st.polygons {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *tx) IDInUse(_ context.Context, id string) (bool, error) {
	_, active := t.st.polygons[id]
	_, trashed := t.st.trash[id]
	return active || trashed, nil
}

func (t *tx) InsertPolygon(_ context.Context, p polygon.Polygon) error {
	if _, ok := t.st.polygons[p.ID]; ok {
		return conflict("polygon " + p.ID)
	}
	t.st.polygons[p.ID] = p
	return nil
}

func (t *tx) UpdatePolygon(_ context.Context, p polygon.Polygon) error {
	if _, ok := t.st.polygons[p.ID]; !ok {
		return notFound("polygon " + p.ID)
	}
	t.st.polygons[p.ID] = p
	return nil
}

func (t *tx) DeletePolygon(_ context.Context, id string) (polygon.Polygon, error) {
	p, ok := t.st.polygons[id]
	if !ok {
		return polygon.Polygon{}, notFound("polygon " + id)
	}
	delete(t.st.polygons, id)
	return p, nil
}

func (t *tx) InsertTrashed(_ context.Context, p polygon.Trashed) error {
	if _, ok := t.st.trash[p.ID]; ok {
		return conflict("trashed polygon " + p.ID)
	}
	t.st.trash[p.ID] = p
	return nil
}

func (t *tx) DeleteTrashed(_ context.Context, id string) (polygon.Trashed, error) {
	p, ok := t.st.trash[id]
	if !ok {
		return polygon.Trashed{}, notFound("trashed polygon " + id)
	}
	delete(t.st.trash, id)
	return p, nil
}

func (t *tx) ListTrashed(_ context.Context) ([]polygon.Trashed, error) {
	out := make([]polygon.Trashed, 0, len(t.st.trash))
	for _, p := range t.st.trash {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *tx) EmptyTrash(_ context.Context) (int64, error) {
	n := int64(len(t.st.trash))
	t.st.trash = map[string]polygon.Trashed{}
	return n, nil
}

// users

func (t *tx) ListUsers(_ context.Context) ([]admin.UserSummary, error) {
	out := make([]admin.UserSummary, 0, len(t.st.users))
	for _, u := range t.st.users {
		s := admin.UserSummary{User: u}
		if u.CompanyID != nil {
			if c, ok := t.st.companies[*u.CompanyID]; ok {
				name := c.Name
				s.CompanyName = &name
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) updateUser(id string, fn func(*auth.User)) (auth.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return auth.User{}, notFound("user " + id)
	}
	fn(&u)
	t.st.users[id] = u
	return u, nil
}

func (t *tx) SetUserRole(_ context.Context, id string, role auth.Role) (auth.User, error) {
	return t.updateUser(id, func(u *auth.User) { u.Role = role })
}

func (t *tx) SetUserStatus(_ context.Context, id string, status auth.Status) (auth.User, error) {
	return t.updateUser(id, func(u *auth.User) { u.Status = status })
}

func (t *tx) SetUserCompany(_ context.Context, id string, companyID *string) (auth.User, error) {
	return t.updateUser(id, func(u *auth.User) { u.CompanyID = companyID })
}

// companies

func (t *tx) ListCompanies(_ context.Context) ([]admin.Company, error) {
	out := make([]admin.Company, 0, len(t.st.companies))
	for _, c := range t.st.companies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) GetCompany(_ context.Context, id string) (admin.Company, error) {
	c, ok := t.st.companies[id]
	if !ok {
		return admin.Company{}, notFound("company " + id)
	}
	return c, nil
}

func (t *tx) FindCompanyByINN(_ context.Context, inn string) (admin.Company, error) {
	for _, c := range t.st.companies {
		if c.INN != "" && c.INN == inn {
			return c, nil
		}
	}
	return admin.Company{}, notFound("company with inn " + inn)
}

func (t *tx) InsertCompany(_ context.Context, c admin.Company) error {
	if _, ok := t.st.companies[c.ID]; ok {
		return conflict("company " + c.ID)
	}
	t.st.companies[c.ID] = c
	return nil
}

func (t *tx) UpdateCompany(_ context.Context, c admin.Company) error {
	if _, ok := t.st.companies[c.ID]; !ok {
		return notFound("company " + c.ID)
	}
	t.st.companies[c.ID] = c
	return nil
}

func (t *tx) DeleteCompany(_ context.Context, id string) (admin.Company, error) {
	c, ok := t.st.companies[id]
	if !ok {
		return admin.Company{}, notFound("company " + id)
	}
	delete(t.st.companies, id)
	for uid, u := range t.st.users {
		if u.CompanyID != nil && *u.CompanyID == id {
			u.CompanyID = nil
			t.st.users[uid] = u
		}
	}
	return c, nil
}

// grants

func (t *tx) ListGrants(_ context.Context, userID string) ([]auth.Grant, error) {
	out := []auth.Grant{}
	for _, g := range t.st.grants {
		if userID != "" && g.UserID != userID {
			continue
		}
		if u, ok := t.st.users[g.UserID]; ok {
			g.UserEmail, g.UserName = u.Email, u.Name
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *tx) GetGrant(_ context.Context, id string) (auth.Grant, error) {
	g, ok := t.st.grants[id]
	if !ok {
		return auth.Grant{}, notFound("permission " + id)
	}
	return g, nil
}

func (t *tx) InsertGrant(_ context.Context, g auth.Grant) error {
	if _, ok := t.st.users[g.UserID]; !ok {
		return fmt.Errorf("%w: unknown user %s", auth.ErrInvalidInput, g.UserID)
	}
	if _, ok := t.st.grants[g.ID]; ok {
		return conflict("permission " + g.ID)
	}
	t.st.grants[g.ID] = g
	return nil
}

func (t *tx) SetGrantLevel(_ context.Context, id string, level auth.Level) error {
	g, ok := t.st.grants[id]
	if !ok {
		return notFound("permission " + id)
	}
	g.Level = level
	t.st.grants[id] = g
	return nil
}

func (t *tx) DeleteGrant(_ context.Context, id string) (auth.Grant, error) {
	g, ok := t.st.grants[id]
	if !ok {
		return auth.Grant{}, notFound("permission " + id)
	}
	delete(t.st.grants, id)
	return g, nil
}

// reporting

func (t *tx) ListAudit(_ context.Context, q admin.AuditQuery) ([]audit.Entry, error) {
	var all []audit.Entry
	for _, e := range t.st.audit {
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if u, ok := t.st.users[e.UserID]; ok {
			e.UserEmail, e.UserName = u.Email, u.Name
		}
		all = append(all, e)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if q.Offset >= len(all) {
		return []audit.Entry{}, nil
	}
	all = all[q.Offset:]
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

func (t *tx) LayerSummaries(_ context.Context) ([]admin.LayerSummary, error) {
	byLayer := map[string]*admin.LayerSummary{}
	owners := map[string]map[string]struct{}{}
	for _, p := range t.st.polygons {
		s, ok := byLayer[p.Layer]
		if !ok {
			s = &admin.LayerSummary{Layer: p.Layer, Owners: []string{}}
			byLayer[p.Layer] = s
			owners[p.Layer] = map[string]struct{}{}
		}
		s.ObjectCount++
		if p.UserID != nil {
			if _, seen := owners[p.Layer][*p.UserID]; !seen {
				owners[p.Layer][*p.UserID] = struct{}{}
				s.Owners = append(s.Owners, *p.UserID)
			}
		}
	}
	out := make([]admin.LayerSummary, 0, len(byLayer))
	for _, s := range byLayer {
		sort.Strings(s.Owners)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out, nil
}

// attribute templates

func (t *tx) ListAttributes(_ context.Context) ([]admin.AttributeTemplate, error) {
	out := make([]admin.AttributeTemplate, 0, len(t.st.attributes))
	for _, a := range t.st.attributes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) InsertAttribute(_ context.Context, a admin.AttributeTemplate) (admin.AttributeTemplate, error) {
	a.ID = t.st.next()
	t.st.attributes[a.ID] = a
	return a, nil
}

func (t *tx) UpdateAttribute(_ context.Context, a admin.AttributeTemplate) (admin.AttributeTemplate, error) {
	cur, ok := t.st.attributes[a.ID]
	if !ok {
		return admin.AttributeTemplate{}, notFound(fmt.Sprintf("attribute %d", a.ID))
	}
	a.SortOrder = cur.SortOrder
	a.CreatedAt = cur.CreatedAt
	t.st.attributes[a.ID] = a
	return a, nil
}

func (t *tx) SetAttributeOrder(_ context.Context, id int64, order int) error {
	a, ok := t.st.attributes[id]
	if !ok {
		return notFound(fmt.Sprintf("attribute %d", id))
	}
	a.SortOrder = order
	t.st.attributes[id] = a
	return nil
}

func (t *tx) DeleteAttribute(_ context.Context, id int64) (admin.AttributeTemplate, error) {
	a, ok := t.st.attributes[id]
	if !ok {
		return admin.AttributeTemplate{}, notFound(fmt.Sprintf("attribute %d", id))
	}
	delete(t.st.attributes, id)
	return a, nil
}

// beneficiaries

func (t *tx) ListBeneficiaries(_ context.Context) ([]admin.Beneficiary, error) {
	out := make([]admin.Beneficiary, 0, len(t.st.beneficiaries))
	for _, b := range t.st.beneficiaries {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tx) InsertBeneficiary(_ context.Context, b admin.Beneficiary) (admin.Beneficiary, error) {
	for _, cur := range t.st.beneficiaries {
		if strings.EqualFold(cur.Name, b.Name) {
			return admin.Beneficiary{}, conflict("beneficiary " + b.Name)
		}
	}
	b.ID = t.st.next()
	t.st.beneficiaries[b.ID] = b
	return b, nil
}

func (t *tx) DeleteBeneficiary(_ context.Context, id int64) (admin.Beneficiary, error) {
	b, ok := t.st.beneficiaries[id]
	if !ok {
		return admin.Beneficiary{}, notFound(fmt.Sprintf("beneficiary %d", id))
	}
	delete(t.st.beneficiaries, id)
	return b, nil
}

func (t *tx) FindBeneficiaryByName(_ context.Context, name string) (admin.Beneficiary, error) {
	for _, b := range t.st.beneficiaries {
		if strings.EqualFold(b.Name, name) {
			return b, nil
		}
	}
	return admin.Beneficiary{}, notFound("beneficiary " + name)
}

// segments

func (t *tx) ListSegments(_ context.Context) ([]admin.Segment, error) {
	out := make([]admin.Segment, 0, len(t.st.segments))
	for _, s := range t.st.segments {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) DeleteSegmentsExcept(_ context.Context, keep []int64) error {
	kept := make(map[int64]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	for id := range t.st.segments {
		if _, ok := kept[id]; !ok {
			delete(t.st.segments, id)
		}
	}
	return nil
}

func (t *tx) UpdateSegment(_ context.Context, s admin.Segment) error {
	cur, ok := t.st.segments[s.ID]
	if !ok {
		return notFound(fmt.Sprintf("segment %d", s.ID))
	}
	if s.Name == "" {
		s.Name = cur.Name
	}
	t.st.segments[s.ID] = s
	return nil
}

func (t *tx) InsertSegment(_ context.Context, s admin.Segment) (admin.Segment, error) {
	for _, cur := range t.st.segments {
		if cur.Name == s.Name {
			return admin.Segment{}, conflict("segment " + s.Name)
		}
	}
	s.ID = t.st.next()
	t.st.segments[s.ID] = s
	return s, nil
}
