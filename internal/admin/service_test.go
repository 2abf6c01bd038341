package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/geodata"
	"mapportal.org/internal/polygon"
	"mapportal.org/internal/store/memory"
)

type stubParties struct {
	calls int
	party geodata.Party
	err   error
}

func (s *stubParties) FindParty(_ context.Context, inn string) (geodata.Party, error) {
	s.calls++
	if s.err != nil {
		return geodata.Party{}, s.err
	}
	p := s.party
	p.INN = inn
	return p, nil
}

func setup(t *testing.T, opts ...admin.ServiceOption) (*memory.Store, *admin.Service) {
	t.Helper()
	st := memory.New()
	for _, u := range []auth.User{
		{ID: "admin", Email: "admin@example.com", Name: "Admin", Role: auth.RoleAdmin, Status: auth.StatusActive},
		{ID: "u", Email: "u@example.com", Name: "U", Role: auth.RoleUser, Status: auth.StatusActive},
		{ID: "ghost", Email: "ghost@example.com", Role: auth.RoleAdmin, Status: auth.StatusBlocked},
	} {
		st.PutUser(u)
	}
	clock := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	opts = append([]admin.ServiceOption{admin.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})}, opts...)
	return st, admin.NewService(st.Admin(), opts...)
}

func as(id string) context.Context { return auth.ContextWithCaller(context.Background(), id) }

func lastEntry(t *testing.T, st *memory.Store) audit.Entry {
	t.Helper()
	entries := st.AuditEntries()
	if len(entries) == 0 {
		t.Fatal("no audit entries")
	}
	return entries[len(entries)-1]
}

func TestAdminGate(t *testing.T) {
	_, svc := setup(t)
	if _, err := svc.ListUsers(as("u")); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("non-admin must be forbidden, got %v", err)
	}
	if _, err := svc.ListUsers(as("ghost")); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("blocked admin must be unauthenticated, got %v", err)
	}
	if _, err := svc.ListUsers(context.Background()); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("missing caller must be unauthenticated, got %v", err)
	}
	users, err := svc.ListUsers(as("admin"))
	if err != nil || len(users) != 3 {
		t.Fatalf("ListUsers: %v %+v", err, users)
	}
}

func TestCreateCompanyScenario(t *testing.T) {
	st, svc := setup(t)
	c, err := svc.CreateCompany(as("admin"), admin.CompanyInput{ID: "c1", Name: "Acme"})
	if err != nil {
		t.Fatalf("CreateCompany: %v", err)
	}
	if c.Status != "active" {
		t.Fatalf("expected implicit active status, got %q", c.Status)
	}
	e := lastEntry(t, st)
	if e.Action != "create_object" || e.ResourceType != auth.KindCompany || *e.ResourceID != "c1" {
		t.Fatalf("unexpected audit entry %+v", e)
	}
	if len(st.AuditEntries()) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(st.AuditEntries()))
	}

	generated, err := svc.CreateCompany(as("admin"), admin.CompanyInput{Name: "Beta", INN: "7707083893"})
	if err != nil {
		t.Fatalf("CreateCompany without id: %v", err)
	}
	if len(generated.ID) != 36 {
		t.Fatalf("expected a UUID, got %q", generated.ID)
	}
	if _, err := svc.CreateCompany(as("admin"), admin.CompanyInput{ID: "c1", Name: "Again"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := svc.CreateCompany(as("admin"), admin.CompanyInput{Name: "Bad", INN: "123"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCompanyAssignmentAndDelete(t *testing.T) {
	st, svc := setup(t)
	if _, err := svc.CreateCompany(as("admin"), admin.CompanyInput{ID: "c1", Name: "Acme"}); err != nil {
		t.Fatalf("CreateCompany: %v", err)
	}
	if _, err := svc.AssignCompany(as("admin"), "u", "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	u, err := svc.AssignCompany(as("admin"), "u", "c1")
	if err != nil || u.CompanyID == nil || *u.CompanyID != "c1" {
		t.Fatalf("AssignCompany: %v %+v", err, u)
	}
	users, _ := svc.ListUsers(as("admin"))
	for _, s := range users {
		if s.ID == "u" && (s.CompanyName == nil || *s.CompanyName != "Acme") {
			t.Fatalf("company name not joined: %+v", s)
		}
	}

	updated, err := svc.UpdateCompany(as("admin"), "c1", admin.CompanyInput{Name: "Acme LLC", Status: "Inactive"})
	if err != nil || updated.Name != "Acme LLC" || updated.Status != "inactive" {
		t.Fatalf("UpdateCompany: %v %+v", err, updated)
	}
	if e := lastEntry(t, st); e.Action != audit.ActionUpdateObject {
		t.Fatalf("unexpected entry %+v", e)
	}

	if err := svc.DeleteCompany(as("admin"), "c1"); err != nil {
		t.Fatalf("DeleteCompany: %v", err)
	}
	users, _ = svc.ListUsers(as("admin"))
	for _, s := range users {
		if s.ID == "u" && s.CompanyID != nil {
			t.Fatalf("user must be detached, got %+v", s)
		}
	}
	if err := svc.DeleteCompany(as("admin"), "c1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRoleAndStatusUpdates(t *testing.T) {
	st, svc := setup(t)
	u, err := svc.UpdateRole(as("admin"), "u", "editor")
	if err != nil || u.Role != auth.RoleEditor {
		t.Fatalf("UpdateRole: %v %+v", err, u)
	}
	e := lastEntry(t, st)
	if e.Action != audit.ActionUpdateRole || e.Details != "Changed role to editor" || *e.ResourceID != "u" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if _, err := svc.UpdateRole(as("admin"), "u", "root"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid role, got %v", err)
	}
	if _, err := svc.UpdateStatus(as("admin"), "nobody", "active"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.UpdateStatus(as("admin"), "u", "suspended"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if e := lastEntry(t, st); e.Action != audit.ActionUpdateStatus {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestGrantRevokePurge(t *testing.T) {
	st, svc := setup(t)
	zoning := "zoning"
	g, err := svc.Grant(as("admin"), admin.GrantInput{UserID: "u", ResourceType: "layer", ResourceID: &zoning, Level: "write"})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	e := lastEntry(t, st)
	if e.Action != audit.ActionGrantPermission || e.ResourceType != auth.KindLayer || *e.ResourceID != "zoning" {
		t.Fatalf("unexpected entry %+v", e)
	}

	bad := []admin.GrantInput{
		{UserID: "u", ResourceType: "polygon", Level: "read"},
		{UserID: "u", ResourceType: "layer", Level: "owner"},
		{UserID: "u", ResourceType: "layer", Level: "revoked"},
		{ResourceType: "layer", Level: "read"},
	}
	for _, in := range bad {
		if _, err := svc.Grant(as("admin"), in); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("Grant(%+v): expected invalid input, got %v", in, err)
		}
	}
	if _, err := svc.Grant(as("admin"), admin.GrantInput{UserID: "nobody", ResourceType: "layer", Level: "read"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}

	revoked, err := svc.Revoke(as("admin"), g.ID)
	if err != nil || revoked.Level != auth.LevelRevoked {
		t.Fatalf("Revoke: %v %+v", err, revoked)
	}
	grants := st.Grants()
	if len(grants) != 1 || grants[0].Level != auth.LevelRevoked {
		t.Fatalf("revoke must keep the row tagged, got %+v", grants)
	}
	before := len(st.AuditEntries())
	if _, err := svc.Revoke(as("admin"), g.ID); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if len(st.AuditEntries()) != before {
		t.Fatal("revoking twice must not write a second entry")
	}

	listed, err := svc.ListGrants(as("admin"), "u")
	if err != nil || len(listed) != 1 || listed[0].UserEmail != "u@example.com" {
		t.Fatalf("ListGrants: %v %+v", err, listed)
	}

	if err := svc.DeleteGrant(as("admin"), g.ID); err != nil {
		t.Fatalf("DeleteGrant: %v", err)
	}
	if len(st.Grants()) != 0 {
		t.Fatal("purge must remove the row")
	}
	e = lastEntry(t, st)
	if e.Action != audit.ActionDeletePermission || e.Details != "Deleted revoked grant of user u on layer:zoning" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if err := svc.DeleteGrant(as("admin"), g.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditPaging(t *testing.T) {
	_, svc := setup(t)
	for i := 0; i < 5; i++ {
		if _, err := svc.UpdateStatus(as("admin"), "u", "active"); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}
	page, err := svc.ListAudit(as("admin"), admin.AuditQuery{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(page) != 2 || page[0].UserEmail != "admin@example.com" {
		t.Fatalf("unexpected page %+v", page)
	}
	all, _ := svc.ListAudit(as("admin"), admin.AuditQuery{})
	if len(all) != 5 || all[0].ID < all[4].ID {
		t.Fatalf("expected five entries newest first, got %+v", all)
	}
	none, _ := svc.ListAudit(as("admin"), admin.AuditQuery{UserID: "u"})
	if len(none) != 0 {
		t.Fatalf("user filter ignored: %+v", none)
	}
}

func TestLayerSummaries(t *testing.T) {
	st, svc := setup(t)
	owner := "u"
	now := time.Now()
	st.PutPolygon(polygon.Polygon{ID: "a", Layer: "zoning", UserID: &owner, CreatedAt: now})
	st.PutPolygon(polygon.Polygon{ID: "b", Layer: "zoning", UserID: &owner, CreatedAt: now})
	st.PutPolygon(polygon.Polygon{ID: "c", Layer: "zoning", CreatedAt: now})
	st.PutPolygon(polygon.Polygon{ID: "d", Layer: "roads", CreatedAt: now})

	got, err := svc.LayerSummaries(as("admin"))
	if err != nil {
		t.Fatalf("LayerSummaries: %v", err)
	}
	if len(got) != 2 || got[1].Layer != "zoning" || got[1].ObjectCount != 3 || len(got[1].Owners) != 1 {
		t.Fatalf("unexpected summaries %+v", got)
	}
	if got[0].Owners == nil {
		t.Fatal("owners must encode as an empty list")
	}
	if raw, _ := json.Marshal(got[0]); string(raw) != `{"layer":"roads","object_count":1,"owners":[]}` {
		t.Fatalf("unexpected JSON %s", raw)
	}
}

func TestAttributeTemplates(t *testing.T) {
	st, svc := setup(t)
	a, err := svc.CreateAttribute(as("admin"), admin.AttributeInput{Name: "Owner", FieldType: "text", SortOrder: 5})
	if err != nil {
		t.Fatalf("CreateAttribute: %v", err)
	}
	b, err := svc.CreateAttribute(as("admin"), admin.AttributeInput{Name: "Zone", FieldType: "select", Options: "A,B", SortOrder: 1})
	if err != nil {
		t.Fatalf("CreateAttribute: %v", err)
	}
	if _, err := svc.CreateAttribute(as("admin"), admin.AttributeInput{Name: "Zone", FieldType: "select"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("select without options must fail, got %v", err)
	}
	if _, err := svc.CreateAttribute(as("u"), admin.AttributeInput{Name: "X", FieldType: "text"}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	list, _ := svc.ListAttributes(as("admin"))
	if len(list) != 2 || list[0].ID != b.ID {
		t.Fatalf("templates must be sorted by sort_order, got %+v", list)
	}

	updated, err := svc.UpdateAttribute(as("admin"), admin.AttributeInput{ID: a.ID, Name: "Owner name", FieldType: "textarea", IsRequired: true})
	if err != nil || updated.SortOrder != 5 || !updated.IsRequired {
		t.Fatalf("UpdateAttribute: %v %+v", err, updated)
	}

	before := len(st.AuditEntries())
	if _, err := svc.ReorderAttributes(as("admin"), []admin.AttributeOrder{{ID: a.ID, SortOrder: 0}, {ID: 999, SortOrder: 1}}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, _ = svc.ListAttributes(as("admin"))
	if list[0].ID != b.ID {
		t.Fatal("failed reorder must change nothing")
	}
	if len(st.AuditEntries()) != before {
		t.Fatal("failed reorder must not be audited")
	}
	list, err = svc.ReorderAttributes(as("admin"), []admin.AttributeOrder{{ID: a.ID, SortOrder: 0}, {ID: b.ID, SortOrder: 1}})
	if err != nil || list[0].ID != a.ID {
		t.Fatalf("ReorderAttributes: %v %+v", err, list)
	}
	if e := lastEntry(t, st); e.Action != audit.ActionReorderAttribute || e.ResourceID != nil {
		t.Fatalf("unexpected entry %+v", e)
	}

	if err := svc.DeleteAttribute(as("admin"), b.ID); err != nil {
		t.Fatalf("DeleteAttribute: %v", err)
	}
	if e := lastEntry(t, st); e.Action != audit.ActionDeleteAttribute || e.ResourceType != auth.KindAttribute {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestBeneficiaries(t *testing.T) {
	st, svc := setup(t)
	b, err := svc.CreateBeneficiary(as("admin"), " Fund A ")
	if err != nil || b.Name != "Fund A" {
		t.Fatalf("CreateBeneficiary: %v %+v", err, b)
	}
	if _, err := svc.CreateBeneficiary(as("admin"), "fund a"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := svc.DeleteBeneficiary(as("admin"), 0, "Fund A"); err != nil {
		t.Fatalf("DeleteBeneficiary by name: %v", err)
	}
	if e := lastEntry(t, st); e.ResourceType != auth.KindBeneficiary || e.Action != audit.ActionDeleteObject {
		t.Fatalf("unexpected entry %+v", e)
	}
	list, _ := svc.ListBeneficiaries(as("admin"))
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %+v", list)
	}
}

func TestReplaceSegments(t *testing.T) {
	st, svc := setup(t)
	first, err := svc.ReplaceSegments(as("admin"), []admin.Segment{{Name: "Residential"}, {Name: "Commercial", Color: "#FF0000"}})
	if err != nil {
		t.Fatalf("ReplaceSegments: %v", err)
	}
	if len(first) != 2 || first[0].Color != admin.DefaultSegmentColor || first[1].OrderIndex != 1 {
		t.Fatalf("unexpected segments %+v", first)
	}

	second, err := svc.ReplaceSegments(as("admin"), []admin.Segment{
		{ID: first[1].ID, Color: "#00FF00"},
		{Name: "Industrial"},
	})
	if err != nil {
		t.Fatalf("ReplaceSegments: %v", err)
	}
	if len(second) != 2 || second[0].Name != "Commercial" || second[0].Color != "#00FF00" || second[1].Name != "Industrial" {
		t.Fatalf("unexpected segments %+v", second)
	}

	public, err := svc.ListSegments(context.Background())
	if err != nil || len(public) != 2 {
		t.Fatalf("ListSegments must work without a caller: %v %+v", err, public)
	}
	if _, err := svc.ReplaceSegments(as("u"), nil); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := svc.ReplaceSegments(as("admin"), []admin.Segment{{ID: 4242}}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if e := lastEntry(t, st); e.Action != audit.ActionReplaceSegments {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestImportCompany(t *testing.T) {
	parties := &stubParties{party: geodata.Party{FullName: "ООО Ромашка", ShortName: "Ромашка", KPP: "770101001"}}
	st, svc := setup(t, admin.WithPartyFinder(parties))

	c, created, err := svc.ImportCompany(as("u"), "7707083893")
	if err != nil || !created {
		t.Fatalf("ImportCompany: created=%v err=%v", created, err)
	}
	if c.Name != "ООО Ромашка" || c.KPP != "770101001" || c.Status != "active" || len(c.ID) != 36 {
		t.Fatalf("unexpected company %+v", c)
	}
	if e := lastEntry(t, st); e.Action != audit.ActionImportCompany || e.UserID != "u" {
		t.Fatalf("unexpected entry %+v", e)
	}

	again, created, err := svc.ImportCompany(as("u"), "7707083893")
	if err != nil || created || again.ID != c.ID {
		t.Fatalf("second import must return the stored row: created=%v err=%v", created, err)
	}
	if parties.calls != 1 {
		t.Fatalf("registry must be called once, got %d", parties.calls)
	}

	parties.err = auth.ErrNotFound
	if _, _, err := svc.ImportCompany(as("u"), "500100732259"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := svc.ImportCompany(as("u"), "12ab"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	_, bare := setup(t)
	if _, _, err := bare.ImportCompany(as("u"), "7707083893"); !errors.Is(err, auth.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}
