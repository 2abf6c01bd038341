package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/geodata"
	"mapportal.org/internal/polygon"
	"mapportal.org/internal/store/memory"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	t       *testing.T
}

func newTestAPI(t *testing.T, mutate ...func(*Options)) *apiClient {
	t.Helper()

	st := memory.New()
	for _, u := range []auth.User{
		{ID: "admin", Email: "admin@example.com", Name: "Admin", Role: auth.RoleAdmin, Status: auth.StatusActive},
		{ID: "u", Email: "u@example.com", Name: "U", Role: auth.RoleUser, Status: auth.StatusActive},
	} {
		st.PutUser(u)
	}
	opts := Options{
		Version:        "test",
		Ready:          StoreReadiness{Store: st},
		Polygons:       polygon.NewService(st.Polygons()),
		Admin:          admin.NewService(st.Admin()),
		Accounts:       auth.NewAccounts(st, auth.NewTokens("test-secret")),
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   st,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, params url.Values, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u.String(), payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func as(userID string) map[string]string {
	return map[string]string{userIDHeader: userID}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, body)
	}
}

func plot(id, layer string) map[string]any {
	return map[string]any{
		"id":          id,
		"name":        "Plot " + id,
		"area":        1250.5,
		"coordinates": [][]float64{{37.61, 55.75}, {37.62, 55.75}, {37.62, 55.76}},
		"layer":       layer,
	}
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/healthz", nil, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	health := decodeBody[map[string]any](t, resp)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health body: %v", health)
	}

	resp = c.do(http.MethodGet, "/readyz", nil, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestReadyWithoutStore(t *testing.T) {
	c := newTestAPI(t, func(o *Options) { o.Ready = StoreReadiness{} })
	resp := c.do(http.MethodGet, "/readyz", nil, nil, nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestPreflightNeverTouchesServices(t *testing.T) {
	c := newTestAPI(t, func(o *Options) {
		o.Polygons = nil
		o.Admin = nil
	})
	for _, path := range []string{"/polygons", "/admin"} {
		resp := c.do(http.MethodOptions, path, nil, nil, nil)
		expectStatus(t, resp, http.StatusOK)
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("%s: allow-origin = %q", path, got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "DELETE") {
			t.Fatalf("%s: allow-methods = %q", path, got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-User-Id") {
			t.Fatalf("%s: allow-headers = %q", path, got)
		}
		resp.Body.Close()
	}
}

func TestMissingStoreIsServerError(t *testing.T) {
	c := newTestAPI(t, func(o *Options) { o.Polygons = nil })
	resp := c.do(http.MethodGet, "/polygons", nil, nil, as("u"))
	expectStatus(t, resp, http.StatusInternalServerError)
	body := decodeBody[map[string]any](t, resp)
	if !strings.Contains(body["error"].(string), "DATABASE_URL") {
		t.Fatalf("unexpected error: %v", body)
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in error body")
	}
}

func TestPolygonsRequireIdentity(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/polygons", nil, nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestPolygonLifecycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/polygons", nil, plot("p1", "zoning"), as("u"))
	expectStatus(t, resp, http.StatusCreated)
	created := decodeBody[polygon.Polygon](t, resp)
	if created.ID != "p1" || created.UserID == nil || *created.UserID != "u" {
		t.Fatalf("unexpected created polygon: %+v", created)
	}

	resp = c.do(http.MethodPost, "/polygons", nil, plot("p1", "zoning"), as("u"))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	update := plot("p1", "zoning")
	update["name"] = "Renamed"
	resp = c.do(http.MethodPut, "/polygons", url.Values{"id": {"p1"}}, update, as("u"))
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[polygon.Polygon](t, resp); got.Name != "Renamed" {
		t.Fatalf("name = %q", got.Name)
	}

	resp = c.do(http.MethodDelete, "/polygons", url.Values{"id": {"p1"}, "action": {"move_to_trash"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	moved := decodeBody[map[string]any](t, resp)
	if moved["id"] != "p1" || moved["message"] == "" {
		t.Fatalf("unexpected trash body: %v", moved)
	}
	if c.store.IsActive("p1") || !c.store.IsTrashed("p1") {
		t.Fatal("p1 should be trashed only")
	}

	resp = c.do(http.MethodGet, "/polygons", url.Values{"source": {"trash"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	if items := decodeBody[[]polygon.Trashed](t, resp); len(items) != 1 || items[0].MovedBy != "admin" {
		t.Fatalf("unexpected trash listing: %+v", items)
	}

	resp = c.do(http.MethodPost, "/polygons", nil, map[string]any{"action": "restore_from_trash", "id": "p1"}, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if !c.store.IsActive("p1") || c.store.IsTrashed("p1") {
		t.Fatal("p1 should be active only")
	}

	resp = c.do(http.MethodGet, "/polygons", url.Values{"id": {"p1"}}, nil, as("u"))
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[polygon.Polygon](t, resp); got.Name != "Renamed" {
		t.Fatalf("restored name = %q", got.Name)
	}
}

func TestTrashListingIsAdminOnly(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/polygons", url.Values{"source": {"trash"}}, nil, as("u"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestPermanentDeleteOutsideTrashIsNotFound(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/polygons", nil, plot("p1", "zoning"), as("admin"))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = c.do(http.MethodDelete, "/polygons", url.Values{"id": {"p1"}, "action": {"permanent"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
	if !c.store.IsActive("p1") {
		t.Fatal("active polygon must survive")
	}
}

func TestEmptyTrashReportsCount(t *testing.T) {
	c := newTestAPI(t)
	for _, id := range []string{"a", "b", "c"} {
		resp := c.do(http.MethodPost, "/polygons", nil, plot(id, "zoning"), as("admin"))
		expectStatus(t, resp, http.StatusCreated)
		resp.Body.Close()
		resp = c.do(http.MethodDelete, "/polygons", url.Values{"id": {id}}, nil, as("admin"))
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp := c.do(http.MethodDelete, "/polygons", url.Values{"action": {"empty_trash"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	body := decodeBody[map[string]any](t, resp)
	if body["message"] != "3 items deleted" || body["count"] != float64(3) {
		t.Fatalf("unexpected body: %v", body)
	}
	if c.store.TrashSize() != 0 {
		t.Fatalf("trash size = %d", c.store.TrashSize())
	}
}

func TestInvalidPolygonAction(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodDelete, "/polygons", url.Values{"id": {"x"}, "action": {"shred"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPatch, "/polygons", nil, nil, as("admin"))
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") == "" {
		t.Fatal("expected Allow header")
	}
	resp.Body.Close()
}

func TestAdminCreateCompany(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/admin", nil, map[string]any{"action": "create_company", "id": "c1", "name": "Acme"}, as("admin"))
	expectStatus(t, resp, http.StatusCreated)
	company := decodeBody[admin.Company](t, resp)
	if company.ID != "c1" || company.Status != admin.CompanyStatusActive {
		t.Fatalf("unexpected company: %+v", company)
	}

	entries := c.store.AuditEntries()
	last := entries[len(entries)-1]
	if last.Action != "create_object" || last.ResourceType != auth.KindCompany || last.ResourceID == nil || *last.ResourceID != "c1" {
		t.Fatalf("unexpected audit entry: %+v", last)
	}
}

func TestAdminRejectsNonAdmin(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/admin", url.Values{"action": {"users"}}, nil, as("u"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestAdminInvalidAction(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/admin", url.Values{"action": {"nope"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decodeBody[map[string]any](t, resp); body["error"] != "Invalid action" {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = c.do(http.MethodGet, "/admin", url.Values{"action": {"audit"}, "limit": {"5000"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAdminGrantRevokeAndPurge(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/admin", nil, map[string]any{
		"action":           "grant_permission",
		"user_id":          "u",
		"resource_type":    "layer",
		"resource_id":      "zoning",
		"permission_level": "read",
	}, as("admin"))
	expectStatus(t, resp, http.StatusCreated)
	grant := decodeBody[auth.Grant](t, resp)

	resp = c.do(http.MethodDelete, "/admin", url.Values{"permission_id": {grant.ID}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	if body := decodeBody[map[string]any](t, resp); body["message"] != "Permission revoked" {
		t.Fatalf("unexpected body: %v", body)
	}
	grants := c.store.Grants()
	if len(grants) != 1 || grants[0].Level != auth.LevelRevoked {
		t.Fatalf("revoke must keep the row: %+v", grants)
	}

	resp = c.do(http.MethodDelete, "/admin", url.Values{"permission_id": {grant.ID}, "purge": {"true"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if n := len(c.store.Grants()); n != 0 {
		t.Fatalf("purge left %d grants", n)
	}
}

func TestAdminRejectsUnknownResourceType(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/admin", nil, map[string]any{
		"action":           "grant_permission",
		"user_id":          "u",
		"resource_type":    "galaxy",
		"permission_level": "read",
	}, as("admin"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAdminAttributes(t *testing.T) {
	c := newTestAPI(t)

	var ids []int64
	for _, name := range []string{"Owner", "Zoning"} {
		resp := c.do(http.MethodPost, "/admin", nil, map[string]any{
			"action":     "create_attribute",
			"name":       name,
			"field_type": "text",
		}, as("admin"))
		expectStatus(t, resp, http.StatusCreated)
		ids = append(ids, decodeBody[admin.AttributeTemplate](t, resp).ID)
	}

	resp := c.do(http.MethodPost, "/admin", nil, map[string]any{
		"action": "reorder_attributes",
		"attributes": []map[string]any{
			{"id": ids[0], "sort_order": 2},
			{"id": ids[1], "sort_order": 1},
		},
	}, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	if body := decodeBody[map[string]any](t, resp); body["success"] != true {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = c.do(http.MethodGet, "/admin", url.Values{"action": {"attributes"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	attrs := decodeBody[[]admin.AttributeTemplate](t, resp)
	if len(attrs) != 2 || attrs[0].ID != ids[1] {
		t.Fatalf("unexpected order: %+v", attrs)
	}

	resp = c.do(http.MethodDelete, "/admin", url.Values{"attribute_id": {"not-a-number"}}, nil, as("admin"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestSegmentsArePublicToRead(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/segments", nil, map[string]any{
		"segments": []map[string]any{{"name": "Residential"}, {"name": "Industrial", "color": "#ff0000"}},
	}, as("u"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/segments", nil, map[string]any{
		"segments": []map[string]any{{"name": "Residential"}, {"name": "Industrial", "color": "#ff0000"}},
	}, as("admin"))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/segments", nil, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	body := decodeBody[struct {
		Segments []admin.Segment `json:"segments"`
	}](t, resp)
	if len(body.Segments) != 2 || body.Segments[0].Color != admin.DefaultSegmentColor {
		t.Fatalf("unexpected segments: %+v", body.Segments)
	}
}

func TestRegisterThenBearerIdentity(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/auth", nil, map[string]any{
		"action":   "register",
		"email":    "new@example.com",
		"password": "correct horse",
		"name":     "New",
	}, nil)
	expectStatus(t, resp, http.StatusCreated)
	session := decodeBody[auth.Session](t, resp)
	if session.Token == "" || session.User.Role != auth.RoleUser {
		t.Fatalf("unexpected session: %+v", session)
	}

	resp = c.do(http.MethodPost, "/auth", nil, map[string]any{"action": "verify"}, map[string]string{
		authHeader: "Bearer " + session.Token,
	})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/polygons", nil, plot("mine", "zoning"), map[string]string{
		authHeader: "Bearer " + session.Token,
	})
	expectStatus(t, resp, http.StatusCreated)
	if p := decodeBody[polygon.Polygon](t, resp); p.UserID == nil || *p.UserID != session.User.ID {
		t.Fatalf("owner = %v, want %s", p.UserID, session.User.ID)
	}

	resp = c.do(http.MethodPost, "/auth", nil, map[string]any{
		"action":   "login",
		"email":    "new@example.com",
		"password": "wrong",
	}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

type stubCadastre struct {
	err error
}

func (s stubCadastre) SearchParcel(context.Context, string) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"feature":{"attrs":{"cn":"77:01:0001001:1234"}}}`), nil
}

func (s stubCadastre) ParcelsInBBox(context.Context, geodata.BBox) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"type":"FeatureCollection","features":[]}`), nil
}

func TestCadastreProxy(t *testing.T) {
	c := newTestAPI(t, func(o *Options) { o.Cadastre = stubCadastre{} })

	resp := c.do(http.MethodGet, "/cadastre", url.Values{"cadastral_number": {"77:01:0001001:1234"}}, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	body := decodeBody[map[string]any](t, resp)
	if body["feature"] == nil {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = c.do(http.MethodGet, "/cadastre", url.Values{"cadastral_number": {"77-01"}}, nil, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/parcels", url.Values{"bbox": {"37.6,55.7,37.5,55.8"}}, nil, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestUpstreamErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"client error propagates", &geodata.UpstreamError{Service: "cadastre", Status: http.StatusNotFound}, http.StatusNotFound},
		{"upstream unauthorized is bad gateway", &geodata.UpstreamError{Service: "cadastre", Status: http.StatusUnauthorized}, http.StatusBadGateway},
		{"upstream forbidden is bad gateway", &geodata.UpstreamError{Service: "cadastre", Status: http.StatusForbidden}, http.StatusBadGateway},
		{"server error is bad gateway", &geodata.UpstreamError{Service: "cadastre", Status: http.StatusServiceUnavailable}, http.StatusBadGateway},
		{"timeout", geodata.ErrTimeout, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestAPI(t, func(o *Options) { o.Cadastre = stubCadastre{err: tc.err} })
			resp := c.do(http.MethodGet, "/parcels", url.Values{"bbox": {"37.5,55.7,37.6,55.8"}}, nil, nil)
			expectStatus(t, resp, tc.want)
			resp.Body.Close()
		})
	}
}

func TestUnconfiguredProxies(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/assistant", nil, map[string]any{"mode": "chat", "prompt": "hi"}, nil)
	expectStatus(t, resp, http.StatusInternalServerError)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/companies/lookup", url.Values{"inn": {"7707083893"}}, nil, nil)
	expectStatus(t, resp, http.StatusInternalServerError)
	resp.Body.Close()
}

func TestUnknownPathIsNotFound(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/nope", nil, nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
