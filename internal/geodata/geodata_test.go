package geodata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mapportal.org/internal/auth"
)

func TestValidINN(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"7707083893":   true,
		"500100732259": true,
		"770708389":    false,
		"77070838931":  false,
		"77070838a3":   false,
		"":             false,
	}
	for inn, want := range cases {
		if got := ValidINN(inn); got != want {
			t.Fatalf("ValidINN(%q)=%v, want %v", inn, got, want)
		}
	}
}

func TestDadataFindParty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Token key-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["query"] == "7707083893" {
			_, _ = w.Write([]byte(`{"suggestions":[{"value":"ПАО СБЕРБАНК","data":{
				"inn":"7707083893","kpp":"773601001","ogrn":"1027700132195","type":"LEGAL",
				"name":{"full_with_opf":"ПУБЛИЧНОЕ АКЦИОНЕРНОЕ ОБЩЕСТВО \"СБЕРБАНК РОССИИ\"","short_with_opf":"ПАО СБЕРБАНК"},
				"address":{"value":"г Москва","unrestricted_value":"117312, г Москва"},
				"state":{"status":"ACTIVE","registration_date":677376000000},
				"management":{"name":"Греф Герман Оскарович","post":"ПРЕЗИДЕНТ"}}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"suggestions":[]}`))
	}))
	defer srv.Close()

	d := NewDadata("key-1", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	p, err := d.FindParty(context.Background(), "7707083893")
	if err != nil {
		t.Fatalf("FindParty: %v", err)
	}
	if p.ShortName != "ПАО СБЕРБАНК" || p.KPP != "773601001" || p.Address != "117312, г Москва" {
		t.Fatalf("unexpected party: %+v", p)
	}
	if p.ManagementPost != "ПРЕЗИДЕНТ" || p.RegistrationDate == nil {
		t.Fatalf("management or registration date missing: %+v", p)
	}

	if _, err := d.FindParty(context.Background(), "5001007322"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := d.FindParty(context.Background(), "12"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDadataWithoutKey(t *testing.T) {
	if _, err := NewDadata("").FindParty(context.Background(), "7707083893"); !errors.Is(err, auth.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestUpstreamStatusIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDadata("key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := d.FindParty(context.Background(), "7707083893")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Status != http.StatusForbidden || ue.Service != "dadata" {
		t.Fatalf("unexpected upstream error: %+v", ue)
	}
}

func TestUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewCadastre(WithBaseURL(srv.URL), WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	if _, err := c.SearchParcel(context.Background(), "77:01:0001001:1234"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestCadastreSearchParcel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/features/1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("text") == "77:01:0001001:404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Referer") == "" {
			t.Error("referer header is required upstream")
		}
		_, _ = w.Write([]byte(`{"features":[{"attrs":{"cn":"77:01:0001001:1234"}}]}`))
	}))
	defer srv.Close()

	c := NewCadastre(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	raw, err := c.SearchParcel(context.Background(), " 77:01:0001001:1234 ")
	if err != nil {
		t.Fatalf("SearchParcel: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatalf("expected JSON passthrough, got %s", raw)
	}
	if _, err := c.SearchParcel(context.Background(), "77:01:0001001:404"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := c.SearchParcel(context.Background(), "not-a-number"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestParcelsInBBox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("geometry") != "37.5,55.7,37.6,55.8" || q.Get("f") != "geojson" {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer srv.Close()

	bbox, err := ParseBBox("37.5, 55.7, 37.6, 55.8")
	if err != nil {
		t.Fatalf("ParseBBox: %v", err)
	}
	c := NewCadastre(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if _, err := c.ParcelsInBBox(context.Background(), bbox); err != nil {
		t.Fatalf("ParcelsInBBox: %v", err)
	}
}

func TestParseBBoxRejects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "1,2,3", "a,b,c,d", "10,10,5,20", "0,0,200,10"} {
		if _, err := ParseBBox(raw); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("ParseBBox(%q): expected invalid input, got %v", raw, err)
		}
	}
}
