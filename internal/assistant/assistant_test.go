package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mapportal.org/internal/auth"
	"mapportal.org/internal/geodata"
)

func TestDefaultCatalogueHasAllModes(t *testing.T) {
	cat, err := DefaultCatalogue()
	if err != nil {
		t.Fatalf("DefaultCatalogue: %v", err)
	}
	want := []Mode{ModeAutoFill, ModeChat, ModeLandAnalysis, ModeSmartSearch}
	got := cat.Modes()
	if len(got) != len(want) {
		t.Fatalf("modes=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("modes=%v, want %v", got, want)
		}
	}
	if cat.Sampling().MaxTokens != 2000 {
		t.Fatalf("unexpected sampling %+v", cat.Sampling())
	}
}

func TestRender(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		name    string
		req     Request
		contain []string
		wantErr error
	}{
		{
			name:    "land analysis with object and query",
			req:     Request{Mode: ModeLandAnalysis, Prompt: "можно ли строить?", Context: json.RawMessage(`{"area":1200}`)},
			contain: []string{"\"area\": 1200", "можно ли строить?"},
		},
		{
			name:    "default mode is land analysis",
			req:     Request{Coordinates: json.RawMessage(`[[37.6,55.7]]`)},
			contain: []string{"37.6"},
		},
		{
			name:    "chat greets without prompt",
			req:     Request{Mode: ModeChat},
			contain: []string{"Привет"},
		},
		{
			name:    "smart search needs prompt",
			req:     Request{Mode: ModeSmartSearch},
			wantErr: auth.ErrInvalidInput,
		},
		{
			name:    "auto fill needs context",
			req:     Request{Mode: ModeAutoFill},
			wantErr: auth.ErrInvalidInput,
		},
		{
			name:    "unknown mode",
			req:     Request{Mode: "poetry"},
			wantErr: auth.ErrInvalidInput,
		},
		{
			name:    "context must be JSON",
			req:     Request{Mode: ModeChat, Context: json.RawMessage(`{oops`)},
			wantErr: auth.ErrInvalidInput,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			system, user, err := c.Render(tc.req)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if system == "" {
				t.Fatal("system prompt is empty")
			}
			for _, s := range tc.contain {
				if !strings.Contains(user, s) {
					t.Fatalf("user prompt %q does not contain %q", user, s)
				}
			}
		})
	}
}

func TestAskWithoutKey(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Ask(context.Background(), Request{Mode: ModeChat, Prompt: "hi"}); !errors.Is(err, auth.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestAsk(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"filters\":{}}"}}]}`))
	}))
	defer srv.Close()

	c, err := New("sk-test", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithModel("gpt-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := c.Ask(context.Background(), Request{Mode: ModeSmartSearch, Prompt: "участок у метро"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply.Answer != `{"filters":{}}` || reply.Model != "gpt-test" || reply.Mode != ModeSmartSearch {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if got.Model != "gpt-test" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected upstream request %+v", got)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("smart search should request JSON output, got %+v", got.ResponseFormat)
	}
}

func TestAskUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New("sk-test", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Ask(context.Background(), Request{Mode: ModeChat, Prompt: "hi"})
	var ue *geodata.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusTooManyRequests {
		t.Fatalf("expected upstream 429, got %v", err)
	}
}

func TestParseCatalogueRejectsBrokenTemplates(t *testing.T) {
	_, err := ParseCatalogue([]byte("modes:\n  chat:\n    system: hi\n    user: \"{{.Query\"\n"))
	if err == nil {
		t.Fatal("expected template parse error")
	}
	if _, err := ParseCatalogue([]byte("defaults: {}\n")); err == nil {
		t.Fatal("expected error for empty catalogue")
	}
}
