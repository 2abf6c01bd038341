// Package httpapi exposes the portal over HTTP and a gRPC health endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/assistant"
	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/geodata"
	"mapportal.org/internal/obs"
	"mapportal.org/internal/polygon"
)

const (
	serviceName  = "mapportal-api"
	maxBodyBytes = 1 << 20
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is satisfied by the stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreReadiness reports readiness from the store ping. A nil store is not ready.
type StoreReadiness struct {
	Store Pinger
}

func (sr StoreReadiness) Check(ctx context.Context) error {
	if sr.Store == nil {
		return auth.ErrNotConfigured
	}
	return sr.Store.Ping(ctx)
}

type partyFinder interface {
	FindParty(ctx context.Context, inn string) (geodata.Party, error)
}

type parcelSource interface {
	SearchParcel(ctx context.Context, number string) (json.RawMessage, error)
	ParcelsInBBox(ctx context.Context, b geodata.BBox) (json.RawMessage, error)
}

type advisor interface {
	Ask(ctx context.Context, req assistant.Request) (assistant.Reply, error)
}

// Options wires the API. Nil services answer with a configuration error.
type Options struct {
	Version   string
	Ready     readinessChecker
	Polygons  *polygon.Service
	Admin     *admin.Service
	Accounts  *auth.Accounts
	Parties   partyFinder
	Cadastre  parcelSource
	Assistant advisor

	CORSOrigin     string
	RateLimitRPS   float64
	RateLimitBurst int
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	opts    Options
	limiter *rateLimiter
}

func New(opts Options) *API {
	if opts.Ready == nil {
		opts.Ready = StoreReadiness{}
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 40
	}
	a := &API{
		mux:     http.NewServeMux(),
		opts:    opts,
		limiter: newRateLimiter(opts.RateLimitBurst, opts.RateLimitRPS),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/polygons", a.handlePolygons)
	a.mux.HandleFunc("/admin", a.handleAdmin)
	a.mux.HandleFunc("/auth", a.handleAuth)
	a.mux.HandleFunc("/segments", a.handleSegments)
	a.mux.HandleFunc("/companies/lookup", a.handleCompanyLookup)
	a.mux.HandleFunc("/companies/import", a.handleCompanyImport)
	a.mux.HandleFunc("/cadastre", a.handleCadastre)
	a.mux.HandleFunc("/parcels", a.handleParcels)
	a.mux.HandleFunc("/assistant", a.handleAssistant)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Handler returns the mux wrapped in the middleware chain. CORS sits outside
// identity resolution so pre-flight requests never reach the store.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.identify(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = a.limiter.wrap(h)
	h = CORS(h, a.opts.CORSOrigin)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	h = obs.Instrument(h)
	return otelhttp.NewHandler(h, serviceName)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads one JSON document. Unknown fields are tolerated because
// the map client posts whole objects back, timestamps included.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

// handleDomainError maps the shared sentinels to status codes. Internal
// errors are logged and answered with a generic message.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *geodata.UpstreamError
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotConfigured):
		obs.Error("not_configured", err, map[string]any{"path": r.URL.Path})
		writeError(w, r, http.StatusInternalServerError, err.Error())
	case errors.Is(err, geodata.ErrTimeout):
		writeError(w, r, http.StatusGatewayTimeout, "upstream timeout")
	case errors.As(err, &upstream):
		obs.Error("upstream_error", err, map[string]any{"service": upstream.Service, "status": upstream.Status})
		// Upstream auth failures reflect our credentials, not the caller's.
		code := http.StatusBadGateway
		switch {
		case upstream.Status == http.StatusUnauthorized, upstream.Status == http.StatusForbidden:
		case upstream.Status >= 400 && upstream.Status < 500:
			code = upstream.Status
		}
		writeError(w, r, code, upstream.Error())
	default:
		obs.Error("request_failed", err, map[string]any{
			"path":       r.URL.Path,
			"method":     r.Method,
			"request_id": audit.RequestIDFromContext(r.Context()),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func notConfigured(what string) error {
	return fmt.Errorf("%w: %s is not configured", auth.ErrNotConfigured, what)
}
