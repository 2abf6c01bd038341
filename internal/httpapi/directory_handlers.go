package httpapi

import (
	"net/http"
	"strings"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/assistant"
	"mapportal.org/internal/geodata"
)

func (a *API) handleSegments(w http.ResponseWriter, r *http.Request) {
	if a.opts.Admin == nil {
		handleDomainError(w, r, notConfigured("DATABASE_URL"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		segs, err := a.opts.Admin.ListSegments(r.Context())
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"segments": segs})
	case http.MethodPost:
		var req struct {
			Segments []admin.Segment `json:"segments"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		segs, err := a.opts.Admin.ReplaceSegments(r.Context(), req.Segments)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "segments": segs})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCompanyLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.opts.Parties == nil {
		handleDomainError(w, r, notConfigured("company registry"))
		return
	}
	party, err := a.opts.Parties.FindParty(r.Context(), r.URL.Query().Get("inn"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, party)
}

func (a *API) handleCompanyImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	if a.opts.Admin == nil {
		handleDomainError(w, r, notConfigured("DATABASE_URL"))
		return
	}
	c, created, err := a.opts.Admin.ImportCompany(r.Context(), r.URL.Query().Get("inn"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"company": c, "created": created})
}

func (a *API) handleCadastre(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.opts.Cadastre == nil {
		handleDomainError(w, r, notConfigured("cadastre client"))
		return
	}
	number, err := geodata.ParseCadastralNumber(r.URL.Query().Get("cadastral_number"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	feature, err := a.opts.Cadastre.SearchParcel(r.Context(), number)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeRaw(w, feature)
}

func (a *API) handleParcels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.opts.Cadastre == nil {
		handleDomainError(w, r, notConfigured("cadastre client"))
		return
	}
	bbox, err := geodata.ParseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	fc, err := a.opts.Cadastre.ParcelsInBBox(r.Context(), bbox)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeRaw(w, fc)
}

func (a *API) handleAssistant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.opts.Assistant == nil {
		handleDomainError(w, r, notConfigured("assistant"))
		return
	}
	var req assistant.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Mode = assistant.Mode(strings.TrimSpace(string(req.Mode)))
	reply, err := a.opts.Assistant.Ask(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// writeRaw passes upstream JSON through untouched.
func writeRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
