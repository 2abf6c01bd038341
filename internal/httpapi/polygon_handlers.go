package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"mapportal.org/internal/polygon"
)

func (a *API) handlePolygons(w http.ResponseWriter, r *http.Request) {
	if a.opts.Polygons == nil {
		handleDomainError(w, r, notConfigured("DATABASE_URL"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getPolygons(w, r)
	case http.MethodPost:
		a.postPolygon(w, r)
	case http.MethodPut:
		a.putPolygon(w, r)
	case http.MethodDelete:
		a.deletePolygon(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) getPolygons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("source")) == "trash" {
		items, err := a.opts.Polygons.ListTrash(r.Context())
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}
	if id := strings.TrimSpace(q.Get("id")); id != "" {
		p, err := a.opts.Polygons.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}
	items, err := a.opts.Polygons.List(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// postPolygon creates an object, or restores one when the body names the
// restore_from_trash action.
func (a *API) postPolygon(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var envelope struct {
		Action string `json:"action"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	switch strings.TrimSpace(envelope.Action) {
	case "":
		var in polygon.Input
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err := a.opts.Polygons.Create(r.Context(), in)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	case "restore_from_trash":
		p, err := a.opts.Polygons.Restore(r.Context(), strings.TrimSpace(envelope.ID))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Polygon restored",
			"polygon": p,
		})
	default:
		writeError(w, r, http.StatusBadRequest, "Invalid action")
	}
}

func (a *API) putPolygon(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "id is required")
		return
	}
	var in polygon.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.opts.Polygons.Update(r.Context(), id, in)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// deletePolygon moves to trash unless action says otherwise.
func (a *API) deletePolygon(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := strings.TrimSpace(q.Get("action"))
	id := strings.TrimSpace(q.Get("id"))

	if action == "empty_trash" {
		n, err := a.opts.Polygons.EmptyTrash(r.Context())
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": fmt.Sprintf("%d items deleted", n),
			"count":   n,
		})
		return
	}
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "id is required")
		return
	}

	switch action {
	case "", "move_to_trash":
		if _, err := a.opts.Polygons.MoveToTrash(r.Context(), id); err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Polygon moved to trash",
			"id":      id,
		})
	case "permanent":
		if err := a.opts.Polygons.PermanentDelete(r.Context(), id); err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Polygon permanently deleted",
			"id":      id,
		})
	default:
		writeError(w, r, http.StatusBadRequest, "Invalid action")
	}
}
