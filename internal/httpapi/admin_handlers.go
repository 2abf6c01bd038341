package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"mapportal.org/internal/admin"
)

// adminRequest is the union of the POST admin payloads. Each action reads
// the fields it needs.
type adminRequest struct {
	Action       string                 `json:"action"`
	UserID       string                 `json:"user_id"`
	Role         string                 `json:"role"`
	Status       string                 `json:"status"`
	CompanyID    string                 `json:"company_id"`
	PermissionID string                 `json:"permission_id"`
	Attributes   []admin.AttributeOrder `json:"attributes"`
	Name         string                 `json:"name"`
	ID           json.RawMessage        `json:"id"`
}

func (a *API) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if a.opts.Admin == nil {
		handleDomainError(w, r, notConfigured("DATABASE_URL"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getAdmin(w, r)
	case http.MethodPost:
		a.postAdmin(w, r)
	case http.MethodDelete:
		a.deleteAdmin(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) getAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	var (
		out any
		err error
	)
	switch strings.TrimSpace(q.Get("action")) {
	case "users":
		out, err = a.opts.Admin.ListUsers(ctx)
	case "companies":
		out, err = a.opts.Admin.ListCompanies(ctx)
	case "permissions":
		out, err = a.opts.Admin.ListGrants(ctx, q.Get("user_id"))
	case "audit":
		limit, perr := parsePositiveInt("limit", q.Get("limit"), admin.DefaultAuditLimit, 1, admin.MaxAuditLimit)
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, perr.Error())
			return
		}
		offset, perr := parsePositiveInt("offset", q.Get("offset"), 0, 0, 1<<30)
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, perr.Error())
			return
		}
		out, err = a.opts.Admin.ListAudit(ctx, admin.AuditQuery{
			Limit:  limit,
			Offset: offset,
			UserID: q.Get("user_id"),
		})
	case "layers":
		out, err = a.opts.Admin.LayerSummaries(ctx)
	case "attributes":
		out, err = a.opts.Admin.ListAttributes(ctx)
	case "beneficiaries":
		out, err = a.opts.Admin.ListBeneficiaries(ctx)
	default:
		writeError(w, r, http.StatusBadRequest, "Invalid action")
		return
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) postAdmin(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req adminRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	svc := a.opts.Admin
	status := http.StatusOK
	var (
		out any
		err error
	)
	switch strings.TrimSpace(req.Action) {
	case "update_role":
		out, err = svc.UpdateRole(ctx, req.UserID, req.Role)
	case "update_status":
		out, err = svc.UpdateStatus(ctx, req.UserID, req.Status)
	case "assign_company":
		out, err = svc.AssignCompany(ctx, req.UserID, req.CompanyID)
	case "create_company":
		var in admin.CompanyInput
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		out, err = svc.CreateCompany(ctx, in)
		status = http.StatusCreated
	case "update_company":
		var in admin.CompanyInput
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		id := req.CompanyID
		if id == "" {
			id = in.ID
		}
		out, err = svc.UpdateCompany(ctx, id, in)
	case "grant_permission":
		var in admin.GrantInput
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		out, err = svc.Grant(ctx, in)
		status = http.StatusCreated
	case "revoke_permission":
		if _, err = svc.Revoke(ctx, req.PermissionID); err == nil {
			out = map[string]any{"message": "Permission revoked"}
		}
	case "create_attribute":
		var in admin.AttributeInput
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		out, err = svc.CreateAttribute(ctx, in)
		status = http.StatusCreated
	case "update_attribute":
		var in admin.AttributeInput
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		out, err = svc.UpdateAttribute(ctx, in)
	case "reorder_attributes":
		if _, err = svc.ReorderAttributes(ctx, req.Attributes); err == nil {
			out = map[string]any{"success": true}
		}
	case "create_beneficiary":
		out, err = svc.CreateBeneficiary(ctx, req.Name)
		status = http.StatusCreated
	case "delete_beneficiary":
		id, perr := numericID(req.ID)
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, perr.Error())
			return
		}
		if err = svc.DeleteBeneficiary(ctx, id, req.Name); err == nil {
			out = map[string]any{"message": "Beneficiary deleted"}
		}
	default:
		writeError(w, r, http.StatusBadRequest, "Invalid action")
		return
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, status, out)
}

func (a *API) deleteAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	svc := a.opts.Admin

	switch {
	case strings.TrimSpace(q.Get("attribute_id")) != "":
		id, err := strconv.ParseInt(strings.TrimSpace(q.Get("attribute_id")), 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "attribute_id must be an integer")
			return
		}
		if err := svc.DeleteAttribute(ctx, id); err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Attribute deleted"})
	case strings.TrimSpace(q.Get("company_id")) != "":
		id := strings.TrimSpace(q.Get("company_id"))
		if err := svc.DeleteCompany(ctx, id); err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Company deleted", "id": id})
	case strings.TrimSpace(q.Get("permission_id")) != "":
		id := strings.TrimSpace(q.Get("permission_id"))
		if purge, _ := strconv.ParseBool(q.Get("purge")); purge {
			if err := svc.DeleteGrant(ctx, id); err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": "Permission deleted"})
			return
		}
		if _, err := svc.Revoke(ctx, id); err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Permission revoked"})
	default:
		writeError(w, r, http.StatusBadRequest, "permission_id, attribute_id or company_id is required")
	}
}

// numericID accepts an id sent either as a JSON number or a numeric string.
func numericID(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("id must be an integer")
	}
	return id, nil
}
