package httpapi

import (
	"net/http"
	"strings"

	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
)

type authRequest struct {
	Action   string `json:"action"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Token    string `json:"token"`
}

func (a *API) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.opts.Accounts == nil {
		handleDomainError(w, r, notConfigured("account store"))
		return
	}

	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	switch strings.TrimSpace(req.Action) {
	case "register":
		session, err := a.opts.Accounts.Register(r.Context(), auth.RegisterInput{
			Email:    req.Email,
			Password: req.Password,
			Name:     req.Name,
		})
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "auth.registered", session.User.ID, map[string]any{"email": session.User.Email})
		writeJSON(w, http.StatusCreated, session)
	case "login":
		session, err := a.opts.Accounts.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "auth.login", session.User.ID, nil)
		writeJSON(w, http.StatusOK, session)
	case "verify":
		token := strings.TrimSpace(req.Token)
		if token == "" {
			token = requestToken(r)
		}
		user, err := a.opts.Accounts.Verify(r.Context(), token)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	default:
		writeError(w, r, http.StatusBadRequest, "Invalid action")
	}
}
