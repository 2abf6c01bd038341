package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"mapportal.org/internal/auth"
)

const (
	authHeader      = "Authorization"
	userIDHeader    = "X-User-Id"
	authTokenHeader = "X-Auth-Token"
	bearer          = "Bearer "
)

// identify resolves the caller id from X-User-Id or, failing that, a session
// token. It never rejects: handlers that need a caller get
// auth.ErrUnauthenticated from the services and answer 401.
func (a *API) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(userIDHeader)); id != "" {
			next.ServeHTTP(w, r.WithContext(auth.ContextWithCaller(r.Context(), id)))
			return
		}
		token := requestToken(r)
		if token == "" || a.opts.Accounts == nil {
			next.ServeHTTP(w, r)
			return
		}
		subject, err := a.opts.Accounts.Tokens().Subject(token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithCaller(r.Context(), subject)))
	})
}

// requestToken returns the X-Auth-Token header or the bearer token, if any.
func requestToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get(authTokenHeader)); tok != "" {
		return tok
	}
	tok, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return ""
	}
	return tok
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	if !strings.HasPrefix(header, bearer) {
		return "", errors.New("authorization header must be Bearer token")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
