package auth

import (
	"context"
	"strings"
)

type callerContextKey struct{}

// ContextWithCaller stores the acting user id for the rest of the request.
func ContextWithCaller(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, callerContextKey{}, userID)
}

// CallerFromContext extracts the acting user id.
func CallerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(callerContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// RequireCaller is CallerFromContext returning ErrUnauthenticated when absent.
func RequireCaller(ctx context.Context) (string, error) {
	id, ok := CallerFromContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	return id, nil
}
