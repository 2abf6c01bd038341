package auth

import (
	"context"
	"errors"

	"mapportal.org/internal/obs"
)

// Directory is the read side of the identity and permission stores that the
// authorizer consults. Implementations are usually bound to the caller's
// transaction.
type Directory interface {
	// FindUser returns ErrNotFound for unknown ids.
	FindUser(ctx context.Context, id string) (User, error)
	// FindApplicableGrant returns the most specific non-revoked grant of
	// userID covering res, or nil when there is none.
	FindApplicableGrant(ctx context.Context, userID string, res Resource) (*Grant, error)
	// ListActiveGrants returns every non-revoked grant of userID on kind.
	ListActiveGrants(ctx context.Context, userID string, kind ResourceKind) ([]Grant, error)
}

// Authorizer evaluates access decisions. It holds no per-request state and
// is safe for concurrent use; every call re-reads the directory.
type Authorizer struct {
	observe func(action Action, basis Basis, allowed bool)
}

// AuthorizerOption configures Authorizer.
type AuthorizerOption func(*Authorizer)

// WithDecisionObserver replaces the default metrics hook.
func WithDecisionObserver(fn func(Action, Basis, bool)) AuthorizerOption {
	return func(a *Authorizer) {
		if fn != nil {
			a.observe = fn
		}
	}
}

// NewAuthorizer constructs an Authorizer that reports decisions to metrics.
func NewAuthorizer(opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		observe: func(action Action, basis Basis, allowed bool) {
			obs.ObserveDecision(string(action), string(basis), allowed)
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize decides whether userID may perform action on res. Ownership is
// the caller's concern and is not considered here.
func (a *Authorizer) Authorize(ctx context.Context, dir Directory, userID string, res Resource, action Action) (bool, error) {
	user, err := dir.FindUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		a.observe(action, BasisUnknownUser, false)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if user.Role == RoleAdmin {
		a.observe(action, BasisAdmin, true)
		return true, nil
	}
	grant, err := dir.FindApplicableGrant(ctx, userID, res)
	if err != nil {
		return false, err
	}
	d := Decide(user, grant, action)
	a.observe(action, d.Basis, d.Allowed)
	return d.Allowed, nil
}

// Predicate answers an authorization question for one resource id.
type Predicate func(id string) bool

// Filter snapshots user and grants once and returns a predicate equivalent to
// calling Authorize for each id of kind. It is meant for filtering a single
// listing; do not keep it across requests.
func (a *Authorizer) Filter(ctx context.Context, dir Directory, userID string, kind ResourceKind, action Action) (Predicate, error) {
	user, err := dir.FindUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return func(string) bool { return false }, nil
	}
	if err != nil {
		return nil, err
	}
	if user.Role == RoleAdmin {
		return func(string) bool { return true }, nil
	}
	grants, err := dir.ListActiveGrants(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	memo := make(map[string]bool)
	return func(id string) bool {
		if allowed, ok := memo[id]; ok {
			return allowed
		}
		var applicable *Grant
		if g, ok := SelectGrant(grants, Resource{Kind: kind, ID: id}); ok {
			applicable = &g
		}
		d := Decide(user, applicable, action)
		a.observe(action, d.Basis, d.Allowed)
		memo[id] = d.Allowed
		return d.Allowed
	}, nil
}
