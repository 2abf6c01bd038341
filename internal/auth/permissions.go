package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action is what a caller wants to do with a resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// Level is the permission level carried by a grant.
type Level string

const (
	LevelRead    Level = "read"
	LevelWrite   Level = "write"
	LevelAdmin   Level = "admin"
	LevelRevoked Level = "revoked"
)

// ParseLevel validates a permission level.
func ParseLevel(raw string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(raw))); l {
	case LevelRead, LevelWrite, LevelAdmin, LevelRevoked:
		return l, nil
	default:
		return "", fmt.Errorf("%w: unknown permission level %q", ErrInvalidInput, raw)
	}
}

// Allows reports whether a grant at level l permits action a.
// A revoked level permits nothing; resolution never hands one out anyway.
func (l Level) Allows(a Action) bool {
	switch a {
	case ActionRead:
		return l == LevelRead || l == LevelWrite || l == LevelAdmin
	case ActionWrite:
		return l == LevelWrite || l == LevelAdmin
	case ActionDelete:
		return l == LevelAdmin
	default:
		return false
	}
}

// ResourceKind is the closed set of resource types that appear in grants
// and in the audit trail.
type ResourceKind string

const (
	KindLayer       ResourceKind = "layer"
	KindCompany     ResourceKind = "company"
	KindPermission  ResourceKind = "permission"
	KindAttribute   ResourceKind = "attribute"
	KindBeneficiary ResourceKind = "beneficiary"
	KindPolygon     ResourceKind = "polygon"
	KindUser        ResourceKind = "user"
	KindSegment     ResourceKind = "segment"
)

var grantableKinds = map[ResourceKind]struct{}{
	KindLayer:       {},
	KindCompany:     {},
	KindPermission:  {},
	KindAttribute:   {},
	KindBeneficiary: {},
}

// ParseResourceKind accepts only kinds a grant may target.
func ParseResourceKind(raw string) (ResourceKind, error) {
	k := ResourceKind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := grantableKinds[k]; !ok {
		return "", fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, raw)
	}
	return k, nil
}

// Resource names one protected thing. An empty ID addresses the whole kind.
type Resource struct {
	Kind ResourceKind
	ID   string
}

func Layer(name string) Resource { return Resource{Kind: KindLayer, ID: name} }
func Company(id string) Resource { return Resource{Kind: KindCompany, ID: id} }
func Permission(id string) Resource { return Resource{Kind: KindPermission, ID: id} }
func Attribute(id int64) Resource { return Resource{Kind: KindAttribute, ID: strconv.FormatInt(id, 10)} }
func Beneficiary(id int64) Resource { return Resource{Kind: KindBeneficiary, ID: strconv.FormatInt(id, 10)} }
func Polygon(id string) Resource { return Resource{Kind: KindPolygon, ID: id} }
func UserResource(id string) Resource { return Resource{Kind: KindUser, ID: id} }
func Segments() Resource { return Resource{Kind: KindSegment} }
func KindWide(kind ResourceKind) Resource { return Resource{Kind: kind} }

// IDPtr returns the identifier as a nullable column value.
func (r Resource) IDPtr() *string {
	if r.ID == "" {
		return nil
	}
	id := r.ID
	return &id
}

func (r Resource) String() string {
	if r.ID == "" {
		return string(r.Kind) + ":*"
	}
	return string(r.Kind) + ":" + r.ID
}

// Grant is an explicit permission record. A nil ResourceID is the default
// for every resource of that kind.
type Grant struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	ResourceType ResourceKind `json:"resource_type"`
	ResourceID   *string      `json:"resource_id"`
	Level        Level        `json:"permission_level"`
	CreatedAt    time.Time    `json:"created_at"`

	// populated by admin listings only
	UserEmail string `json:"user_email,omitempty"`
	UserName  string `json:"user_name,omitempty"`
}

// Revoked reports whether the grant has been withdrawn.
func (g Grant) Revoked() bool { return g.Level == LevelRevoked }

// Specific reports whether the grant names one resource.
func (g Grant) Specific() bool { return g.ResourceID != nil }

// Covers reports whether g applies to res, ignoring its level.
func (g Grant) Covers(res Resource) bool {
	if g.ResourceType != res.Kind {
		return false
	}
	return g.ResourceID == nil || *g.ResourceID == res.ID
}

// SelectGrant picks the grant that governs res out of a user's grants.
// Revoked grants are skipped as if absent. An exact resource match beats a
// kind-wide default; among equals the newest wins.
func SelectGrant(grants []Grant, res Resource) (Grant, bool) {
	var (
		best  Grant
		found bool
	)
	for _, g := range grants {
		if g.Revoked() || !g.Covers(res) {
			continue
		}
		if !found || outranks(g, best) {
			best, found = g, true
		}
	}
	return best, found
}

func outranks(a, b Grant) bool {
	if a.Specific() != b.Specific() {
		return a.Specific()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
