package admin

import (
	"context"

	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
)

// Store opens units of work for the admin console.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view of the admin tables. Lookups of missing rows
// return auth.ErrNotFound.
type Tx interface {
	auth.Directory
	audit.Appender

	ListUsers(ctx context.Context) ([]UserSummary, error)
	SetUserRole(ctx context.Context, id string, role auth.Role) (auth.User, error)
	SetUserStatus(ctx context.Context, id string, status auth.Status) (auth.User, error)
	SetUserCompany(ctx context.Context, id string, companyID *string) (auth.User, error)

	ListCompanies(ctx context.Context) ([]Company, error)
	GetCompany(ctx context.Context, id string) (Company, error)
	FindCompanyByINN(ctx context.Context, inn string) (Company, error)
	// InsertCompany returns auth.ErrConflict when the id is taken.
	InsertCompany(ctx context.Context, c Company) error
	UpdateCompany(ctx context.Context, c Company) error
	// DeleteCompany removes the company and detaches its users.
	DeleteCompany(ctx context.Context, id string) (Company, error)

	// ListGrants returns every grant, revoked ones included. An empty
	// userID lists all users.
	ListGrants(ctx context.Context, userID string) ([]auth.Grant, error)
	GetGrant(ctx context.Context, id string) (auth.Grant, error)
	InsertGrant(ctx context.Context, g auth.Grant) error
	SetGrantLevel(ctx context.Context, id string, level auth.Level) error
	DeleteGrant(ctx context.Context, id string) (auth.Grant, error)

	ListAudit(ctx context.Context, q AuditQuery) ([]audit.Entry, error)
	LayerSummaries(ctx context.Context) ([]LayerSummary, error)

	ListAttributes(ctx context.Context) ([]AttributeTemplate, error)
	InsertAttribute(ctx context.Context, a AttributeTemplate) (AttributeTemplate, error)
	UpdateAttribute(ctx context.Context, a AttributeTemplate) (AttributeTemplate, error)
	SetAttributeOrder(ctx context.Context, id int64, order int) error
	DeleteAttribute(ctx context.Context, id int64) (AttributeTemplate, error)

	ListBeneficiaries(ctx context.Context) ([]Beneficiary, error)
	// InsertBeneficiary returns auth.ErrConflict for a duplicate name.
	InsertBeneficiary(ctx context.Context, b Beneficiary) (Beneficiary, error)
	DeleteBeneficiary(ctx context.Context, id int64) (Beneficiary, error)
	FindBeneficiaryByName(ctx context.Context, name string) (Beneficiary, error)

	ListSegments(ctx context.Context) ([]Segment, error)
	// DeleteSegmentsExcept drops every segment whose id is not in keep.
	DeleteSegmentsExcept(ctx context.Context, keep []int64) error
	// UpdateSegment sets color and position. An empty name keeps the stored one.
	UpdateSegment(ctx context.Context, s Segment) error
	InsertSegment(ctx context.Context, s Segment) (Segment, error)
}
