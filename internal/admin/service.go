package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/geodata"
	"mapportal.org/internal/ids"
)

// PartyFinder looks organisations up in an external registry.
type PartyFinder interface {
	FindParty(ctx context.Context, inn string) (geodata.Party, error)
}

// Service is the admin console: reporting queries and the admin-only
// mutations around them. Every mutation writes one audit entry in its own
// transaction.
type Service struct {
	store   Store
	parties PartyFinder
	now     func() time.Time
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPartyFinder enables company import.
func WithPartyFinder(p PartyFinder) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.parties = p
		}
	}
}

// NewService constructs Service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListUsers returns all users with their company names, newest first.
func (s *Service) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var out []UserSummary
	err := s.asAdmin(ctx, func(tx Tx, _ auth.User) error {
		var err error
		out, err = tx.ListUsers(ctx)
		return err
	})
	if out == nil {
		out = []UserSummary{}
	}
	return out, err
}

// UpdateRole changes a user's role.
func (s *Service) UpdateRole(ctx context.Context, userID, rawRole string) (auth.User, error) {
	role, err := auth.ParseRole(rawRole)
	if err != nil {
		return auth.User{}, err
	}
	return s.mutateUser(ctx, userID, audit.ActionUpdateRole, "Changed role to "+string(role), func(tx Tx) (auth.User, error) {
		return tx.SetUserRole(ctx, userID, role)
	})
}

// UpdateStatus changes a user's account status.
func (s *Service) UpdateStatus(ctx context.Context, userID, rawStatus string) (auth.User, error) {
	status, err := auth.ParseStatus(rawStatus)
	if err != nil {
		return auth.User{}, err
	}
	return s.mutateUser(ctx, userID, audit.ActionUpdateStatus, "Changed status to "+string(status), func(tx Tx) (auth.User, error) {
		return tx.SetUserStatus(ctx, userID, status)
	})
}

// AssignCompany attaches a user to a company. An empty companyID detaches.
func (s *Service) AssignCompany(ctx context.Context, userID, companyID string) (auth.User, error) {
	companyID = strings.TrimSpace(companyID)
	details := "Detached from company"
	var ref *string
	if companyID != "" {
		ref = &companyID
		details = "Assigned to company " + companyID
	}
	return s.mutateUser(ctx, userID, audit.ActionAssignCompany, details, func(tx Tx) (auth.User, error) {
		if ref != nil {
			if _, err := tx.GetCompany(ctx, companyID); err != nil {
				return auth.User{}, err
			}
		}
		return tx.SetUserCompany(ctx, userID, ref)
	})
}

func (s *Service) mutateUser(ctx context.Context, userID, action, details string, fn func(Tx) (auth.User, error)) (auth.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return auth.User{}, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	var (
		out   auth.User
		entry audit.Entry
	)
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		u, err := fn(tx)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, action, auth.UserResource(userID), details)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return auth.User{}, err
	}
	audit.Emit(ctx, entry)
	return out, nil
}

// ListCompanies returns all companies, newest first.
func (s *Service) ListCompanies(ctx context.Context) ([]Company, error) {
	var out []Company
	err := s.asAdmin(ctx, func(tx Tx, _ auth.User) error {
		var err error
		out, err = tx.ListCompanies(ctx)
		return err
	})
	if out == nil {
		out = []Company{}
	}
	return out, err
}

// CreateCompany inserts a company. Without a client id a UUID is assigned;
// status defaults to active.
func (s *Service) CreateCompany(ctx context.Context, in CompanyInput) (Company, error) {
	in, err := in.normalize()
	if err != nil {
		return Company{}, err
	}
	if in.ID == "" {
		in.ID = ids.NewCompanyID()
	}
	var (
		out   Company
		entry audit.Entry
	)
	err = s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		now := s.now().UTC()
		c := in.apply(Company{ID: in.ID, CreatedAt: now, UpdatedAt: now})
		if err := tx.InsertCompany(ctx, c); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionCreateObject, auth.Company(c.ID), "Created company "+c.Name)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Company{}, err
	}
	audit.Emit(ctx, entry)
	return out, nil
}

// UpdateCompany replaces the editable fields of a company.
func (s *Service) UpdateCompany(ctx context.Context, id string, in CompanyInput) (Company, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Company{}, fmt.Errorf("%w: company_id is required", auth.ErrInvalidInput)
	}
	in, err := in.normalize()
	if err != nil {
		return Company{}, err
	}
	var (
		out   Company
		entry audit.Entry
	)
	err = s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		current, err := tx.GetCompany(ctx, id)
		if err != nil {
			return err
		}
		c := in.apply(current)
		c.UpdatedAt = s.now().UTC()
		if err := tx.UpdateCompany(ctx, c); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionUpdateObject, auth.Company(id), "Updated company "+c.Name)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Company{}, err
	}
	audit.Emit(ctx, entry)
	return out, nil
}

// DeleteCompany removes a company; its users are detached, not deleted.
func (s *Service) DeleteCompany(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: company_id is required", auth.ErrInvalidInput)
	}
	var entry audit.Entry
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		c, err := tx.DeleteCompany(ctx, id)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionDeleteObject, auth.Company(id), "Deleted company "+c.Name)
		return err
	})
	if err != nil {
		return err
	}
	audit.Emit(ctx, entry)
	return nil
}

// ImportCompany returns the stored company with inn, or fetches it from the
// registry and stores it. created reports whether a row was inserted. No
// transaction is held while the registry answers. Any authenticated user may
// import.
func (s *Service) ImportCompany(ctx context.Context, inn string) (c Company, created bool, err error) {
	inn = strings.TrimSpace(inn)
	if !geodata.ValidINN(inn) {
		return Company{}, false, fmt.Errorf("%w: inn must be 10 or 12 digits", auth.ErrInvalidInput)
	}
	existing, found, err := s.companyByINN(ctx, inn)
	if err != nil || found {
		return existing, false, err
	}
	if s.parties == nil {
		return Company{}, false, fmt.Errorf("%w: company registry is not configured", auth.ErrNotConfigured)
	}
	party, err := s.parties.FindParty(ctx, inn)
	if err != nil {
		return Company{}, false, err
	}

	var entry audit.Entry
	err = s.asUser(ctx, func(tx Tx, caller auth.User) error {
		// another import may have won while the registry was answering
		got, err := tx.FindCompanyByINN(ctx, inn)
		if err == nil {
			c = got
			return nil
		}
		if !errors.Is(err, auth.ErrNotFound) {
			return err
		}
		now := s.now().UTC()
		c = companyFromParty(party)
		c.ID = ids.NewCompanyID()
		c.CreatedAt, c.UpdatedAt = now, now
		if c.Name == "" {
			c.Name = inn
		}
		if err := tx.InsertCompany(ctx, c); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionImportCompany, auth.Company(c.ID), "Imported company "+c.Name+" by inn "+inn)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return Company{}, false, err
	}
	if created {
		audit.Emit(ctx, entry)
	}
	return c, created, nil
}

func (s *Service) companyByINN(ctx context.Context, inn string) (Company, bool, error) {
	var (
		out   Company
		found bool
	)
	err := s.asUser(ctx, func(tx Tx, _ auth.User) error {
		c, err := tx.FindCompanyByINN(ctx, inn)
		if errors.Is(err, auth.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, found = c, true
		return nil
	})
	return out, found, err
}

// ListGrants returns grants, optionally for one user only.
func (s *Service) ListGrants(ctx context.Context, userID string) ([]auth.Grant, error) {
	var out []auth.Grant
	err := s.asAdmin(ctx, func(tx Tx, _ auth.User) error {
		var err error
		out, err = tx.ListGrants(ctx, strings.TrimSpace(userID))
		return err
	})
	if out == nil {
		out = []auth.Grant{}
	}
	return out, err
}

// Grant records a new explicit permission. Earlier grants stay; resolution
// prefers the newest.
func (s *Service) Grant(ctx context.Context, in GrantInput) (auth.Grant, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return auth.Grant{}, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	kind, err := auth.ParseResourceKind(in.ResourceType)
	if err != nil {
		return auth.Grant{}, err
	}
	level, err := auth.ParseLevel(in.Level)
	if err != nil {
		return auth.Grant{}, err
	}
	if level == auth.LevelRevoked {
		return auth.Grant{}, fmt.Errorf("%w: use revoke_permission to withdraw access", auth.ErrInvalidInput)
	}
	res := auth.KindWide(kind)
	if in.ResourceID != nil {
		res.ID = strings.TrimSpace(*in.ResourceID)
	}

	var (
		out   auth.Grant
		entry audit.Entry
	)
	err = s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		if _, err := tx.FindUser(ctx, userID); err != nil {
			return err
		}
		g := auth.Grant{
			ID:           ids.New(),
			UserID:       userID,
			ResourceType: kind,
			ResourceID:   res.IDPtr(),
			Level:        level,
			CreatedAt:    s.now().UTC(),
		}
		if err := tx.InsertGrant(ctx, g); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionGrantPermission, res,
			fmt.Sprintf("Granted %s access to user %s", level, userID))
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return auth.Grant{}, err
	}
	audit.Emit(ctx, entry)
	return out, nil
}

// Revoke tags a grant as revoked. The row stays for history; revoking an
// already revoked grant changes nothing and writes no audit entry.
func (s *Service) Revoke(ctx context.Context, grantID string) (auth.Grant, error) {
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return auth.Grant{}, fmt.Errorf("%w: permission_id is required", auth.ErrInvalidInput)
	}
	var (
		out   auth.Grant
		entry audit.Entry
		wrote bool
	)
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		g, err := tx.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if g.Revoked() {
			out = g
			return nil
		}
		if err := tx.SetGrantLevel(ctx, grantID, auth.LevelRevoked); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionRevokePermission, auth.Permission(grantID), describeGrant("Revoked", g))
		if err != nil {
			return err
		}
		g.Level = auth.LevelRevoked
		out, wrote = g, true
		return nil
	})
	if err != nil {
		return auth.Grant{}, err
	}
	if wrote {
		audit.Emit(ctx, entry)
	}
	return out, nil
}

// DeleteGrant physically removes a grant. This is the only path that erases
// grant history, and it is audited with the grant's former target.
func (s *Service) DeleteGrant(ctx context.Context, grantID string) error {
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return fmt.Errorf("%w: permission_id is required", auth.ErrInvalidInput)
	}
	var entry audit.Entry
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		g, err := tx.DeleteGrant(ctx, grantID)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionDeletePermission, auth.Permission(grantID), describeGrant("Deleted", g))
		return err
	})
	if err != nil {
		return err
	}
	audit.Emit(ctx, entry)
	return nil
}

func describeGrant(verb string, g auth.Grant) string {
	target := "*"
	if g.ResourceID != nil {
		target = *g.ResourceID
	}
	return fmt.Sprintf("%s %s grant of user %s on %s:%s", verb, g.Level, g.UserID, g.ResourceType, target)
}

// ListAudit pages through the audit log, newest first.
func (s *Service) ListAudit(ctx context.Context, q AuditQuery) ([]audit.Entry, error) {
	q = q.normalize()
	var out []audit.Entry
	err := s.asAdmin(ctx, func(tx Tx, _ auth.User) error {
		var err error
		out, err = tx.ListAudit(ctx, q)
		return err
	})
	if out == nil {
		out = []audit.Entry{}
	}
	return out, err
}

// LayerSummaries reports object counts and owners per layer.
func (s *Service) LayerSummaries(ctx context.Context) ([]LayerSummary, error) {
	var out []LayerSummary
	err := s.asAdmin(ctx, func(tx Tx, _ auth.User) error {
		var err error
		out, err = tx.LayerSummaries(ctx)
		return err
	})
	if out == nil {
		out = []LayerSummary{}
	}
	return out, err
}

// asAdmin resolves the caller inside a transaction and requires an active
// admin.
func (s *Service) asAdmin(ctx context.Context, fn func(Tx, auth.User) error) error {
	return s.asUser(ctx, func(tx Tx, caller auth.User) error {
		if err := auth.RequireAdmin(caller); err != nil {
			return err
		}
		return fn(tx, caller)
	})
}

// asUser resolves the caller inside a transaction. Unknown ids are treated
// as unauthenticated.
func (s *Service) asUser(ctx context.Context, fn func(Tx, auth.User) error) error {
	callerID, err := auth.RequireCaller(ctx)
	if err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx Tx) error {
		caller, err := tx.FindUser(ctx, callerID)
		if errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("%w: unknown user", auth.ErrUnauthenticated)
		}
		if err != nil {
			return err
		}
		return fn(tx, caller)
	})
}
