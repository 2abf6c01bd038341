// Package memory is an in-process store that stands in for Postgres in
// tests. Each transaction works on a copy of the state and swaps it in on
// commit, so failed work leaves nothing behind.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/polygon"
)

var (
	_ polygon.Tx        = (*tx)(nil)
	_ admin.Tx          = (*tx)(nil)
	_ auth.AccountStore = (*Store)(nil)
)

type state struct {
	users         map[string]auth.User
	companies     map[string]admin.Company
	grants        map[string]auth.Grant
	polygons      map[string]polygon.Polygon
	trash         map[string]polygon.Trashed
	audit         []audit.Entry
	attributes    map[int64]admin.AttributeTemplate
	beneficiaries map[int64]admin.Beneficiary
	segments      map[int64]admin.Segment
	serial        int64
}

func newState() *state {
	return &state{
		users:         map[string]auth.User{},
		companies:     map[string]admin.Company{},
		grants:        map[string]auth.Grant{},
		polygons:      map[string]polygon.Polygon{},
		trash:         map[string]polygon.Trashed{},
		attributes:    map[int64]admin.AttributeTemplate{},
		beneficiaries: map[int64]admin.Beneficiary{},
		segments:      map[int64]admin.Segment{},
	}
}

func (s *state) clone() *state {
	c := &state{
		users:         make(map[string]auth.User, len(s.users)),
		companies:     make(map[string]admin.Company, len(s.companies)),
		grants:        make(map[string]auth.Grant, len(s.grants)),
		polygons:      make(map[string]polygon.Polygon, len(s.polygons)),
		trash:         make(map[string]polygon.Trashed, len(s.trash)),
		audit:         append([]audit.Entry(nil), s.audit...),
		attributes:    make(map[int64]admin.AttributeTemplate, len(s.attributes)),
		beneficiaries: make(map[int64]admin.Beneficiary, len(s.beneficiaries)),
		segments:      make(map[int64]admin.Segment, len(s.segments)),
		serial:        s.serial,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.companies {
		c.companies[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k, v := range s.polygons {
		c.polygons[k] = v
	}
	for k, v := range s.trash {
		c.trash[k] = v
	}
	for k, v := range s.attributes {
		c.attributes[k] = v
	}
	for k, v := range s.beneficiaries {
		c.beneficiaries[k] = v
	}
	for k, v := range s.segments {
		c.segments[k] = v
	}
	return c
}

func (s *state) next() int64 {
	s.serial++
	return s.serial
}

// Store holds all portal tables in memory. Transactions are serialised.
type Store struct {
	mu        sync.Mutex
	st        *state
	auditFail error
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// FailAudit makes every audit append fail with err until called with nil.
func (s *Store) FailAudit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditFail = err
}

func (s *Store) withTx(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&tx{st: work, auditFail: s.auditFail}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Polygons exposes the store to the polygon lifecycle manager.
func (s *Store) Polygons() polygon.Store { return polygonStore{s} }

// Admin exposes the store to the admin console.
func (s *Store) Admin() admin.Store { return adminStore{s} }

type polygonStore struct{ s *Store }

func (p polygonStore) WithTx(ctx context.Context, fn func(polygon.Tx) error) error {
	return p.s.withTx(ctx, func(t *tx) error { return fn(t) })
}

type adminStore struct{ s *Store }

func (a adminStore) WithTx(ctx context.Context, fn func(admin.Tx) error) error {
	return a.s.withTx(ctx, func(t *tx) error { return fn(t) })
}

// FindUser implements auth.AccountStore.
func (s *Store) FindUser(ctx context.Context, id string) (auth.User, error) {
	var u auth.User
	err := s.withTx(ctx, func(t *tx) error {
		var err error
		u, err = t.FindUser(ctx, id)
		return err
	})
	return u, err
}

// FindUserByEmail implements auth.AccountStore.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (auth.User, error) {
	var u auth.User
	err := s.withTx(ctx, func(t *tx) error {
		for _, cand := range t.st.users {
			if strings.EqualFold(cand.Email, email) {
				u = cand
				return nil
			}
		}
		return notFound("user")
	})
	return u, err
}

// CreateUser implements auth.AccountStore.
func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	err := s.withTx(ctx, func(t *tx) error {
		if _, ok := t.st.users[u.ID]; ok {
			return conflict("user " + u.ID)
		}
		for _, cand := range t.st.users {
			if strings.EqualFold(cand.Email, u.Email) {
				return conflict("email " + u.Email)
			}
		}
		t.st.users[u.ID] = u
		return nil
	})
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// PutUser inserts or replaces a user outside of any service call.
func (s *Store) PutUser(u auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = u
}

// PutGrant inserts or replaces a grant.
func (s *Store) PutGrant(g auth.Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.grants[g.ID] = g
}

// PutPolygon inserts or replaces an active polygon.
func (s *Store) PutPolygon(p polygon.Polygon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.polygons[p.ID] = p
}

// PutCompany inserts or replaces a company.
func (s *Store) PutCompany(c admin.Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.companies[c.ID] = c
}

// AuditEntries returns the audit log in append order.
func (s *Store) AuditEntries() []audit.Entry {
	var out []audit.Entry
	s.read(func(st *state) { out = append(out, st.audit...) })
	return out
}

// Grants returns every stored grant ordered by id.
func (s *Store) Grants() []auth.Grant {
	var out []auth.Grant
	s.read(func(st *state) {
		for _, g := range st.grants {
			out = append(out, g)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsActive reports whether id is an active polygon.
func (s *Store) IsActive(id string) bool {
	var ok bool
	s.read(func(st *state) { _, ok = st.polygons[id] })
	return ok
}

// IsTrashed reports whether id is in the trash.
func (s *Store) IsTrashed(id string) bool {
	var ok bool
	s.read(func(st *state) { _, ok = st.trash[id] })
	return ok
}

// TrashSize counts trashed polygons.
func (s *Store) TrashSize() int {
	var n int
	s.read(func(st *state) { n = len(st.trash) })
	return n
}
