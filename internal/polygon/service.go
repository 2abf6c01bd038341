package polygon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/obs"
)

// Service is the polygon lifecycle manager: active objects move to the trash
// and from there back to active or out of existence.
type Service struct {
	store Store
	authz *auth.Authorizer
	now   func() time.Time
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

// WithAuthorizer replaces the default authorizer.
func WithAuthorizer(a *auth.Authorizer) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.authz = a
		}
	}
}

// NewService constructs Service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, authz: auth.NewAuthorizer(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns one active polygon the caller may read.
func (s *Service) Get(ctx context.Context, id string) (Polygon, error) {
	if id == "" {
		return Polygon{}, fmt.Errorf("%w: id is required", auth.ErrInvalidInput)
	}
	var out Polygon
	err := s.run(ctx, func(tx Tx, caller auth.User) error {
		p, err := tx.GetPolygon(ctx, id, false)
		if err != nil {
			return err
		}
		if err := s.check(ctx, tx, caller, p, auth.ActionRead); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// List returns the active polygons visible to the caller, newest first.
// Rows the caller cannot read are left out rather than reported.
func (s *Service) List(ctx context.Context) ([]Polygon, error) {
	var out []Polygon
	err := s.run(ctx, func(tx Tx, caller auth.User) error {
		readable, err := s.authz.Filter(ctx, tx, caller.ID, auth.KindLayer, auth.ActionRead)
		if err != nil {
			return err
		}
		out, err = tx.ListPolygons(ctx, func(p Polygon) bool {
			return p.Unowned() || p.OwnedBy(caller.ID) || readable(p.Layer)
		})
		return err
	})
	if out == nil {
		out = []Polygon{}
	}
	return out, err
}

// Create inserts a polygon owned by the caller. The caller needs write on
// the target layer; ownership cannot apply yet.
func (s *Service) Create(ctx context.Context, in Input) (Polygon, error) {
	in, err := in.normalize(true)
	if err != nil {
		return Polygon{}, err
	}
	var (
		out   Polygon
		entry audit.Entry
	)
	err = s.run(ctx, func(tx Tx, caller auth.User) error {
		if err := s.require(ctx, tx, caller, auth.Layer(in.Layer), auth.ActionWrite, "no permission to create objects in this layer"); err != nil {
			return err
		}
		taken, err := tx.IDInUse(ctx, in.ID)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: polygon %s already exists", auth.ErrConflict, in.ID)
		}
		now := s.now().UTC()
		owner := caller.ID
		p := in.apply(Polygon{ID: in.ID, UserID: &owner, CreatedAt: now, UpdatedAt: now})
		if err := tx.InsertPolygon(ctx, p); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionCreateObject, auth.Polygon(p.ID), "Created "+p.Name)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Polygon{}, err
	}
	s.committed(ctx, "create", entry)
	return out, nil
}

// Update replaces every client-editable field of an active polygon. Moving a
// polygon to another layer needs write on that layer unless the caller owns
// the polygon or it has no owner.
func (s *Service) Update(ctx context.Context, id string, in Input) (Polygon, error) {
	if id == "" {
		return Polygon{}, fmt.Errorf("%w: id is required", auth.ErrInvalidInput)
	}
	in, err := in.normalize(false)
	if err != nil {
		return Polygon{}, err
	}
	var (
		out   Polygon
		entry audit.Entry
	)
	err = s.run(ctx, func(tx Tx, caller auth.User) error {
		current, err := tx.GetPolygon(ctx, id, true)
		if err != nil {
			return err
		}
		if err := s.check(ctx, tx, caller, current, auth.ActionWrite); err != nil {
			return err
		}
		exempt := current.Unowned() || current.OwnedBy(caller.ID)
		if in.Layer != current.Layer && !exempt {
			if err := s.require(ctx, tx, caller, auth.Layer(in.Layer), auth.ActionWrite, "no permission to move objects into this layer"); err != nil {
				return err
			}
		}
		p := in.apply(current)
		p.UpdatedAt = s.now().UTC()
		if err := tx.UpdatePolygon(ctx, p); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionUpdateObject, auth.Polygon(p.ID), "Updated "+p.Name)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Polygon{}, err
	}
	s.committed(ctx, "update", entry)
	return out, nil
}

// MoveToTrash moves an active polygon into the trash. Owners, admins and
// holders of delete on the layer may do so. Unowned rows get no exemption.
func (s *Service) MoveToTrash(ctx context.Context, id string) (Trashed, error) {
	if id == "" {
		return Trashed{}, fmt.Errorf("%w: id is required", auth.ErrInvalidInput)
	}
	var (
		out   Trashed
		entry audit.Entry
	)
	err := s.run(ctx, func(tx Tx, caller auth.User) error {
		current, err := tx.GetPolygon(ctx, id, true)
		if err != nil {
			return err
		}
		if !current.OwnedBy(caller.ID) {
			if err := s.require(ctx, tx, caller, auth.Layer(current.Layer), auth.ActionDelete, "no permission to delete this object"); err != nil {
				return err
			}
		}
		removed, err := tx.DeletePolygon(ctx, id)
		if err != nil {
			return err
		}
		t := Trashed{
			Polygon:           removed,
			OriginalCreatedAt: removed.CreatedAt,
			MovedBy:           caller.ID,
		}
		t.CreatedAt = s.now().UTC()
		if err := tx.InsertTrashed(ctx, t); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionMoveToTrash, auth.Polygon(id), "Moved "+removed.Name+" to trash")
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return Trashed{}, err
	}
	s.committed(ctx, "move_to_trash", entry)
	return out, nil
}

// Restore brings a trashed polygon back under its original id and creation
// time. Admin only.
func (s *Service) Restore(ctx context.Context, id string) (Polygon, error) {
	if id == "" {
		return Polygon{}, fmt.Errorf("%w: id is required", auth.ErrInvalidInput)
	}
	var (
		out   Polygon
		entry audit.Entry
	)
	err := s.run(ctx, func(tx Tx, caller auth.User) error {
		if err := auth.RequireAdmin(caller); err != nil {
			return err
		}
		t, err := tx.DeleteTrashed(ctx, id)
		if err != nil {
			return err
		}
		p := t.Polygon
		p.CreatedAt = t.OriginalCreatedAt
		if err := tx.InsertPolygon(ctx, p); err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionRestoreFromTrash, auth.Polygon(id), "Restored "+p.Name)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Polygon{}, err
	}
	s.committed(ctx, "restore", entry)
	return out, nil
}

// PermanentDelete erases a trashed polygon. Admin only.
func (s *Service) PermanentDelete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", auth.ErrInvalidInput)
	}
	var entry audit.Entry
	err := s.run(ctx, func(tx Tx, caller auth.User) error {
		if err := auth.RequireAdmin(caller); err != nil {
			return err
		}
		t, err := tx.DeleteTrashed(ctx, id)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionPermanentDelete, auth.Polygon(id), "Permanently deleted "+t.Name)
		return err
	})
	if err != nil {
		return err
	}
	s.committed(ctx, "permanent_delete", entry)
	return nil
}

// EmptyTrash erases every trashed polygon and returns how many went. A single
// audit entry carries the count.
func (s *Service) EmptyTrash(ctx context.Context) (int64, error) {
	var (
		n     int64
		entry audit.Entry
	)
	err := s.run(ctx, func(tx Tx, caller auth.User) error {
		if err := auth.RequireAdmin(caller); err != nil {
			return err
		}
		var err error
		n, err = tx.EmptyTrash(ctx)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionEmptyTrash, auth.KindWide(auth.KindPolygon), fmt.Sprintf("%d items deleted", n))
		return err
	})
	if err != nil {
		return 0, err
	}
	s.committed(ctx, "empty_trash", entry)
	return n, nil
}

// ListTrash returns trashed polygons, most recently trashed first. Admin only.
func (s *Service) ListTrash(ctx context.Context) ([]Trashed, error) {
	var out []Trashed
	err := s.run(ctx, func(tx Tx, caller auth.User) error {
		if err := auth.RequireAdmin(caller); err != nil {
			return err
		}
		var err error
		out, err = tx.ListTrashed(ctx)
		return err
	})
	if out == nil {
		out = []Trashed{}
	}
	return out, err
}

// run resolves the caller inside a fresh transaction and hands both to fn.
func (s *Service) run(ctx context.Context, fn func(Tx, auth.User) error) error {
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

// check applies the ownership rule before falling back to the layer grant.
func (s *Service) check(ctx context.Context, tx Tx, caller auth.User, p Polygon, action auth.Action) error {
	if p.Unowned() || p.OwnedBy(caller.ID) {
		return nil
	}
	msg := "no permission to view this object"
	if action == auth.ActionWrite {
		msg = "no permission to edit this object"
	}
	return s.require(ctx, tx, caller, auth.Layer(p.Layer), action, msg)
}

func (s *Service) require(ctx context.Context, tx Tx, caller auth.User, res auth.Resource, action auth.Action, msg string) error {
	ok, err := s.authz.Authorize(ctx, tx, caller.ID, res, action)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", auth.ErrForbidden, msg)
	}
	return nil
}

func (s *Service) committed(ctx context.Context, transition string, entries ...audit.Entry) {
	obs.ObserveTransition(transition)
	audit.Emit(ctx, entries...)
}
