package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
)

// ListAttributes returns templates ordered by sort_order.
func (s *Service) ListAttributes(ctx context.Context) ([]AttributeTemplate, error) {
	var out []AttributeTemplate
	err := s.asAdmin(ctx, func(tx Tx, _ auth.User) error {
		var err error
		out, err = tx.ListAttributes(ctx)
		return err
	})
	if out == nil {
		out = []AttributeTemplate{}
	}
	return out, err
}

// CreateAttribute adds a template.
func (s *Service) CreateAttribute(ctx context.Context, in AttributeInput) (AttributeTemplate, error) {
	a, err := in.template()
	if err != nil {
		return AttributeTemplate{}, err
	}
	var (
		out   AttributeTemplate
		entry audit.Entry
	)
	err = s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		now := s.now().UTC()
		a.CreatedAt, a.UpdatedAt = now, now
		created, err := tx.InsertAttribute(ctx, a)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionCreateAttribute, auth.Attribute(created.ID), "Created attribute "+created.Name)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return AttributeTemplate{}, err
	}
	audit.Emit(ctx, entry)
	return out, nil
}

// UpdateAttribute replaces a template's fields. Its position is kept; use
// ReorderAttributes to move it.
func (s *Service) UpdateAttribute(ctx context.Context, in AttributeInput) (AttributeTemplate, error) {
	if in.ID <= 0 {
		return AttributeTemplate{}, fmt.Errorf("%w: attribute id is required", auth.ErrInvalidInput)
	}
	a, err := in.template()
	if err != nil {
		return AttributeTemplate{}, err
	}
	var (
		out   AttributeTemplate
		entry audit.Entry
	)
	err = s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		a.UpdatedAt = s.now().UTC()
		updated, err := tx.UpdateAttribute(ctx, a)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionUpdateAttribute, auth.Attribute(updated.ID), "Updated attribute "+updated.Name)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return AttributeTemplate{}, err
	}
	audit.Emit(ctx, entry)
	return out, nil
}

// ReorderAttributes moves templates in one transaction: either every
// position changes or none does. Any integer order is accepted.
func (s *Service) ReorderAttributes(ctx context.Context, order []AttributeOrder) ([]AttributeTemplate, error) {
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: attributes are required", auth.ErrInvalidInput)
	}
	seen := make(map[int64]struct{}, len(order))
	for _, o := range order {
		if o.ID <= 0 {
			return nil, fmt.Errorf("%w: attribute id is required", auth.ErrInvalidInput)
		}
		if _, dup := seen[o.ID]; dup {
			return nil, fmt.Errorf("%w: attribute %d listed twice", auth.ErrInvalidInput, o.ID)
		}
		seen[o.ID] = struct{}{}
	}
	var (
		out   []AttributeTemplate
		entry audit.Entry
	)
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		for _, o := range order {
			if err := tx.SetAttributeOrder(ctx, o.ID, o.SortOrder); err != nil {
				return err
			}
		}
		var err error
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionReorderAttribute, auth.KindWide(auth.KindAttribute),
			fmt.Sprintf("Reordered %d attributes", len(order)))
		if err != nil {
			return err
		}
		out, err = tx.ListAttributes(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	audit.Emit(ctx, entry)
	return out, nil
}

// DeleteAttribute removes a template.
func (s *Service) DeleteAttribute(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: attribute_id is required", auth.ErrInvalidInput)
	}
	var entry audit.Entry
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		a, err := tx.DeleteAttribute(ctx, id)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionDeleteAttribute, auth.Attribute(id), "Deleted attribute "+a.Name)
		return err
	})
	if err != nil {
		return err
	}
	audit.Emit(ctx, entry)
	return nil
}

// ListBeneficiaries returns beneficiaries by name.
func (s *Service) ListBeneficiaries(ctx context.Context) ([]Beneficiary, error) {
	var out []Beneficiary
	err := s.asAdmin(ctx, func(tx Tx, _ auth.User) error {
		var err error
		out, err = tx.ListBeneficiaries(ctx)
		return err
	})
	if out == nil {
		out = []Beneficiary{}
	}
	return out, err
}

// CreateBeneficiary adds a named beneficiary. Names are unique.
func (s *Service) CreateBeneficiary(ctx context.Context, name string) (Beneficiary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Beneficiary{}, fmt.Errorf("%w: beneficiary name is required", auth.ErrInvalidInput)
	}
	var (
		out   Beneficiary
		entry audit.Entry
	)
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		b, err := tx.InsertBeneficiary(ctx, Beneficiary{Name: name, CreatedAt: s.now().UTC()})
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionCreateObject, auth.Beneficiary(b.ID), "Created beneficiary "+b.Name)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return Beneficiary{}, err
	}
	audit.Emit(ctx, entry)
	return out, nil
}

// DeleteBeneficiary removes a beneficiary addressed by id or, when id is
// zero, by name.
func (s *Service) DeleteBeneficiary(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if id <= 0 && name == "" {
		return fmt.Errorf("%w: beneficiary id or name is required", auth.ErrInvalidInput)
	}
	var entry audit.Entry
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		if id <= 0 {
			b, err := tx.FindBeneficiaryByName(ctx, name)
			if err != nil {
				return err
			}
			id = b.ID
		}
		b, err := tx.DeleteBeneficiary(ctx, id)
		if err != nil {
			return err
		}
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionDeleteObject, auth.Beneficiary(id), "Deleted beneficiary "+b.Name)
		return err
	})
	if err != nil {
		return err
	}
	audit.Emit(ctx, entry)
	return nil
}

// ListSegments returns segments in display order. Anyone may read them.
func (s *Service) ListSegments(ctx context.Context) ([]Segment, error) {
	var out []Segment
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListSegments(ctx)
		return err
	})
	if out == nil {
		out = []Segment{}
	}
	return out, err
}

// ReplaceSegments makes the stored list equal to segs, in that order.
// Entries with an id update that segment, entries without one are created,
// and stored segments missing from segs are deleted.
func (s *Service) ReplaceSegments(ctx context.Context, segs []Segment) ([]Segment, error) {
	keep := make([]int64, 0, len(segs))
	seen := make(map[int64]struct{}, len(segs))
	for i := range segs {
		segs[i].Name = strings.TrimSpace(segs[i].Name)
		segs[i].Color = strings.TrimSpace(segs[i].Color)
		if segs[i].Color == "" {
			segs[i].Color = DefaultSegmentColor
		}
		segs[i].OrderIndex = i
		if id := segs[i].ID; id > 0 {
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("%w: segment %d listed twice", auth.ErrInvalidInput, id)
			}
			seen[id] = struct{}{}
			keep = append(keep, id)
			continue
		}
		if segs[i].Name == "" {
			return nil, fmt.Errorf("%w: new segment at position %d needs a name", auth.ErrInvalidInput, i)
		}
	}

	var (
		out   []Segment
		entry audit.Entry
	)
	err := s.asAdmin(ctx, func(tx Tx, caller auth.User) error {
		if err := tx.DeleteSegmentsExcept(ctx, keep); err != nil {
			return err
		}
		for _, seg := range segs {
			if seg.ID > 0 {
				if err := tx.UpdateSegment(ctx, seg); err != nil {
					if errors.Is(err, auth.ErrNotFound) {
						return fmt.Errorf("%w: segment %s does not exist", auth.ErrNotFound, strconv.FormatInt(seg.ID, 10))
					}
					return err
				}
				continue
			}
			if _, err := tx.InsertSegment(ctx, seg); err != nil {
				return err
			}
		}
		var err error
		entry, err = audit.Record(ctx, tx, caller.ID, audit.ActionReplaceSegments, auth.Segments(),
			fmt.Sprintf("Saved %d segments", len(segs)))
		if err != nil {
			return err
		}
		out, err = tx.ListSegments(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Segment{}
	}
	audit.Emit(ctx, entry)
	return out, nil
}
