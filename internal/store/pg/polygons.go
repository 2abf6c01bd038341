package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"mapportal.org/internal/polygon"
)

const polygonColumns = `id, name, type, area, population, status, coordinates, color, layer, visible, attributes, user_id, created_at, updated_at`

const trashColumns = polygonColumns + `, original_created_at, moved_by_user`

func scanPolygon(row scanner, extra ...any) (polygon.Polygon, error) {
	var (
		p      polygon.Polygon
		coords []byte
		attrs  []byte
	)
	dest := append([]any{&p.ID, &p.Name, &p.Type, &p.Area, &p.Population, &p.Status, &coords, &p.Color, &p.Layer, &p.Visible, &attrs, &p.UserID, &p.CreatedAt, &p.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return polygon.Polygon{}, err
	}
	p.Coordinates = json.RawMessage(coords)
	p.Attributes = map[string]any{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return polygon.Polygon{}, fmt.Errorf("decode attributes of %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func scanTrashed(row scanner) (polygon.Trashed, error) {
	var t polygon.Trashed
	p, err := scanPolygon(row, &t.OriginalCreatedAt, &t.MovedBy)
	if err != nil {
		return polygon.Trashed{}, err
	}
	t.Polygon = p
	return t, nil
}

// polygonArgs renders the column values in polygonColumns order.
func polygonArgs(p polygon.Polygon) ([]any, error) {
	attrs := p.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes of %s: %w", p.ID, err)
	}
	return []any{p.ID, p.Name, p.Type, p.Area, p.Population, p.Status, string(p.Coordinates), p.Color, p.Layer, p.Visible, string(encoded), p.UserID, p.CreatedAt, p.UpdatedAt}, nil
}

func (t *tx) GetPolygon(ctx context.Context, id string, forUpdate bool) (polygon.Polygon, error) {
	query := `select ` + polygonColumns + ` from polygon_objects where id = $1`
	if forUpdate {
		query += ` for update`
	}
	p, err := scanPolygon(t.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return polygon.Polygon{}, translate(err, "polygon "+id)
	}
	return p, nil
}

func (t *tx) ListPolygons(ctx context.Context, keep func(polygon.Polygon) bool) ([]polygon.Polygon, error) {
	rows, err := t.q.QueryContext(ctx, `
		select `+polygonColumns+`
		from polygon_objects
		order by created_at desc, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []polygon.Polygon{}
	for rows.Next() {
		p, err := scanPolygon(rows)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

func (t *tx) IDInUse(ctx context.Context, id string) (bool, error) {
	var used bool
	err := t.q.QueryRowContext(ctx, `
		select exists (select 1 from polygon_objects where id = $1)
		    or exists (select 1 from trash_polygons where id = $1)
	`, id).Scan(&used)
	return used, err
}

func (t *tx) InsertPolygon(ctx context.Context, p polygon.Polygon) error {
	args, err := polygonArgs(p)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		insert into polygon_objects (`+polygonColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11::jsonb, $12, $13, $14)
	`, args...)
	return translate(err, "polygon "+p.ID)
}

func (t *tx) UpdatePolygon(ctx context.Context, p polygon.Polygon) error {
	args, err := polygonArgs(p)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		update polygon_objects
		set name = $2, type = $3, area = $4, population = $5, status = $6,
		    coordinates = $7::jsonb, color = $8, layer = $9, visible = $10,
		    attributes = $11::jsonb, user_id = $12, created_at = $13, updated_at = $14
		where id = $1
	`, args...)
	return mustAffect(res, err, "polygon "+p.ID)
}

func (t *tx) DeletePolygon(ctx context.Context, id string) (polygon.Polygon, error) {
	p, err := scanPolygon(t.q.QueryRowContext(ctx, `
		delete from polygon_objects
		where id = $1
		returning `+polygonColumns,
		id))
	if err != nil {
		return polygon.Polygon{}, translate(err, "polygon "+id)
	}
	return p, nil
}

func (t *tx) InsertTrashed(ctx context.Context, tr polygon.Trashed) error {
	args, err := polygonArgs(tr.Polygon)
	if err != nil {
		return err
	}
	args = append(args, tr.OriginalCreatedAt, tr.MovedBy)
	_, err = t.q.ExecContext(ctx, `
		insert into trash_polygons (`+trashColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11::jsonb, $12, $13, $14, $15, $16)
	`, args...)
	return translate(err, "trashed polygon "+tr.ID)
}

func (t *tx) DeleteTrashed(ctx context.Context, id string) (polygon.Trashed, error) {
	tr, err := scanTrashed(t.q.QueryRowContext(ctx, `
		delete from trash_polygons
		where id = $1
		returning `+trashColumns,
		id))
	if err != nil {
		return polygon.Trashed{}, translate(err, "trashed polygon "+id)
	}
	return tr, nil
}

func (t *tx) ListTrashed(ctx context.Context) ([]polygon.Trashed, error) {
	rows, err := t.q.QueryContext(ctx, `
		select `+trashColumns+`
		from trash_polygons
		order by created_at desc, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []polygon.Trashed{}
	for rows.Next() {
		tr, err := scanTrashed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *tx) EmptyTrash(ctx context.Context) (int64, error) {
	res, err := t.q.ExecContext(ctx, `delete from trash_polygons`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
