package polygon

import (
	"context"

	"mapportal.org/internal/audit"
	"mapportal.org/internal/auth"
)

// Store opens units of work. WithTx commits when fn returns nil and rolls
// back otherwise, releasing the connection on every path.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view the lifecycle manager works through.
type Tx interface {
	auth.Directory
	audit.Appender

	// GetPolygon returns auth.ErrNotFound when id is not active. With
	// forUpdate the row stays locked until the transaction ends.
	GetPolygon(ctx context.Context, id string, forUpdate bool) (Polygon, error)
	// ListPolygons streams active polygons newest first and keeps those for
	// which keep returns true.
	ListPolygons(ctx context.Context, keep func(Polygon) bool) ([]Polygon, error)
	// IDInUse reports whether id is taken by an active or trashed polygon.
	IDInUse(ctx context.Context, id string) (bool, error)
	InsertPolygon(ctx context.Context, p Polygon) error
	UpdatePolygon(ctx context.Context, p Polygon) error
	// DeletePolygon removes an active row and returns it.
	DeletePolygon(ctx context.Context, id string) (Polygon, error)

	InsertTrashed(ctx context.Context, t Trashed) error
	// DeleteTrashed removes a trashed row and returns it. Concurrent callers
	// racing on the same id see auth.ErrNotFound once it is gone.
	DeleteTrashed(ctx context.Context, id string) (Trashed, error)
	ListTrashed(ctx context.Context) ([]Trashed, error)
	EmptyTrash(ctx context.Context) (int64, error)
}
