// Package pg implements the portal stores on PostgreSQL through the pgx
// database/sql driver. Every statement is parametrized.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/polygon"
)

var (
	_ polygon.Tx        = (*tx)(nil)
	_ admin.Tx          = (*tx)(nil)
	_ auth.AccountStore = (*Store)(nil)
)

var tracer = otel.Tracer("mapportal.org/internal/store/pg")

// Store wraps a connection pool.
type Store struct {
	db *sql.DB
}

// Option tunes the pool.
type Option func(*sql.DB)

// WithMaxOpenConns caps open connections; idle connections get half.
func WithMaxOpenConns(n int) Option {
	return func(db *sql.DB) {
		if n > 0 {
			db.SetMaxOpenConns(n)
			db.SetMaxIdleConns(n / 2)
		}
	}
}

// Open connects lazily; call Ping to verify the DSN.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(12)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	for _, opt := range opts {
		opt(db)
	}
	return &Store{db: db}, nil
}

// New wraps an existing pool. Tests pass sqlmock connections here.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

// Polygons exposes the store to the polygon lifecycle manager.
func (s *Store) Polygons() polygon.Store { return polygonStore{s} }

// Admin exposes the store to the admin console.
func (s *Store) Admin() admin.Store { return adminStore{s} }

type polygonStore struct{ s *Store }

func (p polygonStore) WithTx(ctx context.Context, fn func(polygon.Tx) error) error {
	return p.s.withTx(ctx, "polygon", func(t *tx) error { return fn(t) })
}

type adminStore struct{ s *Store }

func (a adminStore) WithTx(ctx context.Context, fn func(admin.Tx) error) error {
	return a.s.withTx(ctx, "admin", func(t *tx) error { return fn(t) })
}

// withTx runs fn in one transaction. The deferred rollback is a no-op after
// a successful commit, so the connection goes back to the pool on every path.
func (s *Store) withTx(ctx context.Context, scope string, fn func(*tx) error) (err error) {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	ctx, span := tracer.Start(ctx, "pg.tx."+scope,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "postgresql")),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			if !isDomainError(err) {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
	}()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FindUser implements auth.AccountStore outside of any transaction.
func (s *Store) FindUser(ctx context.Context, id string) (auth.User, error) {
	return (&tx{q: s.db}).FindUser(ctx, id)
}

// FindUserByEmail implements auth.AccountStore.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where lower(email) = lower($1)
	`, email))
}

// CreateUser implements auth.AccountStore.
func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, name, password_hash, role, status, phone, position, company_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning `+userColumns,
		u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), string(u.Status), u.Phone, u.Position, u.CompanyID, u.CreatedAt)
	created, err := scanUser(row)
	if err != nil {
		return auth.User{}, translate(err, "user "+u.Email)
	}
	return created, nil
}
