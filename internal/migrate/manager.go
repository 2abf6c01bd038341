// Package migrate applies the schema and seed files with goose.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sync"

	"github.com/pressly/goose/v3"
)

const (
	dialect        = "postgres"
	defaultVersion = "goose_db_version"
)

// goose keeps its base FS, dialect and table name in package state.
var gooseMu sync.Mutex

// Manager runs versioned migrations from migrationsDir and idempotent seeds
// from seedsDir, both read from fsys. Seeds are not versioned and run in
// full every time.
type Manager struct {
	db            *sql.DB
	fsys          fs.FS
	migrationsDir string
	seedsDir      string
	table         string
}

// Option configures Manager.
type Option func(*Manager)

// WithVersionTable overrides the goose bookkeeping table.
func WithVersionTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:            db,
		fsys:          fsys,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		table:         defaultVersion,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.with(func() error {
		return goose.UpContext(ctx, m.db, m.migrationsDir)
	})
}

// Down rolls back the latest applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.with(func() error {
		return goose.DownContext(ctx, m.db, m.migrationsDir)
	})
}

// Seed runs every seed file. Seeds must tolerate being applied again.
func (m *Manager) Seed(ctx context.Context) error {
	return m.with(func() error {
		return goose.UpContext(ctx, m.db, m.seedsDir, goose.WithNoVersioning())
	})
}

// Status lists known migrations with their state against the database.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	var out []string
	err := m.with(func() error {
		current, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return err
		}
		all, err := goose.CollectMigrations(m.migrationsDir, 0, goose.MaxVersion)
		if err != nil {
			return err
		}
		for _, mig := range all {
			state := "pending"
			if mig.Version <= current {
				state = "applied"
			}
			out = append(out, fmt.Sprintf("%s\t%s", path.Base(mig.Source), state))
		}
		return nil
	})
	return out, err
}

// Migrations returns the migration versions found in fsys, in order.
func (m *Manager) Migrations() ([]int64, error) {
	var versions []int64
	err := m.with(func() error {
		all, err := goose.CollectMigrations(m.migrationsDir, 0, goose.MaxVersion)
		if err != nil {
			return err
		}
		for _, mig := range all {
			versions = append(versions, mig.Version)
		}
		return nil
	})
	return versions, err
}

// with points goose at this manager's FS and table for the duration of fn.
func (m *Manager) with(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	goose.SetBaseFS(m.fsys)
	goose.SetTableName(m.table)
	defer func() {
		goose.SetBaseFS(nil)
		goose.SetTableName(defaultVersion)
	}()
	return fn()
}
