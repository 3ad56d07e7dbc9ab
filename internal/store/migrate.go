package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/matheus3301/securechat/internal/store/migrations"
)

// MigrateResult is the cache schema version after Migrate.
type MigrateResult struct {
	Version uint
	Changed bool
}

// Migrate brings the cache schema up to date. A database left dirty by an
// interrupted migration is refused rather than loaded.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("cache migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("cache migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("cache migrator: %w", err)
	}

	if _, dirty, err := m.Version(); err == nil && dirty {
		return nil, dirtyError(m)
	}

	changed := true
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("%w: migrate cache schema: %v", model.ErrStorage, err)
		}
		changed = false
	}

	version, dirty, err := m.Version()
	if err != nil {
		return nil, fmt.Errorf("%w: read cache schema version: %v", model.ErrStorage, err)
	}
	if dirty {
		return nil, dirtyError(m)
	}
	return &MigrateResult{Version: version, Changed: changed}, nil
}

func dirtyError(m *migrate.Migrate) error {
	version, _, _ := m.Version()
	return fmt.Errorf("%w: cache schema is dirty at version %d; delete the cache database to rebuild it", model.ErrStorage, version)
}
