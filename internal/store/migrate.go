package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/tripmate/realtime/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations bundled with the binary.
// A dirty version left behind by an interrupted run is rolled back to the
// version before it, so Up re-applies it. The bundled migrations are
// idempotent, which makes re-running a half-applied one safe.
func Migrate(ctx context.Context, db *sql.DB) (err error) {
	log := logger.Component("migrate")

	// A dedicated connection keeps the driver from closing the shared pool.
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire migration connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("store: init migrate driver: %w", err)
	}
	defer func() {
		if closeErr := driver.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("store: close migration connection: %w", closeErr)
		}
	}()

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	defer func() {
		if closeErr := src.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("store: close migration source: %w", closeErr)
		}
	}()

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: create migrator: %w", err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info().Msg("no migrations applied yet")
	case err != nil:
		log.Warn().Err(err).Msg("read migration version")
	default:
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("current migration state")
	}

	if dirty {
		prev := previousVersion(src, version)
		log.Warn().Uint("version", version).Int("force", prev).Msg("database dirty, re-applying version")
		if err := m.Force(prev); err != nil {
			return fmt.Errorf("store: force version %d: %w", prev, err)
		}
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("schema up to date")
			return nil
		}
		return fmt.Errorf("store: apply migrations: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		log.Info().Uint("version", v).Msg("migrations applied")
	}
	return nil
}

// previousVersion returns the migration version preceding version, or
// database.NilVersion when version is the first one.
func previousVersion(src source.Driver, version uint) int {
	prev, err := src.Prev(version)
	if err != nil {
		return database.NilVersion
	}
	return int(prev)
}
