package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/mysql/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// MySQLMigrationURL returns the migrate URL for a MySQL database.
func MySQLMigrationURL(user, pass, host, port, name string) string {
	return "mysql://" + MySQLDSN(user, pass, host, port, name, true)
}

// SQLiteMigrationURL returns the migrate URL for a SQLite file.
func SQLiteMigrationURL(path string) string {
	return "sqlite://" + path
}

// RunMigrations applies all pending migrations for dialect ("mysql" or
// "sqlite") against databaseURL.  The runner opens its own connection and
// closes it before returning, so the application pool is not touched.
func RunMigrations(dialect, databaseURL string, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("migration init: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}

	if logger != nil {
		version, dirty, _ := m.Version()
		logger.Info("migrations applied", "dialect", dialect, "version", version, "dirty", dirty)
	}
	return nil
}
