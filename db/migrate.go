package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationConfig holds configuration for running migrations.
type MigrationConfig struct {
	// DatabaseName is used by golang-migrate for internal tracking (default: "main")
	DatabaseName string
	// MigrationsTable overrides golang-migrate's version table name.
	MigrationsTable string
}

// DefaultMigrationConfig returns the configuration used by the service.
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{DatabaseName: "main"}
}

// MigrateUp applies all pending up migrations. ErrNoChange is not an error.
//
// MigrateUp takes ownership of conn and closes it when done; use
// MigrateUpFromPath to let it manage its own connection.
func MigrateUp(conn *sql.DB) error {
	m, err := newMigrator(conn, DefaultMigrationConfig())
	if err != nil {
		return fmt.Errorf("db: failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateUpFromPath applies pending migrations to the database at dbPath.
func MigrateUpFromPath(dbPath string) error {
	conn, err := NewSQLiteConnectionWithDefaults(dbPath)
	if err != nil {
		return err
	}
	return MigrateUp(conn)
}

// MigrateDownFromPath rolls back steps migrations, or all of them when
// steps is -1.
func MigrateDownFromPath(dbPath string, steps int) error {
	conn, err := NewSQLiteConnectionWithDefaults(dbPath)
	if err != nil {
		return err
	}
	m, err := newMigrator(conn, DefaultMigrationConfig())
	if err != nil {
		return fmt.Errorf("db: failed to create migrator: %w", err)
	}
	defer m.Close()

	if steps == -1 {
		err = m.Down()
	} else {
		err = m.Steps(-steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: failed to roll back migrations: %w", err)
	}
	return nil
}

// MigrationVersionFromPath returns the applied version and dirty flag.
// A database with no migrations applied reports version 0.
func MigrationVersionFromPath(dbPath string) (uint, bool, error) {
	conn, err := NewSQLiteConnectionWithDefaults(dbPath)
	if err != nil {
		return 0, false, err
	}
	m, err := newMigrator(conn, DefaultMigrationConfig())
	if err != nil {
		return 0, false, fmt.Errorf("db: failed to create migrator: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("db: failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// newMigrator wires the embedded SQL files to conn. Closing the returned
// migrator closes conn.
func newMigrator(conn *sql.DB, config MigrationConfig) (*migrate.Migrate, error) {
	if conn == nil {
		return nil, errors.New("database connection is required")
	}

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(conn, &sqlite.Config{
		DatabaseName:    config.DatabaseName,
		MigrationsTable: config.MigrationsTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}
