package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Database owns the service's SQLite connection for its lifetime.
//
// Usage:
//
//	database, err := NewDatabase("data/rugcomposer.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	if err := database.Migrate(); err != nil {
//	    return err
//	}
type Database struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// DatabaseConfig holds configuration for a Database.
type DatabaseConfig struct {
	Path string
	// ConnectionConfig overrides the default SQLite connection settings.
	ConnectionConfig *ConnectionConfig
}

// NewDatabase opens the database at path with default settings, creating
// parent directories as needed. It does not run migrations.
func NewDatabase(path string) (*Database, error) {
	return NewDatabaseWithConfig(DatabaseConfig{Path: path})
}

// NewDatabaseWithConfig opens a database with custom settings.
func NewDatabaseWithConfig(config DatabaseConfig) (*Database, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("db: database path is required")
	}

	dir := filepath.Dir(config.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("db: failed to create database directory %s: %w", dir, err)
		}
	}

	connConfig := DefaultConnectionConfig(config.Path)
	if config.ConnectionConfig != nil {
		connConfig = *config.ConnectionConfig
	}

	conn, err := NewSQLiteConnection(connConfig)
	if err != nil {
		return nil, err
	}

	return &Database{db: conn, path: config.Path}, nil
}

// Migrate applies pending migrations. golang-migrate closes the connection
// it is handed, so migrations run on a connection of their own.
func (d *Database) Migrate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := MigrateUpFromPath(d.path); err != nil {
		return fmt.Errorf("db: migration failed: %w", err)
	}
	return nil
}

// DB returns the underlying connection. Do not close it; use Close.
func (d *Database) DB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Close closes the connection. Further use of d fails.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("db: failed to close database: %w", err)
	}
	d.db = nil
	return nil
}

// Ping verifies the connection is alive, for health checks.
func (d *Database) Ping(ctx context.Context) error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

// BeginTx starts a transaction.
func (d *Database) BeginTx(ctx context.Context) (*sql.Tx, error) {
	conn, err := d.conn()
	if err != nil {
		return nil, err
	}
	return conn.BeginTx(ctx, nil)
}

// ExecContext executes a statement that returns no rows.
func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := d.conn()
	if err != nil {
		return nil, err
	}
	return conn.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	conn, err := d.conn()
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (d *Database) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryRowContext(ctx, query, args...)
}

func (d *Database) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, fmt.Errorf("db: database connection is closed")
	}
	return d.db, nil
}
