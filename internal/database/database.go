package database

import (
	"database/sql"
	"embed"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"zpravobot/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the state store. It is the only shared mutable resource in the
// system; the UNIQUE constraints on (source_id, post_id) and published_id
// provide the atomicity the pipeline assumes.
type DB struct {
	*sql.DB
}

// NewDB opens a connection to the SQLite database specified by the path
// and runs any pending migrations.
func NewDB(dataSourceName string) (*DB, error) {
	logging.Info("Opening database connection to: %s", dataSourceName)
	// _foreign_keys enables constraint checking, _journal_mode=WAL gives
	// better concurrency between the scheduler and the web status page.
	u, err := url.Parse(dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	q := u.Query()
	q.Set("_foreign_keys", "1")
	q.Set("_journal_mode", "WAL")
	u.RawQuery = q.Encode()

	dbConn, err := sql.Open("sqlite3", u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = dbConn.Ping(); err != nil {
		dbConn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{dbConn}

	if err := db.applyMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return db, nil
}

// applyMigrations checks the current database schema version and applies
// any pending migrations from the embedded migrations filesystem.
func (db *DB) applyMigrations() error {
	logging.Info("Checking database migrations...")

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err == migrate.ErrNoChange {
		logging.Info("Database schema is up to date.")
	} else {
		logging.Info("Database migrations applied successfully.")
	}

	if srcErr := src.Close(); srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}

	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	logging.Info("Closing database connection.")
	return db.DB.Close()
}
