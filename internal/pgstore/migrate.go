package pgstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationState mirrors the database manager's status field.
type MigrationState string

const (
	MigrationPending   MigrationState = "pending"
	MigrationRunning   MigrationState = "running"
	MigrationCompleted MigrationState = "completed"
	MigrationFailed    MigrationState = "failed"
)

// Migrate applies all pending migrations. golang-migrate's DDL is
// idempotent via its own schema_migrations bookkeeping table, so calling
// this repeatedly (e.g. on every reconnect attempt) is safe.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("pgstore: open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("pgstore: migration driver: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pgstore: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("pgstore: migrate up: %w", err)
	}

	ok, err := HasRelations(db, RequiredRelations)
	if err != nil {
		return fmt.Errorf("pgstore: verify relations: %w", err)
	}
	if !ok {
		return fmt.Errorf("pgstore: migration completed but required relations are missing")
	}
	return nil
}

// RequiredRelations are the five tables the indexer depends on; the
// database manager's connect-attempt checks their presence after migrating
// to validate a successful connection.
var RequiredRelations = []string{
	"blocks", "transactions", "transaction_inputs", "transaction_outputs", "balances",
}

// HasRelations reports whether every table in names exists.
func HasRelations(db *sql.DB, names []string) (bool, error) {
	for _, name := range names {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS (
			SELECT FROM information_schema.tables WHERE table_name = $1
		)`, name).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("pgstore: check relation %s: %w", name, err)
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}
