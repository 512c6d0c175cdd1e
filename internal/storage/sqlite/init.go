package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// InitDB opens the SQLite database at path and applies pending migrations.
// A positive maxPages caps the database size through PRAGMA max_page_count;
// writes beyond it fail with storage.ErrQuotaExceeded.
func InitDB(path string, maxPages int) (*sqlx.DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite does not handle concurrent writers and the page limit pragma is
	// per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(sqlDB); err != nil {
		sqlDB.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := sqlx.NewDb(sqlDB, "sqlite3")

	if maxPages > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", maxPages)); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to set page limit: %w", err)
		}
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}
