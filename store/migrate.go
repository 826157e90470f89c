package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteDriver adapts an already-open *sql.DB to golang-migrate's
// database.Driver interface. golang-migrate's bundled "sqlite3" driver is
// built on mattn/go-sqlite3 (cgo); the teacher pairs golang-migrate with
// modernc.org/sqlite (pure Go, no cgo), so there is no registered driver for
// that combination. This adapter runs each migration file as a single
// transactional script against the same *sql.DB the rest of the package
// already owns, which is the documented escape hatch for using golang-migrate
// against a database/sql driver it does not ship a scheme for.
type sqliteDriver struct {
	db *sql.DB
}

func newSQLiteDriver(db *sql.DB) database.Driver {
	return &sqliteDriver{db: db}
}

func (d *sqliteDriver) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("sqliteDriver: Open via URL is not supported; construct with an existing *sql.DB")
}

func (d *sqliteDriver) Close() error { return nil }

// Lock/Unlock are no-ops: the store already serializes migration at startup
// via a single process owning the database file at bootstrap time.
func (d *sqliteDriver) Lock() error   { return nil }
func (d *sqliteDriver) Unlock() error { return nil }

func (d *sqliteDriver) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("starting migration transaction: %w", err)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("executing migration: %w", err)
	}
	return tx.Commit()
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty INTEGER NOT NULL)`)
	if err != nil {
		return err
	}
	if _, err := d.db.Exec(`DELETE FROM schema_migrations`); err != nil {
		return err
	}
	dirtyInt := 0
	if dirty {
		dirtyInt = 1
	}
	_, err = d.db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirtyInt)
	return err
}

func (d *sqliteDriver) Version() (version int, dirty bool, err error) {
	_, err = d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty INTEGER NOT NULL)`)
	if err != nil {
		return 0, false, err
	}
	row := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`)
	var dirtyInt int
	if err := row.Scan(&version, &dirtyInt); err != nil {
		if err == sql.ErrNoRows {
			return database.NilVersion, false, nil
		}
		return 0, false, err
	}
	return version, dirtyInt != 0, nil
}

func (d *sqliteDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	for _, name := range names {
		if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies every embedded migration in store/migrations to db.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", newSQLiteDriver(db))
	if err != nil {
		return fmt.Errorf("constructing migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
