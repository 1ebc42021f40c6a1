// Package store provides persistent storage for agents and their PnL
// history, backed by SQLite or PostgreSQL through sqlx.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/soyeahso/tradesim/internal/logging"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("store: conflict")
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps a SQL connection pool with migration support.
type DB struct {
	x      *sqlx.DB
	driver string
	log    *logging.Logger
}

// Open connects to the database and runs migrations. For sqlite the dsn is a
// file path; use ":memory:" for an in-memory database (useful for tests).
// For postgres the dsn is a connection URL.
func Open(driver, dsn string, log *logging.Logger) (*DB, error) {
	var (
		x   *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		x, err = openSQLite(dsn)
	case DriverPostgres:
		x, err = openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	db := &DB{x: x, driver: driver, log: log.Sub("store")}

	if err := db.migrate(); err != nil {
		x.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db.log.Info().Str("driver", driver).Msg("database opened")
	return db, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		// Pragmas in the DSN apply to every pooled connection.
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	x, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		x.SetMaxOpenConns(1)
		if _, err := x.Exec("PRAGMA foreign_keys=ON"); err != nil {
			x.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}
	return x, nil
}

func openPostgres(dsn string) (*sqlx.DB, error) {
	x, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	x.SetMaxOpenConns(25)
	x.SetMaxIdleConns(10)
	x.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := x.PingContext(ctx); err != nil {
		x.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return x, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.log.Info().Msg("closing database")
	return db.x.Close()
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// Ping checks connectivity; used by health reporting.
func (db *DB) Ping(ctx context.Context) error {
	return db.x.PingContext(ctx)
}

// q rebinds a "?" query to the driver's placeholder style.
func (db *DB) q(query string) string {
	return db.x.Rebind(query)
}

// migrate runs all pending migrations.
func (db *DB) migrate() error {
	if _, err := db.x.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := db.isMigrationApplied(m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		db.log.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")

		tx, err := db.x.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}

		if _, err := tx.Exec(db.q("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			m.Version, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (db *DB) isMigrationApplied(version int) (bool, error) {
	var count int
	err := db.x.Get(&count, db.q("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version)
	if err != nil {
		return false, fmt.Errorf("checking migration %d: %w", version, err)
	}
	return count > 0, nil
}

// splitStatements breaks a migration into single statements so both drivers
// can run them over the extended protocol.
func splitStatements(sql string) []string {
	var out []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// isUniqueViolation recognizes unique-constraint errors from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
