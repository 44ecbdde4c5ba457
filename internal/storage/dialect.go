package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"expense-ledger/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	// Register the pgx database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures what differs between the supported databases: schema DDL,
// placeholder syntax and how driver errors are classified.
type Dialect interface {
	Name() string
	Schema() []string
	Rebind(query string) string
	ConnKind(err error) models.ConnKind
	IsUniqueViolation(err error) bool
}

// Opener returns a fresh database handle. It does not need to ping.
type Opener func(ctx context.Context) (*sql.DB, error)

// SQLite is the default, file-backed dialect.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Schema() []string {
	return []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS userinfo (
			userid TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			user_name TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_login TIMESTAMP NULL DEFAULT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS expense (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			userid TEXT NOT NULL,
			date TEXT NOT NULL,
			expense_type TEXT NOT NULL,
			amount DECIMAL(10,2) NOT NULL CHECK (amount > 0),
			comment TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (userid) REFERENCES userinfo(userid) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expense_userid ON expense(userid)`,
		`CREATE TRIGGER IF NOT EXISTS expense_touch_updated_at
			AFTER UPDATE ON expense
			FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
			BEGIN
				UPDATE expense SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
			END`,
	}
}

func (SQLite) Rebind(query string) string { return query }

func (SQLite) ConnKind(err error) models.ConnKind {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_AUTH, sqlite3.SQLITE_PERM:
			return models.ConnAuth
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
			return models.ConnMissingDatabase
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return models.ConnMissingDatabase
	}
	if errors.Is(err, os.ErrPermission) {
		return models.ConnAuth
	}
	return models.ConnUnknown
}

func (SQLite) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// SQLiteDSN adds the pragmas every ledger connection needs to path.
func SQLiteDSN(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// SQLiteOpener opens the database file at path, creating its directory when
// needed. ":memory:" is passed through untouched.
func SQLiteOpener(path string) Opener {
	return func(ctx context.Context) (*sql.DB, error) {
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create db directory: %w", err)
				}
			}
		}
		db, err := sql.Open("sqlite", SQLiteDSN(path))
		if err != nil {
			return nil, err
		}
		// One logical connection; an in-memory database lives only as long as it.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return db, nil
	}
}

// Postgres is the networked dialect, served through pgx's database/sql driver.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS userinfo (
			userid TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			user_name TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_login TIMESTAMP NULL DEFAULT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS expense (
			id SERIAL PRIMARY KEY,
			userid TEXT NOT NULL REFERENCES userinfo(userid) ON DELETE CASCADE,
			date TEXT NOT NULL,
			expense_type TEXT NOT NULL,
			amount DECIMAL(10,2) NOT NULL CHECK (amount > 0),
			comment TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expense_userid ON expense(userid)`,
		`CREATE OR REPLACE FUNCTION expense_touch_updated_at() RETURNS trigger AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`CREATE OR REPLACE TRIGGER expense_touch_updated_at
			BEFORE UPDATE ON expense
			FOR EACH ROW EXECUTE FUNCTION expense_touch_updated_at()`,
	}
}

// Rebind turns ? placeholders into $1, $2, ...
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (Postgres) ConnKind(err error) models.ConnKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000":
			return models.ConnAuth
		case "3D000":
			return models.ConnMissingDatabase
		}
		return models.ConnUnknown
	}

	var netErr net.Error
	var connectErr *pgconn.ConnectError
	if errors.As(err, &netErr) || errors.As(err, &connectErr) {
		return models.ConnNetwork
	}
	return models.ConnUnknown
}

func (Postgres) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresURL builds a connection URL the way the config layer names its parts.
func PostgresURL(host, port, user, password, name, sslmode string) string {
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + name,
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}

// PostgresOpener opens dsn through the pgx driver.
func PostgresOpener(dsn string) Opener {
	return func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return db, nil
	}
}
