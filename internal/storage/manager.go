package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"expense-ledger/internal/metrics"
	"expense-ledger/internal/models"

	"github.com/sirupsen/logrus"
)

// Manager owns the single database handle of the process. It checks the
// handle is alive before each use and reconnects when it is not. It is not
// safe for concurrent use; Store serializes access to it.
type Manager struct {
	dialect Dialect
	open    Opener
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	db      *sql.DB
	lastErr *models.ConnectionError
}

// NewManager does not connect; the first Ensure does.
func NewManager(dialect Dialect, open Opener, log logrus.FieldLogger, m *metrics.Metrics) *Manager {
	return &Manager{
		dialect: dialect,
		open:    open,
		log:     log.WithField("component", "connection"),
		metrics: m,
	}
}

// Ensure reports whether a live connection exists, reconnecting once if it
// does not. On failure the handle is left unset.
func (m *Manager) Ensure(ctx context.Context) bool {
	if m.db != nil {
		err := m.db.PingContext(ctx)
		if err == nil {
			return true
		}
		m.log.WithError(err).Warn("Database connection lost, reconnecting")
	}
	if _, err := m.Reconnect(ctx); err != nil {
		return false
	}
	return true
}

// Reconnect discards any current handle and opens a new one, then bootstraps
// the schema. Errors are *models.ConnectionError.
func (m *Manager) Reconnect(ctx context.Context) (*sql.DB, error) {
	m.closeHandle()
	m.log.WithField("dialect", m.dialect.Name()).Info("Attempting to connect to database")

	db, err := m.connect(ctx)
	m.metrics.ObserveReconnect(err)
	if err != nil {
		cerr := &models.ConnectionError{Kind: m.dialect.ConnKind(err), Err: err}
		m.lastErr = cerr
		entry := m.log.WithError(err).WithField("kind", cerr.Kind.String())
		switch cerr.Kind {
		case models.ConnAuth:
			entry.Error("Invalid database username or password")
		case models.ConnMissingDatabase:
			entry.Error("Database does not exist")
		case models.ConnNetwork:
			entry.Error("Database server is unreachable")
		default:
			entry.Error("Error connecting to database")
		}
		return nil, cerr
	}

	m.db = db
	m.lastErr = nil
	m.log.Info("Database connection successful")
	return db, nil
}

func (m *Manager) connect(ctx context.Context) (*sql.DB, error) {
	db, err := m.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := m.bootstrap(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// bootstrap is idempotent; every statement is create-if-absent.
func (m *Manager) bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range m.dialect.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	m.log.Debug("Database tables initialized")
	return nil
}

// Release closes the live handle, if any. Safe to call more than once.
func (m *Manager) Release() {
	if m.db == nil {
		return
	}
	m.closeHandle()
	m.log.Info("Database connection closed")
}

func (m *Manager) closeHandle() {
	if m.db == nil {
		return
	}
	if err := m.db.Close(); err != nil {
		m.log.WithError(err).Error("Error closing database connection")
	}
	m.db = nil
}

// LastError returns the most recent connection failure, or nil after a
// successful connect.
func (m *Manager) LastError() error {
	if m.lastErr == nil {
		return nil
	}
	return m.lastErr
}

// handle returns the live connection or a *models.ConnectionError.
func (m *Manager) handle(ctx context.Context) (*sql.DB, error) {
	if !m.Ensure(ctx) {
		var cerr *models.ConnectionError
		if errors.As(m.LastError(), &cerr) {
			return nil, cerr
		}
		return nil, &models.ConnectionError{Kind: models.ConnUnknown}
	}
	return m.db, nil
}
