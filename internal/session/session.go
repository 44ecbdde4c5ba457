// Package session binds sign-up and login to the ledger store and runs the
// per-user operations of a logged-in session.
package session

import (
	"context"
	"errors"
	"time"

	"expense-ledger/internal/metrics"
	"expense-ledger/internal/models"
	"expense-ledger/internal/summary"
	"expense-ledger/internal/validate"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrNoSession is returned by operations that need a logged-in user.
var ErrNoSession = errors.New("not logged in")

// Store is the part of the ledger store a session needs.
type Store interface {
	CreateUser(ctx context.Context, userID, password, name string) error
	Authenticate(ctx context.Context, userID, password string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	AppendTransaction(ctx context.Context, userID string, date time.Time, category models.Category, amount decimal.Decimal, comment string) (int64, error)
	ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error)
}

// Manager composes the validator and the store.
type Manager struct {
	store   Store
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a session manager. m may be nil.
func New(store Store, log logrus.FieldLogger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		log:     log.WithField("component", "session"),
		metrics: m,
		now:     time.Now,
	}
}

// SignUp validates the new account, creates it and returns a session for it.
// The first failing rule is reported.
func (m *Manager) SignUp(ctx context.Context, userID, name, password string) (*models.Session, error) {
	userID, err := validate.UserID(userID)
	if err != nil {
		return nil, err
	}
	if _, err := validate.Password(password); err != nil {
		return nil, err
	}
	name, err = validate.Name(name)
	if err != nil {
		return nil, err
	}

	if err := m.store.CreateUser(ctx, userID, password, name); err != nil {
		return nil, err
	}
	m.log.WithField("userid", userID).Info("Signed up")
	return &models.Session{UserID: userID, DisplayName: name, StartedAt: m.now()}, nil
}

// Login checks credentials without validating their format. Unknown users
// and wrong passwords both fail with "bad credentials".
func (m *Manager) Login(ctx context.Context, userID, password string) (*models.Session, error) {
	user, err := m.store.Authenticate(ctx, userID, password)
	if err != nil {
		var aerr *models.AuthError
		if errors.As(err, &aerr) {
			return nil, &models.AuthError{Reason: models.AuthBadCredentials}
		}
		return nil, err
	}
	return &models.Session{UserID: user.UserID, DisplayName: user.DisplayName, StartedAt: m.now()}, nil
}

// AddTransaction validates the form fields and appends the transaction for
// the session's user. The date is checked against the clock at validation.
func (m *Manager) AddTransaction(ctx context.Context, sess *models.Session, amountText, dateText, categoryText, comment string) (int64, error) {
	if sess == nil {
		return 0, ErrNoSession
	}
	amount, err := validate.Amount(amountText)
	if err != nil {
		return 0, err
	}
	date, err := validate.Date(dateText, m.now())
	if err != nil {
		return 0, err
	}
	category, err := validate.Category(categoryText)
	if err != nil {
		return 0, err
	}
	return m.store.AppendTransaction(ctx, sess.UserID, date, category, amount, comment)
}

// Profile returns the session user's account as stored, without the password.
func (m *Manager) Profile(ctx context.Context, sess *models.Session) (*models.User, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	return m.store.GetUser(ctx, sess.UserID)
}

// Transactions lists the session user's transactions in insertion order.
func (m *Manager) Transactions(ctx context.Context, sess *models.Session) ([]models.Transaction, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	return m.store.ListTransactions(ctx, sess.UserID)
}

// Summary aggregates the session user's transactions.
func (m *Manager) Summary(ctx context.Context, sess *models.Session) (summary.Summary, error) {
	txs, err := m.Transactions(ctx, sess)
	if err != nil {
		return summary.Summary{}, err
	}
	s := summary.Aggregate(txs, m.log.WithField("component", "summary"))
	m.metrics.ObserveSummary()
	return s, nil
}
