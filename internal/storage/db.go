package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"expense-ledger/internal/auth"
	"expense-ledger/internal/metrics"
	"expense-ledger/internal/models"
	"expense-ledger/internal/validate"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxAmount is the first value DECIMAL(10,2) cannot hold.
var maxAmount = decimal.New(1, validate.MaxAmountDigits)

// Store persists users and their transactions. Every operation goes through
// the Manager first and fails with *models.ConnectionError when the database
// cannot be reached. Operations are serialized.
type Store struct {
	mu      sync.Mutex
	conn    *Manager
	dialect Dialect
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewStore creates a store on top of conn. m may be nil.
func NewStore(conn *Manager, log logrus.FieldLogger, m *metrics.Metrics) *Store {
	return &Store{
		conn:    conn,
		dialect: conn.dialect,
		log:     log.WithField("component", "store"),
		metrics: m,
		now:     time.Now,
	}
}

// NewDB opens a sqlite-backed store at path and connects eagerly.
func NewDB(path string, log logrus.FieldLogger) (*Store, error) {
	conn := NewManager(SQLite{}, SQLiteOpener(path), log, nil)
	if _, err := conn.Reconnect(context.Background()); err != nil {
		return nil, err
	}
	return NewStore(conn, log, nil), nil
}

// Close releases the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Release()
	return nil
}

// Healthy reports whether the database is reachable, reconnecting if needed.
func (s *Store) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Ensure(ctx)
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *Store) observe(op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.ObserveStore(op, fn)
}

// withTx runs fn in a transaction that is committed only when fn succeeds.
func withTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &models.PersistenceError{Op: op, Err: fmt.Errorf("begin: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &models.PersistenceError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &models.ValidationError{Field: field, Reason: validate.ReasonRequired}
	}
	return nil
}

// CreateUser registers a user. The password is stored as a bcrypt hash.
func (s *Store) CreateUser(ctx context.Context, userID, password, name string) error {
	for _, err := range []error{required("userid", userID), required("password", password), required("name", name)} {
		if err != nil {
			return err
		}
	}

	return s.observe("create_user", func() error {
		db, err := s.conn.handle(ctx)
		if err != nil {
			return err
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return &models.PersistenceError{Op: "create user", Err: fmt.Errorf("hash password: %w", err)}
		}

		err = withTx(ctx, db, "create user", func(tx *sql.Tx) error {
			var count int
			if err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM userinfo WHERE userid = ?"), userID).Scan(&count); err != nil {
				return &models.PersistenceError{Op: "create user", Err: err}
			}
			if count > 0 {
				return models.ErrDuplicateUser
			}

			_, err := tx.ExecContext(ctx,
				s.q("INSERT INTO userinfo (userid, password, user_name, created_at) VALUES (?, ?, ?, ?)"),
				userID, hash, name, s.now(),
			)
			if err != nil {
				if s.dialect.IsUniqueViolation(err) {
					return models.ErrDuplicateUser
				}
				return &models.PersistenceError{Op: "create user", Err: err}
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.log.WithField("userid", userID).Info("User created")
		return nil
	})
}

// Authenticate checks the credentials of userID and records the login time.
// Lookup, comparison and update happen in one transaction. Plaintext
// passwords left by older versions are replaced with a hash on success.
func (s *Store) Authenticate(ctx context.Context, userID, password string) (*models.User, error) {
	var user *models.User
	err := s.observe("authenticate", func() error {
		db, err := s.conn.handle(ctx)
		if err != nil {
			return err
		}

		return withTx(ctx, db, "authenticate", func(tx *sql.Tx) error {
			u, err := s.scanUser(tx.QueryRowContext(ctx,
				s.q("SELECT userid, password, user_name, created_at, last_login FROM userinfo WHERE userid = ?"),
				userID,
			))
			if errors.Is(err, sql.ErrNoRows) {
				s.log.WithField("userid", userID).Warn("No user found")
				return &models.AuthError{Reason: models.AuthNotFound}
			}
			if err != nil {
				return &models.PersistenceError{Op: "authenticate", Err: err}
			}

			if !auth.CheckPassword(password, u.Password) {
				s.log.WithField("userid", userID).Warn("Password mismatch")
				return &models.AuthError{Reason: models.AuthBadCredentials}
			}

			now := s.now()
			if auth.IsHash(u.Password) {
				_, err = tx.ExecContext(ctx, s.q("UPDATE userinfo SET last_login = ? WHERE userid = ?"), now, userID)
			} else {
				var hash string
				hash, err = auth.HashPassword(password)
				if err == nil {
					_, err = tx.ExecContext(ctx, s.q("UPDATE userinfo SET password = ?, last_login = ? WHERE userid = ?"), hash, now, userID)
				}
				if err == nil {
					s.log.WithField("userid", userID).Info("Upgraded plaintext password to hash")
				}
			}
			if err != nil {
				return &models.PersistenceError{Op: "authenticate", Err: err}
			}

			u.Password = ""
			u.LastLoginAt = &now
			user = u
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("userid", userID).Info("Login successful")
	return user, nil
}

// GetUser retrieves a user by id. The password is not returned.
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user *models.User
	err := s.observe("get_user", func() error {
		db, err := s.conn.handle(ctx)
		if err != nil {
			return err
		}
		u, err := s.scanUser(db.QueryRowContext(ctx,
			s.q("SELECT userid, password, user_name, created_at, last_login FROM userinfo WHERE userid = ?"),
			userID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return &models.AuthError{Reason: models.AuthNotFound}
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		u.Password = ""
		user = u
		return nil
	})
	return user, err
}

func (s *Store) scanUser(row *sql.Row) (*models.User, error) {
	var (
		u         models.User
		createdAt sql.NullTime
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.UserID, &u.Password, &u.DisplayName, &createdAt, &lastLogin); err != nil {
		return nil, err
	}
	u.CreatedAt = createdAt.Time
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

// DeleteUser removes a user; their transactions go with them.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.observe("delete_user", func() error {
		db, err := s.conn.handle(ctx)
		if err != nil {
			return err
		}
		return withTx(ctx, db, "delete user", func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, s.q("DELETE FROM userinfo WHERE userid = ?"), userID)
			if err != nil {
				return &models.PersistenceError{Op: "delete user", Err: err}
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return &models.AuthError{Reason: models.AuthNotFound}
			}
			return nil
		})
	})
}

// checkTransaction re-applies the transaction rules at the storage boundary
// and returns the amount rounded to what the column keeps.
func (s *Store) checkTransaction(date time.Time, category models.Category, amount decimal.Decimal) (decimal.Decimal, error) {
	// Magnitude first: rounding rescales the coefficient.
	if amount.IsPositive() {
		switch digits := validate.IntegerDigits(amount); {
		case digits > validate.MaxAmountDigits:
			return amount, &models.ValidationError{Field: "amount", Reason: validate.ReasonOutOfRange}
		case digits < -2:
			// Below 0.001, which rounds to zero.
			return amount, &models.ValidationError{Field: "amount", Reason: validate.ReasonNotPositive}
		}
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return amount, &models.ValidationError{Field: "amount", Reason: validate.ReasonNotPositive}
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return amount, &models.ValidationError{Field: "amount", Reason: validate.ReasonOutOfRange}
	}
	if !category.IsValid() {
		return amount, &models.ValidationError{Field: "category", Reason: validate.ReasonUnknownCategory}
	}
	if date.IsZero() {
		return amount, &models.ValidationError{Field: "date", Reason: validate.ReasonRequired}
	}
	// Compare calendar days only: a date accepted at validation time stays
	// acceptable however long the commit takes.
	now := s.now().In(date.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, date.Location())
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	if day.After(today) {
		return amount, &models.ValidationError{Field: "date", Reason: validate.ReasonFutureDate}
	}
	return amount, nil
}

// AppendTransaction inserts a transaction for userID and returns its id.
func (s *Store) AppendTransaction(ctx context.Context, userID string, date time.Time, category models.Category, amount decimal.Decimal, comment string) (int64, error) {
	amount, err := s.checkTransaction(date, category, amount)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.observe("append_transaction", func() error {
		db, err := s.conn.handle(ctx)
		if err != nil {
			return err
		}

		return withTx(ctx, db, "append transaction", func(tx *sql.Tx) error {
			var count int
			if err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM userinfo WHERE userid = ?"), userID).Scan(&count); err != nil {
				return &models.PersistenceError{Op: "append transaction", Err: err}
			}
			if count == 0 {
				return &models.ValidationError{Field: "userid", Reason: "unknown user"}
			}

			var note sql.NullString
			if c := strings.TrimSpace(comment); c != "" {
				note = sql.NullString{String: c, Valid: true}
			}
			now := s.now()
			err := tx.QueryRowContext(ctx,
				s.q(`INSERT INTO expense (userid, date, expense_type, amount, comment, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				userID, date.Format(models.DateLayout), string(category), amount.StringFixed(2), note, now, now,
			).Scan(&id)
			if err != nil {
				return &models.PersistenceError{Op: "append transaction", Err: err}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"userid":   userID,
		"id":       id,
		"category": string(category),
		"amount":   amount.StringFixed(2),
	}).Info("Transaction added")
	return id, nil
}

// ListTransactions returns every transaction of userID in insertion order.
func (s *Store) ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	transactions := make([]models.Transaction, 0)
	err := s.observe("list_transactions", func() error {
		db, err := s.conn.handle(ctx)
		if err != nil {
			return err
		}

		rows, err := db.QueryContext(ctx,
			s.q(`SELECT id, userid, date, expense_type, amount, comment, created_at, updated_at
			FROM expense WHERE userid = ? ORDER BY id ASC`),
			userID,
		)
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		defer rows.Close()

		loc := s.now().Location()
		for rows.Next() {
			var (
				t                    models.Transaction
				dateText, category   string
				comment              sql.NullString
				createdAt, updatedAt sql.NullTime
			)
			if err := rows.Scan(&t.ID, &t.UserID, &dateText, &category, &t.Amount, &comment, &createdAt, &updatedAt); err != nil {
				return fmt.Errorf("scan transaction: %w", err)
			}
			date, err := time.ParseInLocation(models.DateInputLayout, dateText, loc)
			if err != nil {
				s.log.WithFields(logrus.Fields{"id": t.ID, "date": dateText}).Warn("Stored date is not dd/mm/yyyy")
			}
			t.Date = date
			t.Category = models.Category(category)
			t.Comment = comment.String
			t.CreatedAt = createdAt.Time
			t.UpdatedAt = updatedAt.Time
			transactions = append(transactions, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}
