package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the dd/mm/yyyy form every ledger date is stored and displayed in.
const DateLayout = "02/01/2006"

// DateInputLayout parses user input; it accepts one- or two-digit day and month.
const DateInputLayout = "2/1/2006"

// Transaction represents a single dated expense or income record.
type Transaction struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Date      time.Time       `json:"-"`
	Category  Category        `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	Comment   string          `json:"comment,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DateText returns the transaction date in dd/mm/yyyy form.
func (t Transaction) DateText() string {
	return t.Date.Format(DateLayout)
}

// IsIncome reports whether the transaction is money coming in.
func (t Transaction) IsIncome() bool {
	return t.Category == Income
}

// User represents a ledger account.
type User struct {
	UserID      string     `json:"user_id"`
	Password    string     `json:"-"`
	DisplayName string     `json:"display_name"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Session represents an authenticated user of the ledger.
type Session struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	StartedAt   time.Time `json:"started_at"`
}
