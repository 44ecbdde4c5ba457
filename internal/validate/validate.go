// Package validate checks user-supplied text before it reaches the store.
// Every function is pure; failures are *models.ValidationError.
package validate

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"expense-ledger/internal/models"

	"github.com/shopspring/decimal"
)

// Failure reasons.
const (
	ReasonNotANumber      = "not a number"
	ReasonNotPositive     = "must be > 0"
	ReasonBadFormat       = "bad format"
	ReasonFutureDate      = "future date"
	ReasonTooShort        = "too short"
	ReasonNotAlphanumeric = "must be alphanumeric"
	ReasonNoUpper         = "missing uppercase"
	ReasonNoLower         = "missing lowercase"
	ReasonNoDigit         = "missing digit"
	ReasonRequired        = "required"
	ReasonUnknownCategory = "unknown category"
	ReasonOutOfRange      = "out of range"
)

// MaxAmountDigits is how many integer digits a stored amount may have.
const MaxAmountDigits = 8

const (
	minUserIDLen   = 3
	minPasswordLen = 6
)

func fail(field, reason string) error {
	return &models.ValidationError{Field: field, Reason: reason}
}

// Amount parses text as a decimal number and requires it to be positive.
func Amount(text string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, fail("amount", ReasonNotANumber)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fail("amount", ReasonNotPositive)
	}
	if IntegerDigits(amount) > MaxAmountDigits {
		return decimal.Zero, fail("amount", ReasonOutOfRange)
	}
	return amount, nil
}

// IntegerDigits returns how many digits a non-zero amount has before the
// decimal point; zero or less when it is below one (0.05 gives -1). It never
// rescales the amount.
func IntegerDigits(amount decimal.Decimal) int64 {
	return int64(amount.NumDigits()) + int64(amount.Exponent())
}

// Date parses a dd/mm/yyyy date in now's location. Dates strictly after now
// are rejected.
func Date(text string, now time.Time) (time.Time, error) {
	date, err := time.ParseInLocation(models.DateInputLayout, strings.TrimSpace(text), now.Location())
	if err != nil {
		return time.Time{}, fail("date", ReasonBadFormat)
	}
	if date.After(now) {
		return time.Time{}, fail("date", ReasonFutureDate)
	}
	return date, nil
}

// UserID requires at least three letters or digits and nothing else.
func UserID(text string) (string, error) {
	id := strings.TrimSpace(text)
	if utf8.RuneCountInString(id) < minUserIDLen {
		return "", fail("userid", ReasonTooShort)
	}
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return "", fail("userid", ReasonNotAlphanumeric)
		}
	}
	return id, nil
}

// Password checks length, then upper case, lower case and digit presence, and
// reports the first rule that fails.
func Password(text string) (string, error) {
	if utf8.RuneCountInString(text) < minPasswordLen {
		return "", fail("password", ReasonTooShort)
	}
	var upper, lower, digit bool
	for _, r := range text {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	switch {
	case !upper:
		return "", fail("password", ReasonNoUpper)
	case !lower:
		return "", fail("password", ReasonNoLower)
	case !digit:
		return "", fail("password", ReasonNoDigit)
	}
	return text, nil
}

// Name requires a non-blank display name.
func Name(text string) (string, error) {
	name := strings.TrimSpace(text)
	if name == "" {
		return "", fail("name", ReasonRequired)
	}
	return name, nil
}

// Category resolves a category label or identifier.
func Category(text string) (models.Category, error) {
	c, ok := models.ParseCategory(text)
	if !ok {
		return "", fail("category", ReasonUnknownCategory)
	}
	return c, nil
}
