// Package summary turns a user's transactions into category totals.
package summary

import (
	"expense-ledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Summary is the aggregate of a list of transactions.
type Summary struct {
	// Buckets holds expense totals per category; zero buckets are omitted.
	Buckets      map[models.Category]decimal.Decimal
	Income       decimal.Decimal
	TotalExpense decimal.Decimal
	// Count is the number of transactions aggregated.
	Count int
	// Skipped counts transactions whose category was not recognized.
	Skipped int
}

// Share is one slice of the expense distribution.
type Share struct {
	Category   models.Category `json:"category"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage float64         `json:"percentage"`
}

// Bar is one bar of the income vs expenses chart.
type Bar struct {
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
}

// Aggregate sums txs into the five expense buckets and the income total.
// It does not depend on the order of txs. Transactions with an unknown
// category are logged to log and skipped.
func Aggregate(txs []models.Transaction, log logrus.FieldLogger) Summary {
	totals := make(map[models.Category]decimal.Decimal, len(models.ExpenseCategories))
	for _, c := range models.ExpenseCategories {
		totals[c] = decimal.Zero
	}
	income := decimal.Zero

	s := Summary{Buckets: make(map[models.Category]decimal.Decimal)}
	for _, t := range txs {
		switch {
		case t.Category == models.Income:
			income = income.Add(t.Amount)
		case t.Category.IsExpense():
			totals[t.Category] = totals[t.Category].Add(t.Amount)
		default:
			log.WithFields(logrus.Fields{
				"id":       t.ID,
				"category": string(t.Category),
			}).Warn("Skipping transaction with unknown category")
			s.Skipped++
			continue
		}
		s.Count++
	}

	total := decimal.Zero
	for _, c := range models.ExpenseCategories {
		v := totals[c].Round(2)
		if v.IsPositive() {
			s.Buckets[c] = v
		}
		total = total.Add(v)
	}
	s.TotalExpense = total.Round(2)
	s.Income = income.Round(2)
	return s
}

// IsEmpty reports whether no transaction was aggregated.
func (s Summary) IsEmpty() bool {
	return s.Count == 0
}

// Net is income minus expenses.
func (s Summary) Net() decimal.Decimal {
	return s.Income.Sub(s.TotalExpense)
}

// Distribution returns the non-zero expense buckets in display order with
// their share of the total expense.
func (s Summary) Distribution() []Share {
	shares := make([]Share, 0, len(s.Buckets))
	if !s.TotalExpense.IsPositive() {
		return shares
	}
	hundred := decimal.NewFromInt(100)
	for _, c := range models.ExpenseCategories {
		v, ok := s.Buckets[c]
		if !ok {
			continue
		}
		pct, _ := v.Mul(hundred).DivRound(s.TotalExpense, 2).Float64()
		shares = append(shares, Share{Category: c, Amount: v, Percentage: pct})
	}
	return shares
}

// Bars returns the non-zero expense buckets followed by income, if any.
func (s Summary) Bars() []Bar {
	bars := make([]Bar, 0, len(s.Buckets)+1)
	for _, c := range models.ExpenseCategories {
		if v, ok := s.Buckets[c]; ok {
			bars = append(bars, Bar{Label: string(c), Amount: v})
		}
	}
	if s.Income.IsPositive() {
		bars = append(bars, Bar{Label: string(models.Income), Amount: s.Income})
	}
	return bars
}
