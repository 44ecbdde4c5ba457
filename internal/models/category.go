package models

import "strings"

// Category is the closed set of transaction kinds. The string value is the
// label persisted in the expense_type column.
type Category string

const (
	FoodAndDining  Category = "Food & Dining"
	Transportation Category = "Transportation"
	Housing        Category = "Housing"
	Entertainment  Category = "Entertainment"
	Other          Category = "Other"
	Income         Category = "Income"
)

// ExpenseCategories lists the expense buckets in display order.
var ExpenseCategories = []Category{FoodAndDining, Transportation, Housing, Entertainment, Other}

// Categories lists every category, expenses first.
var Categories = []Category{FoodAndDining, Transportation, Housing, Entertainment, Other, Income}

var identifiers = map[Category]string{
	FoodAndDining:  "FoodAndDining",
	Transportation: "Transportation",
	Housing:        "Housing",
	Entertainment:  "Entertainment",
	Other:          "Other",
	Income:         "Income",
}

// IsValid reports whether c is one of the six known categories.
func (c Category) IsValid() bool {
	_, ok := identifiers[c]
	return ok
}

// IsExpense reports whether c is one of the five expense buckets.
func (c Category) IsExpense() bool {
	return c.IsValid() && c != Income
}

// Identifier returns the space-free name of the category, e.g. FoodAndDining.
func (c Category) Identifier() string {
	return identifiers[c]
}

// ParseCategory accepts either the stored label ("Food & Dining") or the
// identifier ("FoodAndDining"), ignoring case and surrounding space.
func ParseCategory(s string) (Category, bool) {
	s = strings.TrimSpace(s)
	for c, id := range identifiers {
		if strings.EqualFold(s, string(c)) || strings.EqualFold(s, id) {
			return c, true
		}
	}
	return "", false
}
