package handlers

import (
	"net/http"

	"expense-ledger/internal/summary"
)

// StatsCategoryItem is one expense category with its share of spending.
type StatsCategoryItem struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Total      string  `json:"total"`
	Percentage float64 `json:"percentage"`
}

// StatsBar is one bar of the income vs expenses chart.
type StatsBar struct {
	Label  string `json:"label"`
	Amount string `json:"amount"`
}

// StatsViewModel is the summary as the API shows it.
type StatsViewModel struct {
	Empty        bool                `json:"empty"`
	Buckets      map[string]string   `json:"buckets"`
	Income       string              `json:"income"`
	TotalExpense string              `json:"total_expense"`
	Net          string              `json:"net"`
	Categories   []StatsCategoryItem `json:"categories"`
	Bars         []StatsBar          `json:"bars"`
	Skipped      int                 `json:"skipped,omitempty"`
}

func newStatsViewModel(s summary.Summary) StatsViewModel {
	vm := StatsViewModel{
		Empty:        s.IsEmpty(),
		Buckets:      make(map[string]string, len(s.Buckets)),
		Income:       s.Income.StringFixed(2),
		TotalExpense: s.TotalExpense.StringFixed(2),
		Net:          s.Net().StringFixed(2),
		Skipped:      s.Skipped,
	}
	for c, v := range s.Buckets {
		vm.Buckets[string(c)] = v.StringFixed(2)
	}

	shares := s.Distribution()
	vm.Categories = make([]StatsCategoryItem, 0, len(shares))
	for _, sh := range shares {
		vm.Categories = append(vm.Categories, StatsCategoryItem{
			Category:   string(sh.Category),
			Key:        sh.Category.Identifier(),
			Total:      sh.Amount.StringFixed(2),
			Percentage: sh.Percentage,
		})
	}

	bars := s.Bars()
	vm.Bars = make([]StatsBar, 0, len(bars))
	for _, b := range bars {
		vm.Bars = append(vm.Bars, StatsBar{Label: b.Label, Amount: b.Amount.StringFixed(2)})
	}
	return vm
}

// Statistics returns the category totals and chart data of the user's ledger.
func (h *Handlers) Statistics(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Summary(r.Context(), GetSessionFromContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatsViewModel(s))
}
