package view

import (
	"time"

	"taskmaster/domain"
)

// CategoryCount is one row of the per-category breakdown.
type CategoryCount struct {
	Category domain.Category `json:"category"`
	Count    int             `json:"count"`
}

// Stats summarizes a full task collection.
type Stats struct {
	Total      int             `json:"total"`
	Completed  int             `json:"completed"`
	DueToday   int             `json:"dueToday"`
	Overdue    int             `json:"overdue"`
	ByCategory []CategoryCount `json:"byCategory"`
}

// Summarize computes Stats over tasks. Callers must pass the unfiltered
// collection; the counters never depend on the active Spec.
// ByCategory follows domain.Categories order and omits empty categories.
func Summarize(tasks []domain.Task, now time.Time) Stats {
	st := Stats{Total: len(tasks), ByCategory: []CategoryCount{}}
	counts := make(map[domain.Category]int, len(domain.Categories))
	for _, t := range tasks {
		if t.Completed {
			st.Completed++
		}
		if sameDay(t.DueDate, now) {
			st.DueToday++
		}
		if IsOverdue(t, now) {
			st.Overdue++
		}
		counts[t.EffectiveCategory()]++
	}
	for _, c := range domain.Categories {
		if n := counts[c]; n > 0 {
			st.ByCategory = append(st.ByCategory, CategoryCount{Category: c, Count: n})
		}
	}
	return st
}
