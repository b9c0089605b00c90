// Package view derives the visible task list and summary statistics from a
// user's full task collection. Everything here is pure computation over
// in-memory data; callers supply the current time.
package view

import (
	"time"

	"taskmaster/domain"
)

// IsOverdue reports whether t is still open after the last instant of its
// due day. The due day is taken in now's location, so a task due today only
// becomes overdue once the day has fully elapsed.
func IsOverdue(t domain.Task, now time.Time) bool {
	if t.Completed || t.DueDate.IsZero() {
		return false
	}
	return endOfDay(t.DueDate, now.Location()).Before(now)
}

func endOfDay(ts time.Time, loc *time.Location) time.Time {
	y, m, d := ts.In(loc).Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), loc)
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
