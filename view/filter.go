package view

import (
	"fmt"
	"strings"
	"time"

	"taskmaster/domain"
)

// All is the selector value that disables a filter axis.
const All = "All"

// Status selects tasks by completion state.
type Status string

const (
	StatusAll       Status = All
	StatusCompleted Status = "Completed"
	StatusPending   Status = "Pending"
	StatusOverdue   Status = "Overdue"
)

// DueWindow selects tasks by due date.
type DueWindow string

const (
	DueAll      DueWindow = All
	DueToday    DueWindow = "Today"
	DueThisWeek DueWindow = "This Week"
)

const weekDays = 7

// Spec describes the current view. The zero value shows every task.
// An empty Category or Priority means All.
type Spec struct {
	Search   string
	Category domain.Category
	Status   Status
	Priority domain.Priority
	Due      DueWindow
}

// ParseSpec builds a Spec from raw selector values as they arrive from a
// query string or form. Empty values and "All" disable the axis.
func ParseSpec(search, category, status, priority, due string) (Spec, error) {
	spec := Spec{Search: search, Status: StatusAll, Due: DueAll}
	var err error
	if isAll(category) {
		spec.Category = ""
	} else if spec.Category, err = domain.ParseCategory(category); err != nil {
		return Spec{}, err
	}
	if isAll(priority) {
		spec.Priority = ""
	} else if spec.Priority, err = domain.ParsePriority(priority); err != nil {
		return Spec{}, err
	}
	if spec.Status, err = ParseStatus(status); err != nil {
		return Spec{}, err
	}
	if spec.Due, err = ParseDueWindow(due); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func ParseStatus(s string) (Status, error) {
	if isAll(s) {
		return StatusAll, nil
	}
	for _, st := range []Status{StatusCompleted, StatusPending, StatusOverdue} {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", &domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", s)}
}

// ParseDueWindow accepts "Today", "This Week" and the query friendly "week".
func ParseDueWindow(s string) (DueWindow, error) {
	if isAll(s) {
		return DueAll, nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "today":
		return DueToday, nil
	case "this week", "this-week", "week":
		return DueThisWeek, nil
	}
	return "", &domain.ValidationError{Field: "due", Msg: fmt.Sprintf("unknown due window %q", s)}
}

func isAll(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, All)
}

// Filter returns the tasks matching every active axis of spec, in input
// order. The input slice is not modified.
func Filter(tasks []domain.Task, spec Spec, now time.Time) []domain.Task {
	needle := strings.ToLower(spec.Search)
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if spec.matches(t, needle, now) {
			out = append(out, t)
		}
	}
	return out
}

func (s Spec) matches(t domain.Task, needle string, now time.Time) bool {
	if needle != "" &&
		!strings.Contains(strings.ToLower(t.Title), needle) &&
		!strings.Contains(strings.ToLower(t.Description), needle) {
		return false
	}
	if s.Category != "" && t.EffectiveCategory() != s.Category {
		return false
	}
	if s.Priority != "" && t.Priority != s.Priority {
		return false
	}
	if !s.matchesStatus(t, now) {
		return false
	}
	return s.matchesDue(t, now)
}

func (s Spec) matchesStatus(t domain.Task, now time.Time) bool {
	switch s.Status {
	case StatusAll, "":
		return true
	case StatusCompleted:
		return t.Completed
	case StatusPending:
		return !t.Completed && !IsOverdue(t, now)
	case StatusOverdue:
		return IsOverdue(t, now)
	default:
		// Unknown selectors impose no constraint.
		return true
	}
}

func (s Spec) matchesDue(t domain.Task, now time.Time) bool {
	switch s.Due {
	case DueAll, "":
		return true
	case DueToday:
		return sameDay(t.DueDate, now)
	case DueThisWeek:
		return !t.DueDate.After(now.AddDate(0, 0, weekDays))
	default:
		return true
	}
}
