package domain

import "strings"

// Category is the closed set of task categories.
type Category string

const (
	CategoryWork     Category = "Work"
	CategoryPersonal Category = "Personal"
	CategoryStudy    Category = "Study"
	CategoryShopping Category = "Shopping"
	CategoryGeneral  Category = "General"

	DefaultCategory = CategoryGeneral
)

// Categories lists the known categories in display order.
var Categories = []Category{CategoryWork, CategoryPersonal, CategoryStudy, CategoryShopping, CategoryGeneral}

// ParseCategory matches s case-insensitively against the known categories.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(s, string(c)) {
			return c, nil
		}
	}
	return "", &ValidationError{Field: "category", Msg: "unknown category " + quote(s)}
}

// Priority is the closed set of task priorities.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"

	DefaultPriority = PriorityMedium
)

var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// ParsePriority matches s case-insensitively against the known priorities.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	for _, p := range Priorities {
		if strings.EqualFold(s, string(p)) {
			return p, nil
		}
	}
	return "", &ValidationError{Field: "priority", Msg: "unknown priority " + quote(s)}
}

func quote(s string) string { return "\"" + s + "\"" }
