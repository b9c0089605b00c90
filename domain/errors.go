package domain

import (
	"strings"
	"unicode/utf8"
)

// ValidationError reports a rejected field value.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Msg
}

func normalizeTitle(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ValidationError{Field: "title", Msg: "title is required"}
	}
	if utf8.RuneCountInString(s) > MaxTitleLength {
		return "", &ValidationError{Field: "title", Msg: "title cannot exceed 100 characters"}
	}
	return s, nil
}

func normalizeDescription(s string) (string, error) {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxDescriptionLength {
		return "", &ValidationError{Field: "description", Msg: "description cannot exceed 500 characters"}
	}
	return s, nil
}
