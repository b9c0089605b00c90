package domain

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxNameLength     = 50
	MinPasswordLength = 6
)

var emailPattern = regexp.MustCompile(`^\w+([.-]?\w+)*@\w+([.-]?\w+)*(\.\w{2,3})+$`)

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	LoginAttempts int        `json:"-"`
	LockUntil     *time.Time `json:"-"`
	LastLogin     *time.Time `json:"lastLogin,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Locked reports whether the account is temporarily locked at now.
func (u User) Locked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

// Signup is the registration request.
type Signup struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Normalize trims and lowercases the fields and validates them.
func (s *Signup) Normalize() error {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = NormalizeEmail(s.Email)
	if s.Name == "" || s.Email == "" || s.Password == "" {
		return &ValidationError{Field: "signup", Msg: "All fields are required"}
	}
	if utf8.RuneCountInString(s.Name) > MaxNameLength {
		return &ValidationError{Field: "name", Msg: "Name cannot exceed 50 characters"}
	}
	if !emailPattern.MatchString(s.Email) {
		return &ValidationError{Field: "email", Msg: "Please enter a valid email"}
	}
	if len(s.Password) < MinPasswordLength {
		return &ValidationError{Field: "password", Msg: "Password must be at least 6 characters long"}
	}
	return nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
