package api

import (
	"context"
	"time"

	"taskmaster/domain"
)

// Storage abstracts task persistence for handlers. Every call is scoped to
// the authenticated owner.
type Storage interface {
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, userID, id string, p domain.TaskPatch) (domain.Task, error)
	ToggleTask(ctx context.Context, userID, id string) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
}

// Users abstracts account persistence.
type Users interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	RecordLogin(ctx context.Context, id string, attempts int, lockUntil, lastLogin *time.Time) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// TokenIssuer signs session tokens after a successful login.
type TokenIssuer interface {
	IssueToken(userID string) (string, time.Time, error)
}

// Deduper maps idempotency keys to created tasks.
type Deduper interface {
	Reserve(ctx context.Context, userID, key string) (bool, error)
	Complete(ctx context.Context, userID, key, taskID string) error
	Lookup(ctx context.Context, userID, key string) (string, error)
	Remove(ctx context.Context, userID, key string) error
}
