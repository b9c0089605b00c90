// Package storage persists tasks and users. Every task operation is scoped
// to an owner: an id that belongs to somebody else is indistinguishable from
// a missing one.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"taskmaster/domain"
)

var (
	// ErrNotFound is returned when the record does not exist for the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on duplicate keys and lost optimistic updates.
	ErrConflict = errors.New("conflict")
)

// TaskStore is the owner-scoped task repository.
type TaskStore interface {
	// ListTasks returns every task of userID, newest first by creation.
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	// CreateTask assigns ID and timestamps and returns the stored task.
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, userID, id string, p domain.TaskPatch) (domain.Task, error)
	// ToggleTask inverts the completion flag and returns the stored task.
	ToggleTask(ctx context.Context, userID, id string) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
}

// UserStore persists registered accounts.
type UserStore interface {
	// CreateUser fails with ErrConflict when the email is taken.
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	RecordLogin(ctx context.Context, id string, attempts int, lockUntil, lastLogin *time.Time) error
}

// Store is implemented by the full backends.
type Store interface {
	TaskStore
	UserStore
	Provision(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverTables   = "tables"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver string
	// ConnectionString is the Azure storage connection string for the tables
	// driver and the DSN for SQL drivers.
	ConnectionString string
	TasksTable       string
	UsersTable       string
}

// Open creates the configured backend. Nothing is provisioned until the
// first call that needs it.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case DriverTables, "":
		return NewTables(opts.ConnectionString, opts.TasksTable, opts.UsersTable)
	case DriverSQLite, DriverPostgres:
		return OpenSQL(strings.ToLower(opts.Driver), opts.ConnectionString)
	default:
		return nil, errors.New("storage: unknown driver " + opts.Driver)
	}
}

// provisioner runs an initialization step once. Unlike sync.Once a failed
// attempt is retried on the next call.
type provisioner struct {
	mu   sync.Mutex
	done bool
}

func (p *provisioner) do(ctx context.Context, fn func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	p.done = true
	return nil
}

func sortNewestFirst(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
