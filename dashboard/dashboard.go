// Package dashboard keeps one session's task collection in memory. Filtering
// and statistics run locally; mutations go to a Remote first and are applied
// to the local copy only after the remote confirms them.
package dashboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"taskmaster/domain"
	"taskmaster/view"
)

// Remote is the authoritative task store for the session's owner.
type Remote interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	// CreateTaskWithKey creates at most one task per key, returning the
	// first result when the key is repeated.
	CreateTaskWithKey(ctx context.Context, d domain.TaskDraft, key string) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Error is returned by every failed dashboard operation. Msg is safe to show
// to the user; Err holds the cause. Key is set on failed creates and must be
// reused to retry them.
type Error struct {
	Op  string
	Msg string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Msg
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	msgLoad   = "Failed to load tasks"
	msgCreate = "Failed to create task"
	msgUpdate = "Failed to update task"
	msgDelete = "Failed to delete task"
	msgAbsent = "Task is not loaded"
)

type Dashboard struct {
	remote Remote
	engine view.Engine

	mu    sync.RWMutex
	tasks []domain.Task
	spec  view.Spec
}

func New(remote Remote, engine view.Engine) *Dashboard {
	return &Dashboard{remote: remote, engine: engine, tasks: []domain.Task{}}
}

// Load replaces the local collection with the remote one.
func (d *Dashboard) Load(ctx context.Context) error {
	tasks, err := d.remote.ListTasks(ctx)
	if err != nil {
		return &Error{Op: "load", Msg: msgLoad, Err: err}
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	d.mu.Lock()
	d.tasks = tasks
	d.mu.Unlock()
	return nil
}

// Create adds the task at the front of the collection under a fresh
// idempotency key. The key is reported in the returned *Error.
func (d *Dashboard) Create(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	return d.CreateWithKey(ctx, draft, uuid.NewString())
}

// CreateWithKey is Create with a caller-held key. Retrying a failed create
// with the same key never yields a second task.
func (d *Dashboard) CreateWithKey(ctx context.Context, draft domain.TaskDraft, key string) (domain.Task, error) {
	t, err := d.remote.CreateTaskWithKey(ctx, draft, key)
	if err != nil {
		return domain.Task{}, &Error{Op: "create", Msg: msgCreate, Key: key, Err: err}
	}
	d.mu.Lock()
	if i := d.index(t.ID); i >= 0 {
		d.tasks[i] = t
	} else {
		d.tasks = append([]domain.Task{t}, d.tasks...)
	}
	d.mu.Unlock()
	return t, nil
}

// Toggle flips completion based on the locally known state. The remote
// receives an explicit value, so the last writer wins.
func (d *Dashboard) Toggle(ctx context.Context, id string) (domain.Task, error) {
	d.mu.RLock()
	i := d.index(id)
	var completed bool
	if i >= 0 {
		completed = !d.tasks[i].Completed
	}
	d.mu.RUnlock()
	if i < 0 {
		return domain.Task{}, &Error{Op: "toggle", Msg: msgAbsent}
	}
	t, err := d.update(ctx, "toggle", id, domain.TaskPatch{Completed: &completed})
	return t, err
}

// Update applies a partial edit.
func (d *Dashboard) Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	return d.update(ctx, "update", id, p)
}

func (d *Dashboard) update(ctx context.Context, op, id string, p domain.TaskPatch) (domain.Task, error) {
	t, err := d.remote.UpdateTask(ctx, id, p)
	if err != nil {
		return domain.Task{}, &Error{Op: op, Msg: msgUpdate, Err: err}
	}
	d.mu.Lock()
	if i := d.index(id); i >= 0 {
		d.tasks[i] = t
	}
	d.mu.Unlock()
	return t, nil
}

func (d *Dashboard) Delete(ctx context.Context, id string) error {
	if err := d.remote.DeleteTask(ctx, id); err != nil {
		return &Error{Op: "delete", Msg: msgDelete, Err: err}
	}
	d.mu.Lock()
	if i := d.index(id); i >= 0 {
		d.tasks = append(d.tasks[:i:i], d.tasks[i+1:]...)
	}
	d.mu.Unlock()
	return nil
}

// SetFilter changes the active view. No remote call is made.
func (d *Dashboard) SetFilter(spec view.Spec) {
	d.mu.Lock()
	d.spec = spec
	d.mu.Unlock()
}

func (d *Dashboard) Filter() view.Spec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.spec
}

// Visible returns the tasks matching the active filter.
func (d *Dashboard) Visible() []domain.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine.Filter(d.tasks, d.spec)
}

// Stats summarizes the whole collection regardless of the filter.
func (d *Dashboard) Stats() view.Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine.Stats(d.tasks)
}

// Tasks returns a copy of the full collection.
func (d *Dashboard) Tasks() []domain.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.Task(nil), d.tasks...)
}

func (d *Dashboard) index(id string) int {
	for i := range d.tasks {
		if d.tasks[i].ID == id {
			return i
		}
	}
	return -1
}
