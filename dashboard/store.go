package dashboard

import (
	"context"

	"taskmaster/domain"
	"taskmaster/storage"
)

// Owned binds a TaskStore to one owner so it can serve as a Remote without
// going through the HTTP API.
type Owned struct {
	Store  storage.TaskStore
	UserID string
}

func (o Owned) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return o.Store.ListTasks(ctx, o.UserID)
}

// CreateTaskWithKey ignores key: a direct store call either commits or
// returns the error, so there is no lost response to replay.
func (o Owned) CreateTaskWithKey(ctx context.Context, d domain.TaskDraft, _ string) (domain.Task, error) {
	t, err := domain.NewTask(o.UserID, d)
	if err != nil {
		return domain.Task{}, err
	}
	return o.Store.CreateTask(ctx, t)
}

func (o Owned) UpdateTask(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	if err := p.Normalize(); err != nil {
		return domain.Task{}, err
	}
	return o.Store.UpdateTask(ctx, o.UserID, id, p)
}

func (o Owned) DeleteTask(ctx context.Context, id string) error {
	return o.Store.DeleteTask(ctx, o.UserID, id)
}
