package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskmaster/domain"
)

// Cache wraps a Store with a Redis-backed copy of each owner's task list.
// Every successful task mutation evicts the owner's entry and bumps the
// owner's generation; a list read from the store is cached only if the
// generation is unchanged since before the read.
type Cache struct {
	Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A nil client or zero TTL disables caching.
func NewCache(base Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, userID); ok {
		return tasks, nil
	}

	gen, genOK := c.generation(ctx, userID)
	tasks, err := c.Store.ListTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	if genOK {
		c.storeTasks(ctx, userID, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	created, err := c.Store.CreateTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, created.UserID)
	return created, nil
}

func (c *Cache) UpdateTask(ctx context.Context, userID, id string, p domain.TaskPatch) (domain.Task, error) {
	t, err := c.Store.UpdateTask(ctx, userID, id, p)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, userID)
	return t, nil
}

func (c *Cache) ToggleTask(ctx context.Context, userID, id string) (domain.Task, error) {
	t, err := c.Store.ToggleTask(ctx, userID, id)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, userID)
	return t, nil
}

func (c *Cache) DeleteTask(ctx context.Context, userID, id string) error {
	if err := c.Store.DeleteTask(ctx, userID, id); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) loadTasks(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			log.WithError(err).Debug("task cache read failed")
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return tasks, true
}

// generation returns the owner's mutation counter. A missing key reads as 0.
func (c *Cache) generation(ctx context.Context, userID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, tasksGenKey(userID)).Int64()
	switch {
	case err == redis.Nil:
		return 0, true
	case err != nil:
		log.WithError(err).Debug("task cache generation read failed")
		return 0, false
	}
	return gen, true
}

// storeTasks writes tasks only while the owner's generation still equals
// gen. WATCH aborts the write if an eviction lands in between.
func (c *Cache) storeTasks(ctx context.Context, userID string, gen int64, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	genKey := tasksGenKey(userID)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err == redis.Nil {
			current, err = 0, nil
		}
		if err != nil {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(userID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if err != nil && !errors.Is(err, errStaleFill) && !errors.Is(err, redis.TxFailedErr) {
		log.WithError(err).Debug("task cache write failed")
	}
}

func (c *Cache) evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, tasksGenKey(userID))
		pipe.Del(ctx, tasksCacheKey(userID))
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("user", userID).Warn("task cache eviction failed")
	}
}

var errStaleFill = errors.New("task list changed during fill")

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func tasksGenKey(userID string) string {
	return "tasks-gen:" + userID
}
