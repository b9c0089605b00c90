package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskmaster/domain"
	"taskmaster/view"
)

// TaskUpdatesChannel is the Redis channel that carries change notices
// between API replicas.
const TaskUpdatesChannel = "taskmaster:task-updates"

const streamKeepAlive = 25 * time.Second

// Notifier is told whenever an owner's task collection changes.
type Notifier interface {
	TasksChanged(ctx context.Context, userID string)
}

// Broker fans change notices out to the stream connections of one process.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan struct{}]struct{})}
}

func (b *Broker) subscribe(userID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan struct{}]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(userID string, ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs[userID], ch)
	if len(b.subs[userID]) == 0 {
		delete(b.subs, userID)
	}
	b.mu.Unlock()
}

// TasksChanged wakes every stream of userID. Pending wake-ups coalesce.
func (b *Broker) TasksChanged(_ context.Context, userID string) {
	b.mu.Lock()
	for ch := range b.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

type updateNotice struct {
	UserID string `json:"userId"`
}

// RedisNotifier publishes change notices so every replica's Broker hears them.
type RedisNotifier struct {
	client *redis.Client
	local  *Broker
	logger *log.Logger
}

func NewRedisNotifier(client *redis.Client, local *Broker, logger *log.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, local: local, logger: logger}
}

// TasksChanged publishes the notice. When Redis is unreachable only local
// streams are woken.
func (n *RedisNotifier) TasksChanged(ctx context.Context, userID string) {
	payload, err := sonic.Marshal(updateNotice{UserID: userID})
	if err == nil {
		err = n.client.Publish(ctx, TaskUpdatesChannel, payload).Err()
	}
	if err != nil {
		n.logger.WithError(err).WithField("user_id", userID).Warn("publish task update")
		n.local.TasksChanged(ctx, userID)
	}
}

// Run relays published notices to the local Broker until ctx is done,
// resubscribing if the channel closes.
func (n *RedisNotifier) Run(ctx context.Context) {
	for {
		sub := n.client.Subscribe(ctx, TaskUpdatesChannel)
		n.relay(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		n.logger.Error("task update subscription closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (n *RedisNotifier) relay(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var notice updateNotice
			if err := sonic.UnmarshalString(msg.Payload, &notice); err != nil || notice.UserID == "" {
				n.logger.WithField("payload", msg.Payload).Warn("unable to parse task update")
				continue
			}
			n.local.TasksChanged(ctx, notice.UserID)
		}
	}
}

// NotifyOnChange wraps store so successful mutations reach n.
func NotifyOnChange(store Storage, n Notifier) Storage {
	return &notifyingStorage{Storage: store, notifier: n}
}

type notifyingStorage struct {
	Storage
	notifier Notifier
}

func (s *notifyingStorage) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	created, err := s.Storage.CreateTask(ctx, t)
	if err == nil {
		s.notifier.TasksChanged(ctx, created.UserID)
	}
	return created, err
}

func (s *notifyingStorage) UpdateTask(ctx context.Context, userID, id string, p domain.TaskPatch) (domain.Task, error) {
	t, err := s.Storage.UpdateTask(ctx, userID, id, p)
	if err == nil {
		s.notifier.TasksChanged(ctx, userID)
	}
	return t, err
}

func (s *notifyingStorage) ToggleTask(ctx context.Context, userID, id string) (domain.Task, error) {
	t, err := s.Storage.ToggleTask(ctx, userID, id)
	if err == nil {
		s.notifier.TasksChanged(ctx, userID)
	}
	return t, err
}

func (s *notifyingStorage) DeleteTask(ctx context.Context, userID, id string) error {
	err := s.Storage.DeleteTask(ctx, userID, id)
	if err == nil {
		s.notifier.TasksChanged(ctx, userID)
	}
	return err
}

// RegisterStream wires the server-sent events endpoint.
func RegisterStream(e *echo.Echo, store Storage, auth Authenticator, broker *Broker, logger *log.Logger) {
	e.GET("/api/tasks/stream", streamTasks(store, auth, broker, view.NewEngine(), logger))
}

// streamTasks sends the owner's rendered collection once on connect and
// again after every change. EventSource cannot set headers, so the token may
// also arrive as ?token=.
func streamTasks(store Storage, auth Authenticator, broker *Broker, engine view.Engine, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return unauthorized(c, err)
		}
		zoned, err := engineFor(c, engine)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		res := c.Response()
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)

		ctx := c.Request().Context()
		ch := broker.subscribe(userID)
		defer broker.unsubscribe(userID, ch)
		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()

		entry := logger.WithField("user_id", userID)
		for {
			tasks, err := store.ListTasks(ctx, userID)
			if err != nil {
				if ctx.Err() == nil {
					entry.WithError(err).Error("stream list tasks")
				}
				return nil
			}
			data, err := sonic.Marshal(zoned.Render(tasks, view.Spec{}))
			if err != nil {
				entry.WithError(err).Error("stream encode")
				return nil
			}
			if err := writeEvent(res, data); err != nil {
				return nil
			}
			flusher.Flush()

		wait:
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := res.Write([]byte(": ping\n\n")); err != nil {
						return nil
					}
					flusher.Flush()
				case <-ch:
					break wait
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
