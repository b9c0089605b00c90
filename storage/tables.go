package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskmaster/domain"
)

const (
	edmDateTime = "Edm.DateTime"

	userPartition  = "user"
	emailPartition = "email"
)

// Tables stores tasks and users in Azure Table Storage. Tasks are
// partitioned by owner so every query is naturally owner scoped.
type Tables struct {
	taskTable *aztables.Client
	userTable *aztables.Client
	now       func() time.Time
	init      provisioner
}

// NewTables creates the table clients. Tables are created on first use.
func NewTables(connStr, tasksTable, usersTable string) (*Tables, error) {
	if connStr == "" || tasksTable == "" || usersTable == "" {
		return nil, errors.New("storage: tables driver needs a connection string and table names")
	}
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{
		taskTable: svc.NewClient(tasksTable),
		userTable: svc.NewClient(usersTable),
		now:       time.Now,
	}, nil
}

// Provision creates the tables if they do not exist yet.
func (s *Tables) Provision(ctx context.Context) error {
	return s.init.do(ctx, func(ctx context.Context) error {
		for _, c := range []*aztables.Client{s.taskTable, s.userTable} {
			if _, err := c.CreateTable(ctx, nil); err != nil {
				var respErr *azcore.ResponseError
				if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
					return fmt.Errorf("create table: %w", err)
				}
			}
		}
		log.Debug("tables provisioned")
		return nil
	})
}

func (s *Tables) Close() error { return nil }

type taskEntity struct {
	PartitionKey  string     `json:"PartitionKey"`
	RowKey        string     `json:"RowKey"`
	Title         string     `json:"Title"`
	Description   string     `json:"Description"`
	Category      string     `json:"Category"`
	Priority      string     `json:"Priority"`
	Completed     bool       `json:"Completed"`
	DueDate       time.Time  `json:"DueDate"`
	DueDateType   string     `json:"DueDate@odata.type,omitempty"`
	Reminder      *time.Time `json:"Reminder,omitempty"`
	ReminderType  string     `json:"Reminder@odata.type,omitempty"`
	Order         *int       `json:"Order,omitempty"`
	CreatedAt     time.Time  `json:"CreatedAt"`
	CreatedAtType string     `json:"CreatedAt@odata.type,omitempty"`
	UpdatedAt     time.Time  `json:"UpdatedAt"`
	UpdatedAtType string     `json:"UpdatedAt@odata.type,omitempty"`
}

// taskUpdate carries a merge-mode partial update.
type taskUpdate struct {
	PartitionKey  string     `json:"PartitionKey"`
	RowKey        string     `json:"RowKey"`
	Title         *string    `json:"Title,omitempty"`
	Description   *string    `json:"Description,omitempty"`
	Category      *string    `json:"Category,omitempty"`
	Priority      *string    `json:"Priority,omitempty"`
	Completed     *bool      `json:"Completed,omitempty"`
	DueDate       *time.Time `json:"DueDate,omitempty"`
	DueDateType   string     `json:"DueDate@odata.type,omitempty"`
	Reminder      *time.Time `json:"Reminder,omitempty"`
	ReminderType  string     `json:"Reminder@odata.type,omitempty"`
	Order         *int       `json:"Order,omitempty"`
	UpdatedAt     time.Time  `json:"UpdatedAt"`
	UpdatedAtType string     `json:"UpdatedAt@odata.type"`
}

func encodeTask(t domain.Task) taskEntity {
	ent := taskEntity{
		PartitionKey:  t.UserID,
		RowKey:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Category:      string(t.Category),
		Priority:      string(t.Priority),
		Completed:     t.Completed,
		DueDate:       t.DueDate.UTC(),
		DueDateType:   edmDateTime,
		Order:         t.Order,
		CreatedAt:     t.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
		UpdatedAt:     t.UpdatedAt.UTC(),
		UpdatedAtType: edmDateTime,
	}
	if t.Reminder != nil {
		r := t.Reminder.UTC()
		ent.Reminder = &r
		ent.ReminderType = edmDateTime
	}
	return ent
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          ent.RowKey,
		UserID:      ent.PartitionKey,
		Title:       ent.Title,
		Description: ent.Description,
		Category:    domain.Category(ent.Category),
		Priority:    domain.Priority(ent.Priority),
		Completed:   ent.Completed,
		DueDate:     ent.DueDate,
		Reminder:    ent.Reminder,
		Order:       ent.Order,
		CreatedAt:   ent.CreatedAt,
		UpdatedAt:   ent.UpdatedAt,
	}, nil
}

func newTaskUpdate(userID, id string, p domain.TaskPatch, now time.Time) taskUpdate {
	upd := taskUpdate{
		PartitionKey:  userID,
		RowKey:        id,
		Title:         p.Title,
		Description:   p.Description,
		Completed:     p.Completed,
		Order:         p.Order,
		UpdatedAt:     now.UTC(),
		UpdatedAtType: edmDateTime,
	}
	if p.Category != nil {
		c := string(*p.Category)
		upd.Category = &c
	}
	if p.Priority != nil {
		pr := string(*p.Priority)
		upd.Priority = &pr
	}
	if p.DueDate != nil {
		d := p.DueDate.UTC()
		upd.DueDate = &d
		upd.DueDateType = edmDateTime
	}
	if p.Reminder != nil {
		r := p.Reminder.UTC()
		upd.Reminder = &r
		upd.ReminderType = edmDateTime
	}
	return upd
}

// odataQuote escapes a string literal for an OData filter.
func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func mapTableErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isStatus(err, http.StatusNotFound):
		return ErrNotFound
	case isStatus(err, http.StatusConflict), isStatus(err, http.StatusPreconditionFailed):
		return ErrConflict
	}
	return err
}

func (s *Tables) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if err := s.Provision(ctx); err != nil {
		return nil, err
	}
	filter := "PartitionKey eq " + odataQuote(userID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func (s *Tables) getTask(ctx context.Context, userID, id string) (domain.Task, azcore.ETag, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.Task{}, "", err
	}
	resp, err := s.taskTable.GetEntity(ctx, userID, id, nil)
	if err != nil {
		return domain.Task{}, "", mapTableErr(err)
	}
	t, err := decodeTaskEntity(resp.Value)
	return t, resp.ETag, err
}

func (s *Tables) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	t, _, err := s.getTask(ctx, userID, id)
	return t, err
}

func (s *Tables) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.Task{}, err
	}
	now := s.now()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	payload, err := json.Marshal(encodeTask(t))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, mapTableErr(err)
	}
	return t, nil
}

// UpdateTask merges p into the stored entity. The write is conditional on
// the ETag that was read, so a concurrent writer yields ErrConflict.
func (s *Tables) UpdateTask(ctx context.Context, userID, id string, p domain.TaskPatch) (domain.Task, error) {
	t, etag, err := s.getTask(ctx, userID, id)
	if err != nil {
		return domain.Task{}, err
	}
	return s.merge(ctx, t, etag, p)
}

func (s *Tables) ToggleTask(ctx context.Context, userID, id string) (domain.Task, error) {
	t, etag, err := s.getTask(ctx, userID, id)
	if err != nil {
		return domain.Task{}, err
	}
	done := !t.Completed
	return s.merge(ctx, t, etag, domain.TaskPatch{Completed: &done})
}

func (s *Tables) merge(ctx context.Context, t domain.Task, etag azcore.ETag, p domain.TaskPatch) (domain.Task, error) {
	now := s.now()
	payload, mode, err := taskUpdatePayload(t, p, now)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: mode})
	if err != nil {
		return domain.Task{}, mapTableErr(err)
	}
	p.Apply(&t)
	t.UpdatedAt = now
	return t, nil
}

// taskUpdatePayload encodes p against the stored task t. A merge cannot drop
// a property, so clearing the reminder rewrites the whole entity instead.
func taskUpdatePayload(t domain.Task, p domain.TaskPatch, now time.Time) ([]byte, aztables.UpdateMode, error) {
	if p.ClearReminder {
		p.Apply(&t)
		t.UpdatedAt = now
		payload, err := json.Marshal(encodeTask(t))
		return payload, aztables.UpdateModeReplace, err
	}
	payload, err := json.Marshal(newTaskUpdate(t.UserID, t.ID, p, now))
	return payload, aztables.UpdateModeMerge, err
}

func (s *Tables) DeleteTask(ctx context.Context, userID, id string) error {
	if err := s.Provision(ctx); err != nil {
		return err
	}
	_, err := s.taskTable.DeleteEntity(ctx, userID, id, nil)
	return mapTableErr(err)
}

type userEntity struct {
	PartitionKey  string     `json:"PartitionKey"`
	RowKey        string     `json:"RowKey"`
	Name          string     `json:"Name"`
	Email         string     `json:"Email"`
	PasswordHash  string     `json:"PasswordHash"`
	LoginAttempts int        `json:"LoginAttempts"`
	LockUntil     *time.Time `json:"LockUntil,omitempty"`
	LockUntilType string     `json:"LockUntil@odata.type,omitempty"`
	LastLogin     *time.Time `json:"LastLogin,omitempty"`
	LastLoginType string     `json:"LastLogin@odata.type,omitempty"`
	CreatedAt     time.Time  `json:"CreatedAt"`
	CreatedAtType string     `json:"CreatedAt@odata.type,omitempty"`
}

// emailEntity reserves an address and points at the owning user row.
type emailEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	UserID       string `json:"UserID"`
}

func decodeUserEntity(data []byte) (domain.User, error) {
	var ent userEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{
		ID:            ent.RowKey,
		Name:          ent.Name,
		Email:         ent.Email,
		PasswordHash:  ent.PasswordHash,
		LoginAttempts: ent.LoginAttempts,
		LockUntil:     ent.LockUntil,
		LastLogin:     ent.LastLogin,
		CreatedAt:     ent.CreatedAt,
	}, nil
}

// CreateUser reserves the email row first; a 409 on that insert means the
// address is registered already.
func (s *Tables) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.User{}, err
	}
	u.ID = uuid.NewString()
	u.Email = domain.NormalizeEmail(u.Email)
	u.CreatedAt = s.now()

	idx, err := json.Marshal(emailEntity{PartitionKey: emailPartition, RowKey: u.Email, UserID: u.ID})
	if err != nil {
		return domain.User{}, err
	}
	if _, err := s.userTable.AddEntity(ctx, idx, nil); err != nil {
		return domain.User{}, mapTableErr(err)
	}
	payload, err := json.Marshal(userEntity{
		PartitionKey:  userPartition,
		RowKey:        u.ID,
		Name:          u.Name,
		Email:         u.Email,
		PasswordHash:  u.PasswordHash,
		CreatedAt:     u.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
	})
	if err != nil {
		return domain.User{}, err
	}
	if _, err := s.userTable.AddEntity(ctx, payload, nil); err != nil {
		if _, derr := s.userTable.DeleteEntity(ctx, emailPartition, u.Email, nil); derr != nil {
			log.WithError(derr).WithField("email", u.Email).Warn("failed to release email reservation")
		}
		return domain.User{}, mapTableErr(err)
	}
	return u, nil
}

func (s *Tables) GetUser(ctx context.Context, id string) (domain.User, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.User{}, err
	}
	resp, err := s.userTable.GetEntity(ctx, userPartition, id, nil)
	if err != nil {
		return domain.User{}, mapTableErr(err)
	}
	return decodeUserEntity(resp.Value)
}

func (s *Tables) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.User{}, err
	}
	resp, err := s.userTable.GetEntity(ctx, emailPartition, domain.NormalizeEmail(email), nil)
	if err != nil {
		return domain.User{}, mapTableErr(err)
	}
	var idx emailEntity
	if err := json.Unmarshal(resp.Value, &idx); err != nil {
		return domain.User{}, err
	}
	return s.GetUser(ctx, idx.UserID)
}

func (s *Tables) RecordLogin(ctx context.Context, id string, attempts int, lockUntil, lastLogin *time.Time) error {
	if err := s.Provision(ctx); err != nil {
		return err
	}
	upd := map[string]any{
		"PartitionKey":  userPartition,
		"RowKey":        id,
		"LoginAttempts": attempts,
	}
	if lockUntil != nil {
		upd["LockUntil"] = lockUntil.UTC()
		upd["LockUntil@odata.type"] = edmDateTime
	}
	if lastLogin != nil {
		upd["LastLogin"] = lastLogin.UTC()
		upd["LastLogin@odata.type"] = edmDateTime
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.userTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return mapTableErr(err)
}
