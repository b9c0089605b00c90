package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskmaster/domain"
	"taskmaster/storage"
	"taskmaster/view"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   []domain.Task
	err     error
	creates int
}

func (f *fakeStore) find(userID, id string) int {
	for i, t := range f.tasks {
		if t.ID == id && t.UserID == userID {
			return i
		}
	}
	return -1
}

func (f *fakeStore) ListTasks(_ context.Context, userID string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := []domain.Task{}
	for _, t := range f.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTask(_ context.Context, userID, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.find(userID, id); i >= 0 {
		return f.tasks[i], nil
	}
	return domain.Task{}, storage.ErrNotFound
}

func (f *fakeStore) CreateTask(_ context.Context, t domain.Task) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Task{}, f.err
	}
	f.creates++
	t.ID = "task-" + string(rune('a'+f.creates-1))
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	f.tasks = append([]domain.Task{t}, f.tasks...)
	return t, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, userID, id string, p domain.TaskPatch) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(userID, id)
	if i < 0 {
		return domain.Task{}, storage.ErrNotFound
	}
	p.Apply(&f.tasks[i])
	return f.tasks[i], nil
}

func (f *fakeStore) ToggleTask(_ context.Context, userID, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(userID, id)
	if i < 0 {
		return domain.Task{}, storage.ErrNotFound
	}
	f.tasks[i].Completed = !f.tasks[i].Completed
	return f.tasks[i], nil
}

func (f *fakeStore) DeleteTask(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(userID, id)
	if i < 0 {
		return storage.ErrNotFound
	}
	f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
	return nil
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	return "user", nil
}

var fixedNow = time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)

func seededStore() *fakeStore {
	return &fakeStore{tasks: []domain.Task{
		{ID: "1", UserID: "user", Title: "Report Q1", Category: domain.CategoryWork, Priority: domain.PriorityHigh, DueDate: fixedNow.AddDate(0, 0, -1)},
		{ID: "2", UserID: "user", Title: "Milk", Category: domain.CategoryShopping, Priority: domain.PriorityLow, DueDate: fixedNow},
		{ID: "3", UserID: "user", Title: "Done", Completed: true, Category: domain.CategoryWork, Priority: domain.PriorityMedium, DueDate: fixedNow.AddDate(0, 0, -3)},
		{ID: "4", UserID: "someone-else", Title: "Secret", Category: domain.CategoryPersonal, Priority: domain.PriorityMedium, DueDate: fixedNow},
	}}
}

func newRequest(method, target, body string) (*http.Request, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	return req, httptest.NewRecorder()
}

func TestGetTasksReturnsOnlyOwnerTasks(t *testing.T) {
	e := echo.New()
	store := seededStore()
	req, rec := newRequest(http.MethodGet, "/api/tasks", "")
	c := e.NewContext(req, rec)

	if err := getTasks(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(resp.Tasks))
	}
	for _, task := range resp.Tasks {
		if task.UserID != "user" {
			t.Fatalf("leaked task of another owner: %+v", task)
		}
	}
}

func TestGetTasksUnauthorized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getTasks(seededStore(), mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestGetTasksStorageError(t *testing.T) {
	e := echo.New()
	store := &fakeStore{err: errors.New("table unavailable")}
	req, rec := newRequest(http.MethodGet, "/api/tasks", "")
	c := e.NewContext(req, rec)

	if err := getTasks(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "table unavailable") {
		t.Fatalf("internal error detail leaked: %s", rec.Body.String())
	}
}

func TestGetTaskView(t *testing.T) {
	engine := view.Engine{Now: func() time.Time { return fixedNow }}
	tests := []struct {
		name    string
		query   string
		status  int
		wantIDs []string
	}{
		{name: "all", query: "", status: http.StatusOK, wantIDs: []string{"1", "2", "3"}},
		{name: "overdue", query: "?status=Overdue", status: http.StatusOK, wantIDs: []string{"1"}},
		{name: "work pending", query: "?category=Work&status=pending", status: http.StatusOK, wantIDs: []string{}},
		{name: "today", query: "?due=Today", status: http.StatusOK, wantIDs: []string{"2"}},
		{name: "search", query: "?search=report", status: http.StatusOK, wantIDs: []string{"1"}},
		{name: "bad status", query: "?status=Archived", status: http.StatusBadRequest},
		{name: "bad category", query: "?category=Hobby", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req, rec := newRequest(http.MethodGet, "/api/tasks/view"+tt.query, "")
			c := e.NewContext(req, rec)
			if err := getTaskView(seededStore(), mockAuth{}, engine, log.New())(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != tt.status {
				t.Fatalf("expected status %d got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var res view.Result
			if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			got := make([]string, 0, len(res.Tasks))
			for _, task := range res.Tasks {
				got = append(got, task.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.wantIDs, ",") {
				t.Fatalf("visible = %v, want %v", got, tt.wantIDs)
			}
			if res.Stats.Total != 3 || res.Stats.Overdue != 1 || res.Stats.Completed != 1 || res.Stats.DueToday != 1 {
				t.Fatalf("stats must cover the full collection: %+v", res.Stats)
			}
		})
	}
}

func TestGetTaskStats(t *testing.T) {
	e := echo.New()
	engine := view.Engine{Now: func() time.Time { return fixedNow }}
	req, rec := newRequest(http.MethodGet, "/api/tasks/stats", "")
	c := e.NewContext(req, rec)
	if err := getTaskStats(seededStore(), mockAuth{}, engine, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var st view.Stats
	if err := sonic.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(st.ByCategory) != 2 || st.ByCategory[0].Category != domain.CategoryWork || st.ByCategory[0].Count != 2 {
		t.Fatalf("unexpected category breakdown: %+v", st.ByCategory)
	}
}

func TestTaskStatsHonorTimeZone(t *testing.T) {
	engine := view.Engine{Now: func() time.Time { return fixedNow }}
	store := &fakeStore{tasks: []domain.Task{
		{ID: "late-evening", UserID: "user", Title: "a", Category: domain.CategoryWork, DueDate: time.Date(2025, 6, 16, 2, 0, 0, 0, time.UTC)},
		{ID: "early-morning", UserID: "user", Title: "b", Category: domain.CategoryWork, DueDate: time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)},
	}}
	tests := []struct {
		query    string
		status   int
		dueToday int
		overdue  int
	}{
		{"", http.StatusOK, 1, 0},
		{"?tz=UTC", http.StatusOK, 1, 0},
		{"?tz=America/Los_Angeles", http.StatusOK, 1, 1},
		{"?tz=Mars/Olympus", http.StatusBadRequest, 0, 0},
	}
	for _, tt := range tests {
		for _, target := range []string{"/api/tasks/stats", "/api/tasks/view"} {
			e := echo.New()
			req, rec := newRequest(http.MethodGet, target+tt.query, "")
			c := e.NewContext(req, rec)
			h := getTaskStats(store, mockAuth{}, engine, log.New())
			if target == "/api/tasks/view" {
				h = getTaskView(store, mockAuth{}, engine, log.New())
			}
			if err := h(c); err != nil {
				t.Fatalf("%s%s: handler returned error: %v", target, tt.query, err)
			}
			if rec.Code != tt.status {
				t.Fatalf("%s%s: expected %d got %d", target, tt.query, tt.status, rec.Code)
			}
			if tt.status != http.StatusOK {
				continue
			}
			var st view.Stats
			if target == "/api/tasks/view" {
				var res view.Result
				if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
					t.Fatalf("invalid json: %v", err)
				}
				st = res.Stats
			} else if err := sonic.Unmarshal(rec.Body.Bytes(), &st); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if st.DueToday != tt.dueToday || st.Overdue != tt.overdue {
				t.Fatalf("%s%s: dueToday=%d overdue=%d, want %d/%d", target, tt.query, st.DueToday, st.Overdue, tt.dueToday, tt.overdue)
			}
		}
	}
}

func TestCreateTaskStampsOwnerFromToken(t *testing.T) {
	e := echo.New()
	store := &fakeStore{}
	body := `{"title":"  Buy milk ","userId":"mallory","dueDate":"2025-06-20T12:00:00Z","category":"shopping"}`
	req, rec := newRequest(http.MethodPost, "/api/tasks", body)
	c := e.NewContext(req, rec)

	if err := createTask(store, mockAuth{}, nil, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var created domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if created.UserID != "user" {
		t.Fatalf("owner must come from the token, got %q", created.UserID)
	}
	if created.Title != "Buy milk" || created.Category != domain.CategoryShopping || created.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected task: %+v", created)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	cases := map[string]string{
		"missing title":    `{"dueDate":"2025-06-20T12:00:00Z"}`,
		"missing due date": `{"title":"x"}`,
		"long title":       `{"title":"` + strings.Repeat("a", 101) + `","dueDate":"2025-06-20T12:00:00Z"}`,
		"bad priority":     `{"title":"x","priority":"Urgent","dueDate":"2025-06-20T12:00:00Z"}`,
		"malformed":        `{"title":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			store := &fakeStore{}
			req, rec := newRequest(http.MethodPost, "/api/tasks", body)
			c := e.NewContext(req, rec)
			if err := createTask(store, mockAuth{}, nil, log.New())(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
			if store.creates != 0 {
				t.Fatalf("store must not be called on invalid input")
			}
		})
	}
}

func TestCreateTaskIdempotencyKeyReplaysOriginal(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	deduper := NewRedisDeduper(client, time.Hour)
	store := &fakeStore{}
	handler := createTask(store, mockAuth{}, deduper, log.New())
	body := `{"title":"Once","dueDate":"2025-06-20T12:00:00Z"}`

	var ids []string
	for i, want := range []int{http.StatusCreated, http.StatusOK} {
		e := echo.New()
		req, rec := newRequest(http.MethodPost, "/api/tasks", body)
		req.Header.Set(HeaderIdempotencyKey, "key-1")
		c := e.NewContext(req, rec)
		if err := handler(c); err != nil {
			t.Fatalf("call %d returned error: %v", i, err)
		}
		if rec.Code != want {
			t.Fatalf("call %d: expected status %d got %d", i, want, rec.Code)
		}
		var task domain.Task
		if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		ids = append(ids, task.ID)
	}
	if store.creates != 1 {
		t.Fatalf("expected a single create, got %d", store.creates)
	}
	if ids[0] != ids[1] {
		t.Fatalf("replay returned a different task: %v", ids)
	}
}

func TestCreateTaskReleasesKeyOnFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &fakeStore{err: errors.New("down")}
	e := echo.New()
	req, rec := newRequest(http.MethodPost, "/api/tasks", `{"title":"x","dueDate":"2025-06-20T12:00:00Z"}`)
	req.Header.Set(HeaderIdempotencyKey, "key-2")
	c := e.NewContext(req, rec)
	if err := createTask(store, mockAuth{}, NewRedisDeduper(client, time.Hour), log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("expected reservation to be released, keys=%v", mr.Keys())
	}
}

func TestUpdateToggleDelete(t *testing.T) {
	store := seededStore()
	run := func(h echo.HandlerFunc, method, target, id, body string) *httptest.ResponseRecorder {
		e := echo.New()
		req, rec := newRequest(method, target, body)
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(id)
		if err := h(c); err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		return rec
	}
	logger := log.New()

	rec := run(updateTask(store, mockAuth{}, logger), http.MethodPut, "/api/tasks/2", "2", `{"priority":"high","title":"Oat milk"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := store.GetTask(context.Background(), "user", "2"); got.Title != "Oat milk" || got.Priority != domain.PriorityHigh {
		t.Fatalf("update not applied: %+v", got)
	}

	rec = run(updateTask(store, mockAuth{}, logger), http.MethodPut, "/api/tasks/2", "2", `{"reminder":"2025-06-15T09:00:00Z"}`)
	if got, _ := store.GetTask(context.Background(), "user", "2"); rec.Code != http.StatusOK || got.Reminder == nil {
		t.Fatalf("set reminder: %d %+v", rec.Code, got.Reminder)
	}
	rec = run(updateTask(store, mockAuth{}, logger), http.MethodPut, "/api/tasks/2", "2", `{"reminder":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear reminder: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := store.GetTask(context.Background(), "user", "2"); got.Reminder != nil {
		t.Fatalf("reminder not cleared: %v", got.Reminder)
	}

	if rec := run(updateTask(store, mockAuth{}, logger), http.MethodPut, "/api/tasks/2", "2", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty update: expected 400 got %d", rec.Code)
	}
	if rec := run(updateTask(store, mockAuth{}, logger), http.MethodPut, "/api/tasks/4", "4", `{"title":"mine"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign update: expected 404 got %d", rec.Code)
	}

	rec = run(toggleTask(store, mockAuth{}, logger), http.MethodPost, "/api/tasks/2/toggle", "2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: expected 200 got %d", rec.Code)
	}
	if got, _ := store.GetTask(context.Background(), "user", "2"); !got.Completed {
		t.Fatalf("toggle not applied")
	}
	if rec := run(toggleTask(store, mockAuth{}, logger), http.MethodPost, "/api/tasks/4/toggle", "4", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign toggle: expected 404 got %d", rec.Code)
	}

	rec = run(deleteTask(store, mockAuth{}, logger), http.MethodDelete, "/api/tasks/2", "2", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Task deleted successfully") {
		t.Fatalf("delete: unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if rec := run(deleteTask(store, mockAuth{}, logger), http.MethodDelete, "/api/tasks/2", "2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404 got %d", rec.Code)
	}
	if rec := run(deleteTask(store, mockAuth{}, logger), http.MethodDelete, "/api/tasks/4", "4", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign delete: expected 404 got %d", rec.Code)
	}
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.ValidationError{Field: "title", Msg: "title is required"}, http.StatusBadRequest},
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := writeError(c, log.New(), "test", tt.err); err != nil {
			t.Fatalf("writeError: %v", err)
		}
		if rec.Code != tt.want {
			t.Fatalf("writeError(%v) = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestRegisterRoutes(t *testing.T) {
	e := echo.New()
	Register(e, seededStore(), mockAuth{}, nil, log.New())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200 got %d", rec.Code)
	}

	req, rec = newRequest(http.MethodPost, "/api/tasks/1/toggle", "")
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle route: expected 200 got %d", rec.Code)
	}
}
