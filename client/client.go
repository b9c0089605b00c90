// Package client is a typed HTTP client for the task API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskmaster/domain"
	"taskmaster/view"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, msg)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client wraps http.Client with helpers for JSON requests.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}

// ListTasks returns every task of the authenticated user, newest first.
func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var resp struct {
		Tasks []domain.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Tasks == nil {
		resp.Tasks = []domain.Task{}
	}
	return resp.Tasks, nil
}

// ViewQuery carries raw filter selectors; empty fields are omitted. TZ is an
// IANA zone name that decides which day counts as today.
type ViewQuery struct {
	Search   string
	Category string
	Status   string
	Priority string
	Due      string
	TZ       string
}

func (q ViewQuery) encode() string {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("search", q.Search)
	set("category", q.Category)
	set("status", q.Status)
	set("priority", q.Priority)
	set("due", q.Due)
	set("tz", q.TZ)
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// View asks the server to filter and summarize.
func (c *Client) View(ctx context.Context, q ViewQuery) (view.Result, error) {
	var res view.Result
	err := c.do(ctx, http.MethodGet, "/api/tasks/view"+q.encode(), nil, nil, &res)
	return res, err
}

func (c *Client) Stats(ctx context.Context) (view.Stats, error) {
	var st view.Stats
	err := c.do(ctx, http.MethodGet, "/api/tasks/stats", nil, nil, &st)
	return st, err
}

// CreateTask creates a task under a fresh idempotency key, so repeating the
// call creates another task. Retries should go through CreateTaskWithKey.
func (c *Client) CreateTask(ctx context.Context, d domain.TaskDraft) (domain.Task, error) {
	return c.CreateTaskWithKey(ctx, d, uuid.NewString())
}

// CreateTaskWithKey creates a task; repeating the call with the same key
// returns the task created first.
func (c *Client) CreateTaskWithKey(ctx context.Context, d domain.TaskDraft, key string) (domain.Task, error) {
	h := http.Header{}
	if key != "" {
		h.Set("Idempotency-Key", key)
	}
	var t domain.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", h, d, &t)
	return t, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), nil, p, &t)
	return t, err
}

// ToggleTask inverts completion on the server.
func (c *Client) ToggleTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/toggle", nil, nil, &t)
	return t, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) Signup(ctx context.Context, s domain.Signup) (domain.User, error) {
	var u domain.User
	err := c.do(ctx, http.MethodPost, "/api/users/signup", nil, s, &u)
	return u, err
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, body, &resp); err != nil {
		return "", err
	}
	c.Bearer = resp.Token
	return resp.Token, nil
}

// Watch follows the server-sent task stream and calls fn with every
// snapshot until ctx is done, the stream ends, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(view.Result) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tasks/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	// The stream outlives any client-wide timeout.
	hc := *c.HTTP
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var res view.Result
		if err := sonic.UnmarshalString(strings.TrimPrefix(line, "data: "), &res); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if err := fn(res); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}
