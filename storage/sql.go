package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"taskmaster/domain"
)

// SQL stores tasks and users in SQLite or PostgreSQL.
type SQL struct {
	db     *sql.DB
	driver string
	now    func() time.Time
	init   provisioner
}

// OpenSQL opens a database handle. The schema is migrated on first use.
func OpenSQL(driver, dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, errors.New("storage: " + driver + " driver needs a DSN")
	}
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, errors.New("storage: unknown sql driver " + driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One connection keeps in-memory databases alive and serializes writers.
		db.SetMaxOpenConns(1)
	}
	return &SQL{db: db, driver: driver, now: time.Now}, nil
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) schema() []string {
	ts := "TIMESTAMP"
	if s.driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			due_date ` + ts + ` NOT NULL,
			reminder ` + ts + ` NULL,
			priority TEXT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			sort_order INTEGER NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_user_created ON tasks (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			login_attempts INTEGER NOT NULL DEFAULT 0,
			lock_until ` + ts + ` NULL,
			last_login ` + ts + ` NULL,
			created_at ` + ts + ` NOT NULL
		)`,
	}
}

// Provision migrates the schema. Every statement is idempotent.
func (s *SQL) Provision(ctx context.Context) error {
	return s.init.do(ctx, func(ctx context.Context) error {
		for _, stmt := range s.schema() {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		log.WithField("driver", s.driver).Debug("sql schema ready")
		return nil
	})
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func mapSQLErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case isUniqueViolation(err):
		return ErrConflict
	}
	return err
}

const taskColumns = `id, user_id, title, description, category, due_date, reminder, priority, completed, sort_order, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t        domain.Task
		category string
		priority string
		reminder sql.NullTime
		order    sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &category, &t.DueDate,
		&reminder, &priority, &t.Completed, &order, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Category = domain.Category(category)
	t.Priority = domain.Priority(priority)
	t.DueDate = t.DueDate.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if reminder.Valid {
		r := reminder.Time.UTC()
		t.Reminder = &r
	}
	if order.Valid {
		o := int(order.Int64)
		t.Order = &o
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func (s *SQL) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if err := s.Provision(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func (s *SQL) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.Task{}, err
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`), id, userID)
	t, err := scanTask(row)
	return t, mapSQLErr(err)
}

func (s *SQL) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.Task{}, err
	}
	now := s.now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.UserID, t.Title, t.Description, string(t.Category), t.DueDate.UTC(),
		nullTime(t.Reminder), string(t.Priority), t.Completed, nullInt(t.Order), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, mapSQLErr(err)
	}
	return t, nil
}

func (s *SQL) UpdateTask(ctx context.Context, userID, id string, p domain.TaskPatch) (domain.Task, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.Task{}, err
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Description != nil {
		set("description", *p.Description)
	}
	if p.Category != nil {
		set("category", string(*p.Category))
	}
	if p.DueDate != nil {
		set("due_date", p.DueDate.UTC())
	}
	if p.ClearReminder {
		set("reminder", nil)
	} else if p.Reminder != nil {
		set("reminder", p.Reminder.UTC())
	}
	if p.Priority != nil {
		set("priority", string(*p.Priority))
	}
	if p.Completed != nil {
		set("completed", *p.Completed)
	}
	if p.Order != nil {
		set("sort_order", int64(*p.Order))
	}
	set("updated_at", s.now().UTC())
	args = append(args, id, userID)

	row := s.db.QueryRowContext(ctx, s.rebind(
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ? RETURNING `+taskColumns), args...)
	t, err := scanTask(row)
	return t, mapSQLErr(err)
}

// ToggleTask inverts completion in a single statement, so concurrent
// toggles never lose an update.
func (s *SQL) ToggleTask(ctx context.Context, userID, id string) (domain.Task, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.Task{}, err
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`UPDATE tasks SET completed = NOT completed, updated_at = ? WHERE id = ? AND user_id = ? RETURNING `+taskColumns),
		s.now().UTC(), id, userID)
	t, err := scanTask(row)
	return t, mapSQLErr(err)
}

func (s *SQL) DeleteTask(ctx context.Context, userID, id string) error {
	if err := s.Provision(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `id, name, email, password_hash, login_attempts, lock_until, last_login, created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u         domain.User
		lockUntil sql.NullTime
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.LoginAttempts, &lockUntil, &lastLogin, &u.CreatedAt); err != nil {
		return domain.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	if lockUntil.Valid {
		l := lockUntil.Time.UTC()
		u.LockUntil = &l
	}
	if lastLogin.Valid {
		l := lastLogin.Time.UTC()
		u.LastLogin = &l
	}
	return u, nil
}

func (s *SQL) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.User{}, err
	}
	u.ID = uuid.NewString()
	u.Email = domain.NormalizeEmail(u.Email)
	u.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, name, email, password_hash, login_attempts, created_at) VALUES (?, ?, ?, ?, 0, ?)`),
		u.ID, u.Name, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return domain.User{}, mapSQLErr(err)
	}
	return u, nil
}

func (s *SQL) GetUser(ctx context.Context, id string) (domain.User, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.User{}, err
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
	return u, mapSQLErr(err)
}

func (s *SQL) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	if err := s.Provision(ctx); err != nil {
		return domain.User{}, err
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE email = ?`),
		domain.NormalizeEmail(email)))
	return u, mapSQLErr(err)
}

// RecordLogin stores the attempt counter. Nil timestamps are left as they are.
func (s *SQL) RecordLogin(ctx context.Context, id string, attempts int, lockUntil, lastLogin *time.Time) error {
	if err := s.Provision(ctx); err != nil {
		return err
	}
	sets := []string{"login_attempts = ?"}
	args := []any{attempts}
	if lockUntil != nil {
		sets = append(sets, "lock_until = ?")
		args = append(args, lockUntil.UTC())
	}
	if lastLogin != nil {
		sets = append(sets, "last_login = ?")
		args = append(args, lastLogin.UTC())
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
