package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskmaster/domain"
	"taskmaster/view"
)

// HeaderIdempotencyKey makes task creation safe to retry.
const HeaderIdempotencyKey = "Idempotency-Key"

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func getTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newTaskRequestMetrics(c.Request().Context(), logger, "/api/tasks")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return unauthorized(c, authErr)
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.ListTasks(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			return writeError(c, logger, "list", fetchErr)
		}
		metrics.SetTasks(len(tasks), len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func specFromQuery(c echo.Context) (view.Spec, error) {
	return view.ParseSpec(
		c.QueryParam("search"),
		c.QueryParam("category"),
		c.QueryParam("status"),
		c.QueryParam("priority"),
		c.QueryParam("due"),
	)
}

// engineFor applies the optional tz query parameter (an IANA zone name) to
// engine. Without it the server's local zone is used.
func engineFor(c echo.Context, engine view.Engine) (view.Engine, error) {
	name := c.QueryParam("tz")
	if name == "" {
		return engine, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return engine, fmt.Errorf("invalid tz %q", name)
	}
	return engine.In(loc), nil
}

func getTaskView(store Storage, auth Authenticator, engine view.Engine, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newTaskRequestMetrics(c.Request().Context(), logger, "/api/tasks/view")
		c.SetRequest(c.Request().WithContext(ctx))
		metrics.SetFiltered(true)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return unauthorized(c, authErr)
		}
		spec, specErr := specFromQuery(c)
		if specErr != nil {
			metrics.SetErrorStage("invalid_filter")
			return c.String(http.StatusBadRequest, specErr.Error())
		}
		zoned, tzErr := engineFor(c, engine)
		if tzErr != nil {
			metrics.SetErrorStage("invalid_filter")
			return c.String(http.StatusBadRequest, tzErr.Error())
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.ListTasks(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			return writeError(c, logger, "view", fetchErr)
		}
		res := zoned.Render(tasks, spec)
		metrics.SetTasks(len(tasks), len(res.Tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, res)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getTaskStats(store Storage, auth Authenticator, engine view.Engine, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return unauthorized(c, err)
		}
		zoned, err := engineFor(c, engine)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		tasks, err := store.ListTasks(c.Request().Context(), userID)
		if err != nil {
			return writeError(c, logger, "stats", err)
		}
		return c.JSON(http.StatusOK, zoned.Stats(tasks))
	}
}

func createTask(store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return unauthorized(c, err)
		}

		var draft domain.TaskDraft
		if err := decodeBody(c, &draft); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		task, err := domain.NewTask(userID, draft)
		if err != nil {
			return writeError(c, logger, "create", err)
		}

		key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
		if key != "" && deduper != nil {
			first, err := deduper.Reserve(ctx, userID, key)
			switch {
			case err != nil:
				logger.WithError(err).Warn("idempotency reserve failed; creating without dedupe")
				key = ""
			case !first:
				return replayCreate(ctx, c, store, deduper, logger, userID, key)
			}
		} else {
			key = ""
		}

		created, err := store.CreateTask(ctx, task)
		recordMutation("create", err)
		if err != nil {
			if key != "" {
				if rerr := deduper.Remove(ctx, userID, key); rerr != nil {
					logger.WithError(rerr).Warn("idempotency release failed")
				}
			}
			return writeError(c, logger, "create", err)
		}
		if key != "" {
			if err := deduper.Complete(ctx, userID, key, created.ID); err != nil {
				logger.WithError(err).Warn("idempotency complete failed")
			}
		}
		return c.JSON(http.StatusCreated, created)
	}
}

// replayCreate answers a repeated Idempotency-Key with the task the first
// request created.
func replayCreate(ctx context.Context, c echo.Context, store Storage, deduper Deduper, logger *log.Logger, userID, key string) error {
	id, err := deduper.Lookup(ctx, userID, key)
	if err != nil {
		return writeError(c, logger, "create", err)
	}
	if id == "" {
		return c.String(http.StatusConflict, "request with this idempotency key is in progress")
	}
	task, err := store.GetTask(ctx, userID, id)
	if err != nil {
		return writeError(c, logger, "create", err)
	}
	return c.JSON(http.StatusOK, task)
}

func updateTask(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return unauthorized(c, err)
		}

		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := patch.Normalize(); err != nil {
			return writeError(c, logger, "update", err)
		}
		if patch.Empty() {
			return c.String(http.StatusBadRequest, "no fields to update")
		}

		task, err := store.UpdateTask(c.Request().Context(), userID, c.Param("id"), patch)
		recordMutation("update", err)
		if err != nil {
			return writeError(c, logger, "update", err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func toggleTask(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return unauthorized(c, err)
		}
		task, err := store.ToggleTask(c.Request().Context(), userID, c.Param("id"))
		recordMutation("toggle", err)
		if err != nil {
			return writeError(c, logger, "toggle", err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return unauthorized(c, err)
		}
		err = store.DeleteTask(c.Request().Context(), userID, c.Param("id"))
		recordMutation("delete", err)
		if err != nil {
			return writeError(c, logger, "delete", err)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Task deleted successfully"})
	}
}
