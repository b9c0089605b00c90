package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskmaster/domain"
	"taskmaster/storage"
	"taskmaster/view"
)

const maxBodySize = 64 << 10

// Register wires up the task routes on the provided Echo instance. deduper
// may be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) {
	engine := view.NewEngine()
	e.GET("/api/tasks", getTasks(store, auth, logger))
	e.GET("/api/tasks/view", getTaskView(store, auth, engine, logger))
	e.GET("/api/tasks/stats", getTaskStats(store, auth, engine, logger))
	e.POST("/api/tasks", createTask(store, auth, deduper, logger))
	e.PUT("/api/tasks/:id", updateTask(store, auth, logger))
	e.POST("/api/tasks/:id/toggle", toggleTask(store, auth, logger))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth, logger))
	e.GET("/healthz", healthz())
}

// RegisterAccounts wires sign-up and, when issuer is set, login.
func RegisterAccounts(e *echo.Echo, users Users, issuer TokenIssuer, logger *log.Logger) {
	a := newAccounts(users, issuer, logger)
	e.POST("/api/users/signup", a.signup)
	if issuer != nil {
		e.POST("/api/auth/login", a.login)
	}
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func unauthorized(c echo.Context, err error) error {
	authFailures.Inc()
	return c.String(http.StatusUnauthorized, err.Error())
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	return sonic.ConfigStd.NewDecoder(lr).Decode(v)
}

// writeError maps domain and storage errors onto status codes. Unexpected
// errors are logged and reported without detail.
func writeError(c echo.Context, logger *log.Logger, op string, err error) error {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.String(http.StatusBadRequest, ve.Error())
	case errors.Is(err, storage.ErrNotFound):
		return c.String(http.StatusNotFound, "task not found")
	case errors.Is(err, storage.ErrConflict):
		return c.String(http.StatusConflict, "task was modified concurrently")
	}
	if logger != nil {
		logger.WithError(err).WithField("op", op).Error("request failed")
	}
	return c.String(http.StatusInternalServerError, "internal error")
}
