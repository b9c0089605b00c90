package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"taskmaster/domain"
	"taskmaster/storage"
)

const (
	passwordCost     = 12
	maxLoginAttempts = 5
	lockDuration     = 15 * time.Minute
)

const msgInvalidCredentials = "Invalid email or password"

type accounts struct {
	users  Users
	issuer TokenIssuer
	logger *log.Logger
	now    func() time.Time
	cost   int
}

func newAccounts(users Users, issuer TokenIssuer, logger *log.Logger) *accounts {
	return &accounts{users: users, issuer: issuer, logger: logger, now: time.Now, cost: passwordCost}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      domain.User `json:"user"`
}

func (a *accounts) signup(c echo.Context) error {
	var req domain.Signup
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if err := req.Normalize(); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return c.String(http.StatusBadRequest, ve.Msg)
		}
		return c.String(http.StatusBadRequest, err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return c.String(http.StatusBadRequest, "Password is too long")
		}
		a.logger.WithError(err).Error("hash password")
		return c.String(http.StatusInternalServerError, "internal error")
	}

	user, err := a.users.CreateUser(c.Request().Context(), domain.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
	})
	if errors.Is(err, storage.ErrConflict) {
		return c.String(http.StatusBadRequest, "User already exists with this email")
	}
	if err != nil {
		a.logger.WithError(err).Error("create user")
		return c.String(http.StatusInternalServerError, "internal error")
	}
	a.logger.WithField("user", user.ID).Info("user registered")
	return c.JSON(http.StatusCreated, user)
}

// login checks the password and issues a token. Five consecutive failures
// lock the account for lockDuration.
func (a *accounts) login(c echo.Context) error {
	var req loginRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	email := domain.NormalizeEmail(req.Email)
	if email == "" || strings.TrimSpace(req.Password) == "" {
		return c.String(http.StatusBadRequest, "Email and password are required")
	}

	ctx := c.Request().Context()
	user, err := a.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		authFailures.Inc()
		return c.String(http.StatusUnauthorized, msgInvalidCredentials)
	}
	if err != nil {
		a.logger.WithError(err).Error("load user")
		return c.String(http.StatusInternalServerError, "internal error")
	}

	now := a.now()
	if user.Locked(now) {
		authFailures.Inc()
		return c.String(http.StatusUnauthorized, "Account is temporarily locked, try again later")
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		authFailures.Inc()
		attempts := user.LoginAttempts + 1
		var lock *time.Time
		if attempts >= maxLoginAttempts {
			until := now.Add(lockDuration)
			lock = &until
			attempts = 0
			a.logger.WithField("user", user.ID).Warn("account locked after repeated login failures")
		}
		if err := a.users.RecordLogin(ctx, user.ID, attempts, lock, nil); err != nil {
			a.logger.WithError(err).Warn("record failed login")
		}
		return c.String(http.StatusUnauthorized, msgInvalidCredentials)
	}

	if err := a.users.RecordLogin(ctx, user.ID, 0, nil, &now); err != nil {
		a.logger.WithError(err).Warn("record login")
	}
	user.LastLogin = &now

	token, exp, err := a.issuer.IssueToken(user.ID)
	if err != nil {
		a.logger.WithError(err).Error("issue token")
		return c.String(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: exp, User: user})
}
