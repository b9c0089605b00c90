package api

import (
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// RequestLogger emits one structured entry per request. It expects the
// request id middleware to run first.
func RequestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			fields := log.Fields{
				"method":      req.Method,
				"path":        c.Path(),
				"uri":         loggableURI(req.URL),
				"status":      res.Status,
				"duration_ms": durationToMillis(time.Since(start)),
				"request_id":  res.Header().Get(echo.HeaderXRequestID),
			}
			entry := logger.WithFields(fields)
			switch {
			case res.Status >= 500:
				entry.Error("request")
			case res.Status >= 400:
				entry.Warn("request")
			default:
				entry.Debug("request")
			}
			return nil
		}
	}
}

// loggableURI renders u with credential query parameters masked.
func loggableURI(u *url.URL) string {
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		return u.Path + "?" + q.Encode()
	}
	return u.RequestURI()
}
