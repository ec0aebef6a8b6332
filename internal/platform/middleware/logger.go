package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healconnect/healconnect/internal/platform/auth"
)

// Logger writes one structured line per request. Server errors log at
// error level, client errors at warn.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			default:
				evt = logger.Info()
			}

			evt.
				Str("request_id", GetRequestID(c)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Str("user_id", auth.UserIDFromContext(req.Context())).
				Msg("request")

			return err
		}
	}
}
