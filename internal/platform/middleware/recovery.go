package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				logger.Error().
					Str("request_id", GetRequestID(c)).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Str("panic", fmt.Sprint(r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
