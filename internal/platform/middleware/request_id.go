package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	maxRequestIDLen = 128
)

// RequestID propagates the caller's X-Request-ID or generates one. The id is
// stored on the echo context under "request_id" and echoed in the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > maxRequestIDLen {
				rid = uuid.NewString()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// GetRequestID returns the request id set by RequestID, or "".
func GetRequestID(c echo.Context) string {
	rid, _ := c.Get(requestIDKey).(string)
	return rid
}
