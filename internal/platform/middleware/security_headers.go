package middleware

import (
	"github.com/labstack/echo/v4"
)

// apiHeaders are sent on every response. The API only serves JSON and the
// websocket upgrade, so nothing may be framed, sniffed or cached.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets the API response headers before the handler runs, so
// error responses carry them too. hsts adds Strict-Transport-Security and is
// meant for deployments behind TLS.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}
