package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit rejects request bodies larger than limit with 413. limit is a
// size string such as "64K" or "1M"; a bare number is bytes.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return tooLarge(maxBytes)
			}
			// Content-Length may be absent or wrong
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: maxBytes, limit: maxBytes}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, tooLarge(r.limit)
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, tooLarge(r.limit)
	}
	return n, err
}

func tooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}

// parseLimit parses "512K", "1M", "1G" (optionally with a B suffix) into
// bytes. Empty or malformed input yields 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
