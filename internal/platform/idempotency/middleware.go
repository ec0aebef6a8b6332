package idempotency

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
	maxKeyLength   = 255
)

// Middleware deduplicates requests carrying an Idempotency-Key header.
// scope namespaces the key per caller so two users cannot collide. Only
// 2xx responses are remembered; any other outcome releases the key.
func Middleware(store Store, scope func(c echo.Context) string, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(HeaderKey)
			if raw == "" {
				return next(c)
			}
			if len(raw) > maxKeyLength {
				return echo.NewHTTPError(http.StatusBadRequest, "Idempotency-Key is too long")
			}

			key := scope(c) + ":" + c.Request().Method + ":" + c.Path() + ":" + raw
			ctx := c.Request().Context()

			rec, err := store.Begin(ctx, key)
			switch {
			case errors.Is(err, ErrInFlight):
				return echo.NewHTTPError(http.StatusConflict, "a request with this Idempotency-Key is in progress")
			case err != nil:
				logger.Warn().Err(err).Msg("idempotency store unavailable, processing request without it")
				return next(c)
			case rec != nil:
				c.Response().Header().Set(HeaderReplayed, "true")
				return c.Blob(rec.Status, rec.ContentType, rec.Body)
			}

			res := c.Response()
			tee := &teeWriter{ResponseWriter: res.Writer}
			res.Writer = tee
			herr := next(c)
			res.Writer = tee.ResponseWriter

			if herr == nil && res.Status >= 200 && res.Status < 300 {
				err = store.Complete(ctx, key, Record{
					Status:      res.Status,
					ContentType: res.Header().Get(echo.HeaderContentType),
					Body:        tee.buf.Bytes(),
					StoredAt:    time.Now().UTC(),
				})
			} else {
				err = store.Release(ctx, key)
			}
			if err != nil {
				logger.Warn().Err(err).Str("idempotency_key", raw).Msg("failed to settle idempotency key")
			}
			return herr
		}
	}
}

// teeWriter copies the response body while writing it through.
type teeWriter struct {
	http.ResponseWriter
	buf bytes.Buffer
}

func (w *teeWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
