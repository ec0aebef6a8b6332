package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healconnect/healconnect/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if GetRequestID(c) == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := GetRequestID(c); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	_ = RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(func(c echo.Context) error { return nil })(c)

	if got := rec.Header().Get(RequestIDHeader); len(got) > maxRequestIDLen {
		t.Errorf("oversized request id was propagated (%d bytes)", len(got))
	}
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/slots", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "pat-1", []string{"patient"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-1")

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d", len(lines))
	}
	l := lines[0]
	if l["level"] != "info" || l["request_id"] != "req-1" || l["user_id"] != "pat-1" || l["status"] != float64(200) {
		t.Errorf("unexpected log line: %v", l)
	}
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"client error", echo.NewHTTPError(http.StatusConflict, "full"), "warn"},
		{"server error", echo.NewHTTPError(http.StatusServiceUnavailable, "down"), "error"},
		{"plain error", errTest, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())

			_ = Logger(zerolog.New(&buf))(func(echo.Context) error { return tt.err })(c)

			lines := logLines(t, &buf)
			if len(lines) != 1 || lines[0]["level"] != tt.want {
				t.Errorf("log = %v, want level %s", lines, tt.want)
			}
		})
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "boom" }

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(zerolog.New(&buf))(handler)(c)

	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Errorf("panic value not logged: %s", buf.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Recovery(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
