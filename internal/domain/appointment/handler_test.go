package appointment

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/healconnect/healconnect/internal/platform/auth"
	"github.com/healconnect/healconnect/pkg/pagination"
)

const bookBody = `{"date":"2026-10-16","timeSlot":"09:00 AM","type":"General Checkup","reason":"Fever"}`

func newTestServer() (*Handler, *echo.Echo) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	h.RegisterRoutes(api)
	return h, e
}

func do(e *echo.Echo, method, path, user, role, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Dev-User", user)
	req.Header.Set("X-Dev-Role", role)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandler_ListSlots(t *testing.T) {
	_, e := newTestServer()
	rec := do(e, http.MethodGet, "/api/v1/slots", "pat-1", "patient", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[SlotsResponse](t, rec)
	if len(got.Slots) != 15 || got.CapacityPerSlot != 5 {
		t.Errorf("unexpected calendar: %+v", got)
	}
}

func TestHandler_BookAppointment(t *testing.T) {
	_, e := newTestServer()
	rec := do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient", bookBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	a := decode[Appointment](t, rec)
	if a.Status != StatusPending || a.SlotNumber != 1 || a.PatientID != "pat-1" {
		t.Errorf("unexpected appointment: %+v", a)
	}
}

func TestHandler_BookAppointment_Validation(t *testing.T) {
	_, e := newTestServer()
	rec := do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient",
		`{"date":"2026-10-15","timeSlot":"09:00 AM","type":"Checkup","reason":"Fever"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[validationBody](t, rec)
	if body.Field != "date" {
		t.Errorf("field = %q, want date", body.Field)
	}
}

func TestHandler_BookAppointment_DoctorForbidden(t *testing.T) {
	_, e := newTestServer()
	rec := do(e, http.MethodPost, "/api/v1/appointments", "dr-1", "doctor", bookBody)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandler_BookAppointment_CapacityAlternatives(t *testing.T) {
	_, e := newTestServer()
	for i := 0; i < CapacityPerSlot; i++ {
		if rec := do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient", bookBody); rec.Code != http.StatusCreated {
			t.Fatalf("booking %d status = %d", i+1, rec.Code)
		}
	}
	rec := do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient", bookBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := decode[capacityBody](t, rec)
	if len(body.Alternatives) != 14 || body.Alternatives[0] != "09:30 AM" {
		t.Errorf("alternatives = %v", body.Alternatives)
	}
}

func TestHandler_GetAvailability(t *testing.T) {
	_, e := newTestServer()
	do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient", bookBody)

	rec := do(e, http.MethodGet, "/api/v1/availability?date=2026-10-16", "dr-1", "doctor", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	day := decode[DayAvailability](t, rec)
	if day.Remaining("09:00 AM") != 4 || len(day.Slots) != 15 {
		t.Errorf("unexpected availability: %+v", day)
	}
	bySlot := decode[struct {
		RemainingBySlot map[string]int `json:"remainingBySlot"`
	}](t, rec).RemainingBySlot
	if len(bySlot) != 15 || bySlot["09:00 AM"] != 4 || bySlot["06:00 PM"] != 5 {
		t.Errorf("remainingBySlot = %v", bySlot)
	}

	rec = do(e, http.MethodGet, "/api/v1/availability?date=2026-10-16&timeSlot=09:00%20AM", "pat-1", "patient", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("single slot status = %d", rec.Code)
	}
	if slot := decode[SlotAvailability](t, rec); slot.Remaining != 4 {
		t.Errorf("remaining = %d, want 4", slot.Remaining)
	}

	if rec := do(e, http.MethodGet, "/api/v1/availability", "pat-1", "patient", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing date status = %d, want 400", rec.Code)
	}
}

func TestHandler_StatusFlow(t *testing.T) {
	_, e := newTestServer()
	a := decode[Appointment](t, do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient", bookBody))
	base := "/api/v1/appointments/" + a.ID.String()

	tests := []struct {
		name       string
		path       string
		user, role string
		body       string
		want       int
	}{
		{"patient cannot approve", base + "/status", "pat-1", "patient", `{"status":"approved"}`, http.StatusForbidden},
		{"unknown status", base + "/status", "dr-1", "doctor", `{"status":"archived"}`, http.StatusBadRequest},
		{"doctor approves", base + "/status", "dr-1", "doctor", `{"status":"approved"}`, http.StatusOK},
		{"approve twice", base + "/status", "dr-1", "doctor", `{"status":"approved"}`, http.StatusConflict},
		{"cancel without reason", base + "/cancel", "pat-1", "patient", `{}`, http.StatusBadRequest},
		{"other patient cancels", base + "/cancel", "pat-2", "patient", `{"reason":"x"}`, http.StatusForbidden},
		{"owner cancels", base + "/cancel", "pat-1", "patient", `{"reason":"feeling better"}`, http.StatusOK},
		{"terminal", base + "/status", "dr-1", "doctor", `{"status":"completed"}`, http.StatusConflict},
		{"missing", "/api/v1/appointments/00000000-0000-0000-0000-000000000001/status", "dr-1", "doctor", `{"status":"approved"}`, http.StatusNotFound},
		{"bad id", "/api/v1/appointments/not-a-uuid/status", "dr-1", "doctor", `{"status":"approved"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(e, http.MethodPost, tt.path, tt.user, tt.role, tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body.String())
		}
	}

	got := decode[Appointment](t, do(e, http.MethodGet, base, "dr-1", "doctor", ""))
	if got.Status != StatusCancelled || got.CancelReason == nil || *got.CancelReason != "feeling better" {
		t.Errorf("final record = %+v", got)
	}
}

func TestHandler_GetAppointment_PatientScope(t *testing.T) {
	_, e := newTestServer()
	a := decode[Appointment](t, do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient", bookBody))

	if rec := do(e, http.MethodGet, "/api/v1/appointments/"+a.ID.String(), "pat-2", "patient", ""); rec.Code != http.StatusNotFound {
		t.Errorf("other patient status = %d, want 404", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/appointments/"+a.ID.String(), "pat-1", "patient", ""); rec.Code != http.StatusOK {
		t.Errorf("owner status = %d, want 200", rec.Code)
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	_, e := newTestServer()
	do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient", bookBody)
	do(e, http.MethodPost, "/api/v1/appointments", "pat-2", "patient", bookBody)
	do(e, http.MethodPost, "/api/v1/appointments", "pat-2", "patient", bookBody)

	rec := do(e, http.MethodGet, "/api/v1/appointments?date=2026-10-16&limit=2", "dr-1", "doctor", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	page := decode[pagination.Response](t, rec)
	if page.Total != 3 || !page.HasMore || len(page.Data.([]interface{})) != 2 {
		t.Errorf("doctor page = %+v", page)
	}

	page = decode[pagination.Response](t, do(e, http.MethodGet, "/api/v1/appointments", "pat-1", "patient", ""))
	if page.Total != 1 {
		t.Errorf("patient total = %d, want 1", page.Total)
	}

	if rec := do(e, http.MethodGet, "/api/v1/appointments?status=archived", "dr-1", "doctor", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", rec.Code)
	}
}

func TestHandler_DaySheet(t *testing.T) {
	_, e := newTestServer()
	do(e, http.MethodPost, "/api/v1/appointments", "pat-1", "patient", bookBody)

	if rec := do(e, http.MethodGet, "/api/v1/appointments/day/2026-10-16", "pat-1", "patient", ""); rec.Code != http.StatusForbidden {
		t.Errorf("patient status = %d, want 403", rec.Code)
	}
	rec := do(e, http.MethodGet, "/api/v1/appointments/day/2026-10-16", "dr-1", "doctor", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	sheet := decode[DaySheet](t, rec)
	if len(sheet.Slots[0].Appointments) != 1 {
		t.Errorf("09:00 AM appointments = %d, want 1", len(sheet.Slots[0].Appointments))
	}
}

func TestHandler_MapError_Internal(t *testing.T) {
	h, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := h.mapError(req.Context(), errors.New("connection reset"))
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500", err)
	}
	if he.Message != "internal error" {
		t.Errorf("message leaks details: %v", he.Message)
	}
}
