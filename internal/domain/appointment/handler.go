package appointment

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healconnect/healconnect/internal/platform/auth"
	"github.com/healconnect/healconnect/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the appointment API on api. bookMiddleware wraps
// only the booking endpoint (idempotent replay).
func (h *Handler) RegisterRoutes(api *echo.Group, bookMiddleware ...echo.MiddlewareFunc) {
	// Calendar and availability: any authenticated role
	anyRole := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	anyRole.GET("/slots", h.ListSlots)
	anyRole.GET("/availability", h.GetAvailability)
	anyRole.GET("/appointments", h.ListAppointments)
	anyRole.GET("/appointments/:id", h.GetAppointment)
	anyRole.POST("/appointments/:id/status", h.SetStatus)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/appointments", h.BookAppointment, bookMiddleware...)
	patient.POST("/appointments/:id/cancel", h.CancelAppointment)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.GET("/appointments/day/:date", h.GetDaySheet)
}

// SlotsResponse describes the fixed daily calendar.
type SlotsResponse struct {
	Slots           []string `json:"slots"`
	CapacityPerSlot int      `json:"capacityPerSlot"`
}

// StatusRequest is the body of a status change.
type StatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// CancelRequest is the body of a cancellation.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// availabilityResponse adds a slot label to remaining-seats map to the
// ordered slot list.
type availabilityResponse struct {
	DayAvailability
	BySlot map[string]int `json:"remainingBySlot"`
}

// capacityBody is returned with 409 when a slot is full.
type capacityBody struct {
	Message      string   `json:"message"`
	Date         string   `json:"date"`
	TimeSlot     string   `json:"timeSlot"`
	Alternatives []string `json:"alternatives"`
}

type validationBody struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (h *Handler) ListSlots(c echo.Context) error {
	return c.JSON(http.StatusOK, SlotsResponse{Slots: ListSlots(), CapacityPerSlot: CapacityPerSlot})
}

func (h *Handler) GetAvailability(c echo.Context) error {
	ctx := c.Request().Context()
	date := c.QueryParam("date")
	if date == "" {
		return echo.NewHTTPError(http.StatusBadRequest, validationBody{Message: "date query parameter is required", Field: "date"})
	}
	if slot := c.QueryParam("timeSlot"); slot != "" {
		remaining, err := h.svc.Remaining(ctx, date, slot)
		if err != nil {
			return h.mapError(ctx, err)
		}
		return c.JSON(http.StatusOK, SlotAvailability{
			TimeSlot:  slot,
			Remaining: remaining,
			Booked:    CapacityPerSlot - remaining,
		})
	}
	day, err := h.svc.Availability(ctx, date)
	if err != nil {
		return h.mapError(ctx, err)
	}
	return c.JSON(http.StatusOK, availabilityResponse{DayAvailability: day, BySlot: day.ByLabel()})
}

func (h *Handler) BookAppointment(c echo.Context) error {
	ctx := c.Request().Context()
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, validationBody{Message: "malformed request body"})
	}
	a, err := h.svc.Book(ctx, auth.UserIDFromContext(ctx), req)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			return h.capacityError(ctx, strings.TrimSpace(req.Date), strings.TrimSpace(req.TimeSlot))
		}
		return h.mapError(ctx, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	f := Filter{
		Date:      c.QueryParam("date"),
		TimeSlot:  c.QueryParam("timeSlot"),
		PatientID: c.QueryParam("patientId"),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, Status(strings.TrimSpace(s)))
		}
	}
	items, total, err := h.svc.List(ctx, actorFromContext(ctx), f)
	if err != nil {
		return h.mapError(ctx, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	a, err := h.svc.Get(ctx, actorFromContext(ctx), id)
	if err != nil {
		return h.mapError(ctx, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, validationBody{Message: "malformed request body"})
	}
	ctx := c.Request().Context()
	a, err := h.svc.SetStatus(ctx, actorFromContext(ctx), id, Status(strings.TrimSpace(req.Status)), req.Reason)
	if err != nil {
		return h.mapError(ctx, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, validationBody{Message: "malformed request body"})
	}
	ctx := c.Request().Context()
	a, err := h.svc.Cancel(ctx, actorFromContext(ctx), id, req.Reason)
	if err != nil {
		return h.mapError(ctx, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetDaySheet(c echo.Context) error {
	ctx := c.Request().Context()
	sheet, err := h.svc.DaySheet(ctx, c.Param("date"))
	if err != nil {
		return h.mapError(ctx, err)
	}
	return c.JSON(http.StatusOK, sheet)
}

// capacityError builds the 409 body listing the slots of the same date
// that still have room.
func (h *Handler) capacityError(ctx context.Context, date, timeSlot string) error {
	body := capacityBody{
		Message:      ErrCapacityExceeded.Error(),
		Date:         date,
		TimeSlot:     timeSlot,
		Alternatives: []string{},
	}
	if day, err := h.svc.Availability(ctx, date); err == nil {
		body.Alternatives = day.Open()
	}
	return echo.NewHTTPError(http.StatusConflict, body)
}

func (h *Handler) mapError(ctx context.Context, err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, validationBody{Message: ve.Error(), Field: ve.Field})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, ErrForbidden.Error())
	case errors.Is(err, ErrCapacityExceeded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusRequestTimeout, "request cancelled")
	default:
		h.svc.logger.Error().Err(err).Msg("appointment request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func actorFromContext(ctx context.Context) Actor {
	return Actor{
		ID:   auth.UserIDFromContext(ctx),
		Role: Role(auth.PrimaryRole(ctx)),
	}
}
