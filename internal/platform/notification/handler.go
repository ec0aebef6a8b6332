package notification

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the notification log to operators.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers the notification routes on g. The caller is
// responsible for restricting g to operators.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.GET("/notifications/stats", h.Stats)
	g.GET("/notifications/:id", h.Get)
	g.POST("/notifications/:id/retry", h.Retry)
}

func (h *Handler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	return c.JSON(http.StatusOK, h.manager.ListByRecipient(recipient, 100))
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.manager.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Retry(c echo.Context) error {
	n, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats())
}
