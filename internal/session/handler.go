package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eleven-am/live-transcribe/internal/shared"
	"github.com/labstack/echo/v4"
)

const (
	defaultHours = 24
	maxHours     = 7 * 24
)

type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

type ActiveResponse struct {
	Total    int       `json:"total"`
	Sessions []*Record `json:"sessions"`
}

type MetricsResponse struct {
	Hours   int        `json:"hours"`
	Metrics []*Metrics `json:"metrics"`
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.ListActive)
	g.GET("/metrics", h.GetMetrics)
	g.GET("/summary", h.GetSummary)
	g.GET("/:id", h.GetSession)
	g.DELETE("/:id", h.DeleteSession)
}

// @Summary      List active sessions
// @Description  Returns every relay session recorded as active
// @Tags         sessions
// @Produce      json
// @Success      200  {object}  ActiveResponse
// @Failure      500  {object}  shared.APIError
// @Router       /v1/sessions [get]
func (h *Handler) ListActive(c echo.Context) error {
	records, err := h.store.Active(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		return shared.InternalError("list_failed", "failed to list sessions")
	}
	return c.JSON(http.StatusOK, ActiveResponse{Total: len(records), Sessions: records})
}

// @Summary      Get a session
// @Tags         sessions
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  Record
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /v1/sessions/{id} [get]
func (h *Handler) GetSession(c echo.Context) error {
	id := c.Param("id")

	rec, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("session_not_found", "session not found")
		}
		h.logger.Error("failed to get session", "error", err, "session_id", id)
		return shared.InternalError("get_failed", "failed to get session")
	}
	return c.JSON(http.StatusOK, rec)
}

// DeleteSession drops a record and its active-set entry, e.g. one left
// behind by a relay that exited without finishing it.
//
// @Summary      Delete a session
// @Tags         sessions
// @Param        id   path      string  true  "Session ID"
// @Success      204
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /v1/sessions/{id} [delete]
func (h *Handler) DeleteSession(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if _, err := h.store.Get(ctx, id); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("session_not_found", "session not found")
		}
		h.logger.Error("failed to get session", "error", err, "session_id", id)
		return shared.InternalError("get_failed", "failed to get session")
	}
	if err := h.store.Delete(ctx, id); err != nil {
		h.logger.Error("failed to delete session", "error", err, "session_id", id)
		return shared.InternalError("delete_failed", "failed to delete session")
	}
	return c.NoContent(http.StatusNoContent)
}

// @Summary      Hourly relay metrics
// @Tags         sessions
// @Produce      json
// @Param        hours  query     int  false  "Lookback window in hours (1-168)"  default(24)
// @Success      200    {object}  MetricsResponse
// @Failure      500    {object}  shared.APIError
// @Router       /v1/sessions/metrics [get]
func (h *Handler) GetMetrics(c echo.Context) error {
	hours := parseHours(c.QueryParam("hours"))

	metrics, err := h.store.GetMetrics(c.Request().Context(), hours)
	if err != nil {
		h.logger.Error("failed to get metrics", "error", err)
		return shared.InternalError("get_metrics_failed", "failed to get metrics")
	}
	if metrics == nil {
		metrics = []*Metrics{}
	}

	return c.JSON(http.StatusOK, MetricsResponse{Hours: hours, Metrics: metrics})
}

// @Summary      Relay metrics summary
// @Tags         sessions
// @Produce      json
// @Param        hours  query     int  false  "Lookback window in hours (1-168)"  default(24)
// @Success      200    {object}  Summary
// @Failure      500    {object}  shared.APIError
// @Router       /v1/sessions/summary [get]
func (h *Handler) GetSummary(c echo.Context) error {
	hours := parseHours(c.QueryParam("hours"))

	summary, err := h.store.Summary(c.Request().Context(), hours)
	if err != nil {
		h.logger.Error("failed to get metrics summary", "error", err)
		return shared.InternalError("get_metrics_failed", "failed to get metrics")
	}
	return c.JSON(http.StatusOK, summary)
}

func parseHours(raw string) int {
	if raw == "" {
		return defaultHours
	}
	if hr, err := strconv.Atoi(raw); err == nil && hr > 0 && hr <= maxHours {
		return hr
	}
	return defaultHours
}
