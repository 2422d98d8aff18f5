package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/recall/internal/store"
)

// SchedulesHandler manages recurring re-index registrations. The scheduler
// loop turns due rows into indexing jobs.
type SchedulesHandler struct {
	Store *store.Store
}

func NewSchedulesHandler(st *store.Store) *SchedulesHandler {
	return &SchedulesHandler{Store: st}
}

func (h *SchedulesHandler) Register(g *echo.Group) {
	g.POST("/schedules", h.create)
	g.GET("/schedules", h.list)
	g.DELETE("/schedules/:id", h.remove)
}

// create registers a cron schedule for the selected chats.
// @Summary Create re-index schedule
// @Tags schedules
// @Accept json
// @Produce json
// @Param request body ScheduleRequest true "chats and cron spec"
// @Success 201 {object} ScheduleResponse
// @Failure 400 {object} HTTPError
// @Router /api/schedules [post]
func (h *SchedulesHandler) create(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	chatIDs := dedupeIDs(req.ChatIDs)
	if len(chatIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "chat_ids is required")
	}
	if len(chatIDs) > maxChatsPerJob {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("at most %d chats per schedule", maxChatsPerJob))
	}
	spec := strings.TrimSpace(req.Cron)
	if spec == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cron is required")
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression")
	}
	next := expr.Next(time.Now())
	if next.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "cron expression never fires")
	}

	rec, err := h.Store.CreateSchedule(c.Request().Context(), store.ScheduleRecord{
		TenantID:  tenant.ID,
		ChatIDs:   chatIDs,
		CronSpec:  spec,
		Enabled:   true,
		NextRunAt: &next,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, scheduleResponse(rec))
}

// list returns the tenant's schedules, newest first.
// @Summary List re-index schedules
// @Tags schedules
// @Produce json
// @Success 200 {array} ScheduleResponse
// @Router /api/schedules [get]
func (h *SchedulesHandler) list(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	records, err := h.Store.ListSchedules(c.Request().Context(), tenant.ID)
	if err != nil {
		return err
	}
	out := make([]ScheduleResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, scheduleResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

// remove deletes a schedule. Ids owned by other tenants read as missing.
// @Summary Delete re-index schedule
// @Tags schedules
// @Param id path string true "schedule id"
// @Success 204
// @Failure 404 {object} HTTPError
// @Router /api/schedules/{id} [delete]
func (h *SchedulesHandler) remove(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	deleted, err := h.Store.DeleteSchedule(c.Request().Context(), c.Param("id"), tenant.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	return c.NoContent(http.StatusNoContent)
}
