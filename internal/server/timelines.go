package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/answer"
	"github.com/mohammad-safakhou/recall/internal/search"
	"github.com/mohammad-safakhou/recall/internal/store"
)

// Timeliner extracts chronological views. Satisfied by answer.Composer.
type Timeliner interface {
	Timeline(ctx context.Context, tenantID int64, topic, title string, q search.Query) (answer.TimelineResult, error)
}

// TimelinesHandler extracts and serves saved timelines.
type TimelinesHandler struct {
	Store     *store.Store
	Composer  Timeliner
	Retrieval config.RetrievalConfig
}

func NewTimelinesHandler(st *store.Store, composer Timeliner, retrieval config.RetrievalConfig) *TimelinesHandler {
	return &TimelinesHandler{Store: st, Composer: composer, Retrieval: retrieval}
}

func (h *TimelinesHandler) Register(g *echo.Group) {
	g.POST("/timeline", h.extract)
	g.GET("/timelines", h.list)
	g.GET("/timelines/:id", h.get)
}

// extract builds a chronological view for a topic. A non-empty title
// persists the result for later retrieval.
// @Summary Extract timeline
// @Tags timelines
// @Accept json
// @Produce json
// @Param request body TimelineRequest true "topic"
// @Success 200 {object} TimelineResponse
// @Failure 400 {object} HTTPError
// @Router /api/timeline [post]
func (h *TimelinesHandler) extract(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	var req TimelineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	topic := strings.TrimSpace(req.Query)
	if topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	title := strings.TrimSpace(req.Title)
	if len(title) > 200 {
		return echo.NewHTTPError(http.StatusBadRequest, "title too long")
	}

	q := search.Query{ChatIDs: dedupeIDs(req.ChatIDs), K: h.Retrieval.TimelineMaxItems}
	result, err := h.Composer.Timeline(c.Request().Context(), tenant.ID, topic, title, q)
	if err != nil {
		return err
	}
	if result.Items == nil {
		result.Items = []answer.TimelineItem{}
	}
	return c.JSON(http.StatusOK, TimelineResponse{
		ID:         result.ID,
		Title:      result.Title,
		Query:      topic,
		Items:      result.Items,
		TotalItems: len(result.Items),
	})
}

// list returns summaries of the tenant's saved timelines, newest first.
// @Summary List saved timelines
// @Tags timelines
// @Produce json
// @Param limit query int false "max rows, default 20"
// @Success 200 {array} TimelineSummary
// @Router /api/timelines [get]
func (h *TimelinesHandler) list(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	records, err := h.Store.ListTimelines(c.Request().Context(), tenant.ID, limit)
	if err != nil {
		return err
	}
	out := make([]TimelineSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, TimelineSummary{
			ID:        rec.ID,
			Title:     rec.Title,
			Query:     rec.Query,
			ItemCount: timelineItemCount(rec.Items),
			CreatedAt: rec.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// get returns one saved timeline. Ids owned by other tenants read as missing.
// @Summary Get saved timeline
// @Tags timelines
// @Produce json
// @Param id path string true "timeline id"
// @Success 200 {object} TimelineResponse
// @Failure 404 {object} HTTPError
// @Router /api/timelines/{id} [get]
func (h *TimelinesHandler) get(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	rec, found, err := h.Store.GetTimeline(c.Request().Context(), c.Param("id"), tenant.ID)
	if err != nil {
		return err
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "timeline not found")
	}
	items := []answer.TimelineItem{}
	if len(rec.Items) > 0 {
		if err := json.Unmarshal(rec.Items, &items); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, TimelineResponse{
		ID:         rec.ID,
		Title:      rec.Title,
		Query:      rec.Query,
		Items:      items,
		TotalItems: len(items),
	})
}

func timelineItemCount(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	return len(items)
}
