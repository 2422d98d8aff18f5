package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/queue/streams"
	"github.com/mohammad-safakhou/recall/internal/store"
)

// maxChatsPerJob caps one submission; larger selections should be split by
// the caller.
const maxChatsPerJob = 50

// JobDispatcher hands a created job to the worker pool. Satisfied by
// streamDispatcher; stubbed in tests.
type JobDispatcher interface {
	Dispatch(ctx context.Context, p streams.JobRequestedPayload) (string, error)
}

type streamDispatcher struct {
	pub    *streams.Publisher
	stream string
}

func (d streamDispatcher) Dispatch(ctx context.Context, p streams.JobRequestedPayload) (string, error) {
	return streams.PublishJobRequested(ctx, d.pub, d.stream, p)
}

// JobsHandler submits indexing jobs and reports their progress.
type JobsHandler struct {
	Store      *store.Store
	Dispatcher JobDispatcher
	Logger     *log.Logger
}

func NewJobsHandler(st *store.Store, pub *streams.Publisher, stream string, logger *log.Logger) *JobsHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[JOBS] ", log.LstdFlags)
	}
	return &JobsHandler{
		Store:      st,
		Dispatcher: streamDispatcher{pub: pub, stream: stream},
		Logger:     logger,
	}
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.POST("/index", h.submit)
	g.GET("/jobs", h.list)
	g.GET("/jobs/:id", h.get)
	g.POST("/jobs/:id/cancel", h.cancel)
	g.GET("/jobs/:id/events", h.events)
}

// submit creates an indexing job for the selected chats and dispatches it to
// the worker pool. While the tenant already has an active job, that job is
// returned with created=false instead of starting a second one.
// @Summary Start indexing
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body IndexRequest true "chats to index"
// @Success 200 {object} IndexResponse "existing active job"
// @Success 202 {object} IndexResponse
// @Failure 400 {object} HTTPError
// @Router /api/index [post]
func (h *JobsHandler) submit(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	var req IndexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	chatIDs := dedupeIDs(req.ChatIDs)
	if len(chatIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "chat_ids is required")
	}
	if len(chatIDs) > maxChatsPerJob {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("at most %d chats per job", maxChatsPerJob))
	}

	ctx := c.Request().Context()
	job, created, err := h.Store.CreateIndexingJob(ctx, tenant.ID, chatIDs)
	if err != nil {
		return err
	}
	if !created {
		return c.JSON(http.StatusOK, IndexResponse{JobID: job.ID, Status: job.Status, Created: false})
	}

	_, err = h.Dispatcher.Dispatch(ctx, streams.JobRequestedPayload{
		JobID:    job.ID,
		TenantID: tenant.ID,
		ChatIDs:  chatIDs,
		Origin:   streams.OriginAPI,
	})
	if err != nil {
		// Close the active-job window so a retry can create a fresh job.
		if ferr := h.Store.FinishJob(ctx, job.ID, store.JobStatusFailed, "dispatch failed: "+err.Error()); ferr != nil {
			h.Logger.Printf("ERROR: fail undispatched job %s: %v", job.ID, ferr)
		}
		return fault.Wrap(fault.UpstreamUnavailable, err, "queue indexing job")
	}
	return c.JSON(http.StatusAccepted, IndexResponse{JobID: job.ID, Status: job.Status, Created: true})
}

// list returns the tenant's recent jobs, newest first.
// @Summary List indexing jobs
// @Tags jobs
// @Produce json
// @Param limit query int false "max rows, default 20"
// @Success 200 {array} JobResponse
// @Router /api/jobs [get]
func (h *JobsHandler) list(c echo.Context) error {
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
	jobs, err := h.Store.ListIndexingJobs(c.Request().Context(), tenant.ID, limit)
	if err != nil {
		return err
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	return c.JSON(http.StatusOK, out)
}

// get returns one job snapshot. Ids owned by other tenants read as missing.
// @Summary Get indexing job
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} JobResponse
// @Failure 404 {object} HTTPError
// @Router /api/jobs/{id} [get]
func (h *JobsHandler) get(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	job, found, err := h.Store.GetIndexingJob(c.Request().Context(), c.Param("id"), tenant.ID)
	if err != nil {
		return err
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, jobResponse(job))
}

// cancel requests cooperative cancellation. The worker stops at the next
// checkpoint; chunks already embedded stay indexed.
// @Summary Cancel indexing job
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 202 {object} JobResponse
// @Failure 404 {object} HTTPError
// @Failure 409 {object} HTTPError
// @Router /api/jobs/{id}/cancel [post]
func (h *JobsHandler) cancel(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	job, found, err := h.Store.GetIndexingJob(ctx, id, tenant.ID)
	if err != nil {
		return err
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if job.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "job already finished")
	}
	ok, err := h.Store.RequestJobCancel(ctx, id, tenant.ID)
	if err != nil {
		return err
	}
	if !ok {
		// finished between the read and the update
		return echo.NewHTTPError(http.StatusConflict, "job already finished")
	}
	job.CancelRequested = true
	return c.JSON(http.StatusAccepted, jobResponse(job))
}

// events streams job snapshots over SSE until the job reaches a terminal
// status or the client disconnects.
// @Summary Stream job progress
// @Tags jobs
// @Produce text/event-stream
// @Param id path string true "job id"
// @Param interval query string false "poll interval, e.g. 500ms; default 2s"
// @Success 200 {string} string "SSE stream"
// @Failure 404 {object} HTTPError
// @Router /api/jobs/{id}/events [get]
func (h *JobsHandler) events(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	// ownership check before committing to the stream
	if _, found, err := h.Store.GetIndexingJob(ctx, id, tenant.ID); err != nil {
		return err
	} else if !found {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}

	interval := 2 * time.Second
	if raw := c.QueryParam("interval"); raw != "" {
		if d, perr := time.ParseDuration(raw); perr == nil && d >= 200*time.Millisecond && d <= time.Minute {
			interval = d
		}
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	sendSnapshot := func() (terminal bool, err error) {
		job, found, err := h.Store.GetIndexingJob(ctx, id, tenant.ID)
		if err != nil {
			return false, err
		}
		if !found {
			return true, nil
		}
		payload, err := json.Marshal(jobResponse(job))
		if err != nil {
			return false, err
		}
		if _, err := fmt.Fprintf(resp, "event: update\ndata: %s\n\n", payload); err != nil {
			return false, err
		}
		flusher.Flush()
		return job.Terminal(), nil
	}

	terminal, err := sendSnapshot()
	if err != nil {
		h.Logger.Printf("WARN: job events %s: %v", id, err)
		return nil
	}
	if terminal {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			terminal, err := sendSnapshot()
			if err != nil {
				h.Logger.Printf("WARN: job events %s: %v", id, err)
				return nil
			}
			if terminal {
				return nil
			}
		}
	}
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
