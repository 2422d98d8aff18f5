package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/answer"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/search"
	"github.com/mohammad-safakhou/recall/internal/store"
)

// safeRefusal is returned verbatim when a query trips the injection
// heuristics. Nothing about the detection leaks to the caller.
const safeRefusal = "I can help you search through your messages. Please provide a specific question about your message history."

// Answerer composes grounded answers. Satisfied by answer.Composer.
type Answerer interface {
	Answer(ctx context.Context, tenantID int64, q search.Query) (answer.Response, error)
}

// Searcher runs raw retrieval. Satisfied by search.Engine.
type Searcher interface {
	Search(ctx context.Context, tenantID int64, q search.Query) ([]search.Result, error)
	Similar(ctx context.Context, tenantID, chatID, messageID int64, q search.Query) ([]search.Result, error)
}

// QueryHandler answers questions over the tenant's indexed history.
type QueryHandler struct {
	Store     *store.Store
	Composer  Answerer
	Engine    Searcher
	Retrieval config.RetrievalConfig
}

func NewQueryHandler(st *store.Store, composer Answerer, engine Searcher, retrieval config.RetrievalConfig) *QueryHandler {
	return &QueryHandler{Store: st, Composer: composer, Engine: engine, Retrieval: retrieval}
}

func (h *QueryHandler) Register(g *echo.Group) {
	g.POST("/query", h.query)
	g.POST("/query/similar", h.similar)
}

// query retrieves relevant chunks and composes a grounded answer. Suspicious
// input gets a fixed refusal instead of reaching retrieval or the model.
// @Summary Ask over indexed history
// @Tags query
// @Accept json
// @Produce json
// @Param request body QueryRequest true "question"
// @Success 200 {object} QueryResponse
// @Failure 400 {object} HTTPError
// @Router /api/query [post]
func (h *QueryHandler) query(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	q, err := h.buildQuery(req.Query, req.MaxResults, req.ChatIDs, req.MinSimilarity)
	if err != nil {
		return err
	}

	resp, err := h.Composer.Answer(c.Request().Context(), tenant.ID, q)
	if err != nil {
		if fault.IsKind(err, fault.SuspiciousQuery) {
			return c.JSON(http.StatusOK, QueryResponse{Answer: safeRefusal, Sources: []answer.Source{}})
		}
		return err
	}
	if resp.Sources == nil {
		resp.Sources = []answer.Source{}
	}
	return c.JSON(http.StatusOK, QueryResponse{Answer: resp.Answer, Sources: resp.Sources, Degraded: resp.Degraded})
}

// similar runs retrieval only. Accepts a free-text query or a stored message
// reference; suspicious free-text hard-fails here since there is no answer
// payload to soften.
// @Summary Find similar messages
// @Tags query
// @Accept json
// @Produce json
// @Param request body SimilarRequest true "query or message reference"
// @Success 200 {object} SearchResponse
// @Failure 400 {object} HTTPError
// @Router /api/query/similar [post]
func (h *QueryHandler) similar(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	var req SimilarRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	ctx := c.Request().Context()
	byMessage := req.ChatID != 0 && req.MessageID != 0
	if !byMessage && strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query or chat_id+message_id is required")
	}

	q, err := h.retrievalKnobs(req.MaxResults, req.ChatIDs, req.MinSimilarity)
	if err != nil {
		return err
	}
	var results []search.Result
	if byMessage {
		results, err = h.Engine.Similar(ctx, tenant.ID, req.ChatID, req.MessageID, q)
	} else {
		q.Text = req.Query
		results, err = h.Engine.Search(ctx, tenant.ID, q)
	}
	if err != nil {
		return err
	}
	if results == nil {
		results = []search.Result{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: strings.TrimSpace(req.Query), Results: results, Total: len(results)})
}

// buildQuery validates the shared retrieval knobs plus the query text.
// Content checks (length, injection patterns) belong to the sanitizer
// downstream.
func (h *QueryHandler) buildQuery(text string, maxResults int, chatIDs []int64, minSim *float64) (search.Query, error) {
	if strings.TrimSpace(text) == "" {
		return search.Query{}, echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	q, err := h.retrievalKnobs(maxResults, chatIDs, minSim)
	if err != nil {
		return search.Query{}, err
	}
	q.Text = text
	return q, nil
}

func (h *QueryHandler) retrievalKnobs(maxResults int, chatIDs []int64, minSim *float64) (search.Query, error) {
	if maxResults < 0 {
		return search.Query{}, echo.NewHTTPError(http.StatusBadRequest, "max_results must be positive")
	}
	if maxResults > 50 {
		maxResults = 50
	}
	if minSim != nil && (*minSim < 0 || *minSim > 1) {
		return search.Query{}, echo.NewHTTPError(http.StatusBadRequest, "min_similarity must be within [0,1]")
	}
	return search.Query{
		ChatIDs:       dedupeIDs(chatIDs),
		K:             maxResults,
		MinSimilarity: minSim,
	}, nil
}
