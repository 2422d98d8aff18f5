package server

import (
	"time"

	"github.com/mohammad-safakhou/recall/internal/answer"
	"github.com/mohammad-safakhou/recall/internal/search"
	"github.com/mohammad-safakhou/recall/internal/store"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// MeResponse returns the authenticated tenant.
type MeResponse struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// SessionRequest carries a Telegram session string to seal and store.
type SessionRequest struct {
	Session string `json:"session"`
}

// SessionStatusResponse reports whether a sealed session is on file.
type SessionStatusResponse struct {
	Present bool `json:"present"`
}

// ChatResponse is one registered chat.
type ChatResponse struct {
	ChatID        int64      `json:"chat_id"`
	Title         string     `json:"title"`
	Type          string     `json:"type"`
	LastIndexedAt *time.Time `json:"last_indexed_at,omitempty"`
}

// IndexRequest selects the chats to (re-)index.
type IndexRequest struct {
	ChatIDs []int64 `json:"chat_ids"`
}

// IndexResponse acknowledges an indexing submission. Created is false when an
// active job already covered the tenant and its id is returned instead.
type IndexResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Created bool   `json:"created"`
}

// JobResponse is a point-in-time snapshot of one indexing job.
type JobResponse struct {
	ID                  string     `json:"id"`
	Status              string     `json:"status"`
	ChatIDs             []int64    `json:"chat_ids"`
	MessagesTotal       int        `json:"messages_total"`
	MessagesProcessed   int        `json:"messages_processed"`
	ChunksProduced      int        `json:"chunks_produced"`
	EmbeddingsCompleted int        `json:"embeddings_completed"`
	EmbeddingsFailed    int        `json:"embeddings_failed"`
	CancelRequested     bool       `json:"cancel_requested,omitempty"`
	Error               string     `json:"error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}

func jobResponse(j store.JobRecord) JobResponse {
	return JobResponse{
		ID:                  j.ID,
		Status:              j.Status,
		ChatIDs:             j.ChatIDs,
		MessagesTotal:       j.MessagesTotal,
		MessagesProcessed:   j.MessagesProcessed,
		ChunksProduced:      j.ChunksProduced,
		EmbeddingsCompleted: j.EmbeddingsCompleted,
		EmbeddingsFailed:    j.EmbeddingsFailed,
		CancelRequested:     j.CancelRequested,
		Error:               j.Error,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
		StartedAt:           j.StartedAt,
		FinishedAt:          j.FinishedAt,
	}
}

// QueryRequest asks a question over the tenant's indexed history.
type QueryRequest struct {
	Query         string   `json:"query"`
	MaxResults    int      `json:"max_results,omitempty"`
	ChatIDs       []int64  `json:"chat_ids,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

// QueryResponse is the composed answer with its grounding.
type QueryResponse struct {
	Answer   string          `json:"answer"`
	Sources  []answer.Source `json:"sources"`
	Degraded bool            `json:"degraded,omitempty"`
}

// SimilarRequest runs retrieval without answer composition. Either a
// free-text query or a stored message reference (chat_id + message_id).
type SimilarRequest struct {
	Query         string   `json:"query,omitempty"`
	ChatID        int64    `json:"chat_id,omitempty"`
	MessageID     int64    `json:"message_id,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
	ChatIDs       []int64  `json:"chat_ids,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

// SearchResponse is raw retrieval output, no answer composition.
type SearchResponse struct {
	Query   string          `json:"query,omitempty"`
	Results []search.Result `json:"results"`
	Total   int             `json:"total"`
}

// TimelineRequest extracts a chronological view for a topic. A non-empty
// title persists the result.
type TimelineRequest struct {
	Query   string  `json:"query"`
	Title   string  `json:"title,omitempty"`
	ChatIDs []int64 `json:"chat_ids,omitempty"`
}

// TimelineResponse is an extracted timeline.
type TimelineResponse struct {
	ID         string                `json:"id,omitempty"`
	Title      string                `json:"title,omitempty"`
	Query      string                `json:"query"`
	Items      []answer.TimelineItem `json:"items"`
	TotalItems int                   `json:"total_items"`
}

// TimelineSummary is one row of the saved-timelines listing.
type TimelineSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Query     string    `json:"query"`
	ItemCount int       `json:"item_count"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduleRequest registers a recurring re-index.
type ScheduleRequest struct {
	ChatIDs []int64 `json:"chat_ids"`
	Cron    string  `json:"cron"`
}

// ScheduleResponse is one recurring re-index registration.
type ScheduleResponse struct {
	ID        string     `json:"id"`
	ChatIDs   []int64    `json:"chat_ids"`
	Cron      string     `json:"cron"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func scheduleResponse(s store.ScheduleRecord) ScheduleResponse {
	return ScheduleResponse{
		ID:        s.ID,
		ChatIDs:   s.ChatIDs,
		Cron:      s.CronSpec,
		Enabled:   s.Enabled,
		LastRunAt: s.LastRunAt,
		NextRunAt: s.NextRunAt,
		CreatedAt: s.CreatedAt,
	}
}
