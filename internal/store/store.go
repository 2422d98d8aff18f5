package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

// Indexing job statuses persisted for pipeline processing.
const (
	JobStatusPending   = "pending"
	JobStatusFetching  = "fetching"
	JobStatusChunking  = "chunking"
	JobStatusEmbedding = "embedding"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// activeJobStatuses are the states covered by the one-active-job-per-tenant
// unique index. Keep in sync with the migration.
var activeJobStatuses = []string{JobStatusPending, JobStatusFetching, JobStatusChunking, JobStatusEmbedding}

// DefaultEmbeddingDimensions indicates the expected length of semantic vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Tenant is one isolated user of the index.
type Tenant struct {
	ID          int64
	ExternalID  string
	DisplayName string
	CreatedAt   time.Time
}

// Chat is a tenant's registration of one Telegram chat.
type Chat struct {
	ID            int64
	TenantID      int64
	ChatID        int64
	Title         string
	ChatType      string
	LastIndexedAt *time.Time
	CreatedAt     time.Time
}

// MessageRecord is one immutable fetched message. ReplyToMessageID is zero
// when the message is not a reply.
type MessageRecord struct {
	ID               int64
	ChatID           int64
	MessageID        int64
	SenderID         int64
	SenderName       string
	SenderUsername   string
	SentAt           time.Time
	Text             string
	ReplyToMessageID int64
	CreatedAt        time.Time
}

// ChunkRecord is one chunk of a message with its embedding. Metadata is the
// serialized chunk context and is stored verbatim.
type ChunkRecord struct {
	ID        int64
	MessageID int64
	Index     int
	Total     int
	Text      string
	Metadata  json.RawMessage
	Vector    []float32
	CreatedAt time.Time
}

// JobRecord tracks one indexing job. Counters only ever grow.
type JobRecord struct {
	ID                  string
	TenantID            int64
	ChatIDs             []int64
	Status              string
	MessagesTotal       int
	MessagesProcessed   int
	ChunksProduced      int
	EmbeddingsCompleted int
	EmbeddingsFailed    int
	CancelRequested     bool
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

// Terminal reports whether the job reached a final state.
func (j JobRecord) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobProgress is a set of non-negative counter increments.
type JobProgress struct {
	MessagesTotal       int
	MessagesProcessed   int
	ChunksProduced      int
	EmbeddingsCompleted int
	EmbeddingsFailed    int
}

// TimelineRecord is a persisted timeline extraction result.
type TimelineRecord struct {
	ID        string
	TenantID  int64
	Title     string
	Query     string
	Items     json.RawMessage
	CreatedAt time.Time
}

// ScheduleRecord is a recurring re-index instruction for a tenant.
type ScheduleRecord struct {
	ID        string
	TenantID  int64
	ChatIDs   []int64
	CronSpec  string
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
}

// ChunkSearchResult is one semantic search hit joined with its message.
type ChunkSearchResult struct {
	ChunkID    int64
	ChatID     int64
	MessageID  int64
	ChunkIndex int
	Text       string
	Metadata   json.RawMessage
	SentAt     time.Time
	Distance   float64
}

var (
	metricsOnce     sync.Once
	messagesCounter otelmetric.Int64Counter
	chunksCounter   otelmetric.Int64Counter
	metricsInitErr  error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	messagesCounter, err = meter.Int64Counter("messages_indexed_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	chunksCounter, err = meter.Int64Counter("chunks_indexed_total")
	if err != nil {
		metricsInitErr = err
	}
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Tenant operations

// UpsertTenant registers or refreshes the tenant identified by externalID.
func (s *Store) UpsertTenant(ctx context.Context, externalID, displayName string) (Tenant, error) {
	var t Tenant
	if externalID == "" {
		return t, fmt.Errorf("external_id required")
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO tenants (external_id, display_name)
VALUES ($1,$2)
ON CONFLICT (external_id) DO UPDATE SET
  display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), tenants.display_name),
  updated_at = NOW()
RETURNING id, external_id, display_name, created_at
`, externalID, displayName).Scan(&t.ID, &t.ExternalID, &t.DisplayName, &t.CreatedAt)
	return t, err
}

func (s *Store) GetTenantByExternalID(ctx context.Context, externalID string) (Tenant, bool, error) {
	var t Tenant
	err := s.DB.QueryRowContext(ctx, `
SELECT id, external_id, display_name, created_at FROM tenants WHERE external_id=$1
`, externalID).Scan(&t.ID, &t.ExternalID, &t.DisplayName, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return Tenant{}, false, nil
	}
	if err != nil {
		return Tenant{}, false, err
	}
	return t, true, nil
}

// SaveTenantSession stores the sealed Telegram session blob for a tenant.
func (s *Store) SaveTenantSession(ctx context.Context, tenantID int64, sealed string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE tenants SET session_blob=$2, updated_at=NOW() WHERE id=$1
`, tenantID, sealed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tenant %d not found", tenantID)
	}
	return nil
}

func (s *Store) GetTenantSession(ctx context.Context, tenantID int64) (string, bool, error) {
	var sealed sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT session_blob FROM tenants WHERE id=$1`, tenantID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sealed.String, sealed.Valid && sealed.String != "", nil
}

// Chat operations

// UpsertChat registers a chat for a tenant, refreshing title and type on
// re-registration.
func (s *Store) UpsertChat(ctx context.Context, tenantID, chatID int64, title, chatType string) (Chat, error) {
	var c Chat
	var lastIndexed sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO chats (tenant_id, chat_id, title, chat_type)
VALUES ($1,$2,$3,$4)
ON CONFLICT (tenant_id, chat_id) DO UPDATE SET
  title = COALESCE(NULLIF(EXCLUDED.title, ''), chats.title),
  chat_type = COALESCE(NULLIF(EXCLUDED.chat_type, ''), chats.chat_type)
RETURNING id, tenant_id, chat_id, title, chat_type, last_indexed_at, created_at
`, tenantID, chatID, title, chatType).Scan(&c.ID, &c.TenantID, &c.ChatID, &c.Title, &c.ChatType, &lastIndexed, &c.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	if lastIndexed.Valid {
		c.LastIndexedAt = &lastIndexed.Time
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, tenantID int64) ([]Chat, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, tenant_id, chat_id, title, chat_type, last_indexed_at, created_at
FROM chats WHERE tenant_id=$1 ORDER BY created_at DESC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chat
	for rows.Next() {
		var c Chat
		var lastIndexed sql.NullTime
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ChatID, &c.Title, &c.ChatType, &lastIndexed, &c.CreatedAt); err != nil {
			return nil, err
		}
		if lastIndexed.Valid {
			c.LastIndexedAt = &lastIndexed.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetChat(ctx context.Context, tenantID, chatID int64) (Chat, bool, error) {
	var c Chat
	var lastIndexed sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT id, tenant_id, chat_id, title, chat_type, last_indexed_at, created_at
FROM chats WHERE tenant_id=$1 AND chat_id=$2
`, tenantID, chatID).Scan(&c.ID, &c.TenantID, &c.ChatID, &c.Title, &c.ChatType, &lastIndexed, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, err
	}
	if lastIndexed.Valid {
		c.LastIndexedAt = &lastIndexed.Time
	}
	return c, true, nil
}

// TouchChatIndexed stamps a chat after an indexing pass over it finishes.
func (s *Store) TouchChatIndexed(ctx context.Context, tenantID, chatID int64) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE chats SET last_indexed_at=NOW() WHERE tenant_id=$1 AND chat_id=$2
`, tenantID, chatID)
	return err
}

// RevokeChat removes a tenant's registration of a chat together with every
// visibility grant into it. The shared message copies stay for other tenants.
func (s *Store) RevokeChat(ctx context.Context, tenantID, chatID int64) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
DELETE FROM tenant_messages tm
USING messages m
WHERE tm.message_id = m.id AND tm.tenant_id = $1 AND m.chat_id = $2
`, tenantID, chatID); err != nil {
		return false, fmt.Errorf("revoke message grants: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE tenant_id=$1 AND chat_id=$2`, tenantID, chatID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Message operations

// SaveMessageChunks persists one message together with its chunks and their
// embeddings in a single transaction and grants the tenant visibility.
// Existing chunk embeddings are never overwritten.
func (s *Store) SaveMessageChunks(ctx context.Context, tenantID int64, msg MessageRecord, chunks []ChunkRecord) (msgRowID int64, err error) {
	if msg.ChatID == 0 || msg.MessageID == 0 {
		return 0, fmt.Errorf("chat_id and message_id required")
	}
	metricsOnce.Do(initStoreMetrics)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	msgRowID, err = insertMessageTx(ctx, tx, msg)
	if err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO tenant_messages (tenant_id, message_id) VALUES ($1,$2) ON CONFLICT DO NOTHING
`, tenantID, msgRowID); err != nil {
		return 0, fmt.Errorf("grant visibility: %w", err)
	}

	for _, ch := range chunks {
		if len(ch.Vector) == 0 {
			return 0, fmt.Errorf("embedding vector required for chunk %d", ch.Index)
		}
		var vectorLiteral string
		vectorLiteral, err = encodeVectorLiteral(ch.Vector)
		if err != nil {
			return 0, err
		}
		meta := ch.Metadata
		if len(meta) == 0 {
			meta = json.RawMessage(`{}`)
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO chunks (message_id, chunk_index, chunk_total, text, metadata, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6::vector,NOW())
ON CONFLICT (message_id, chunk_index) DO UPDATE SET
  embedding = COALESCE(chunks.embedding, EXCLUDED.embedding);
`, msgRowID, ch.Index, ch.Total, ch.Text, []byte(meta), vectorLiteral); err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", ch.Index, err)
		}
	}

	if metricsInitErr == nil && messagesCounter != nil {
		messagesCounter.Add(ctx, 1)
		chunksCounter.Add(ctx, int64(len(chunks)))
	}
	return msgRowID, nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, msg MessageRecord) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO messages (chat_id, message_id, sender_id, sender_name, sender_username, sent_at, text, reply_to_message_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (chat_id, message_id) DO NOTHING
RETURNING id
`, msg.ChatID, msg.MessageID, msg.SenderID, msg.SenderName, msg.SenderUsername, msg.SentAt, msg.Text, msg.ReplyToMessageID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	// Already fetched before: the stored copy wins, this one is discarded.
	err = tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE chat_id=$1 AND message_id=$2`, msg.ChatID, msg.MessageID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup message: %w", err)
	}
	return id, nil
}

// GrantMessageVisibility adds the membership row for an already indexed
// message without touching its chunks.
func (s *Store) GrantMessageVisibility(ctx context.Context, tenantID, chatID, messageID int64) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO tenant_messages (tenant_id, message_id)
SELECT $1, id FROM messages WHERE chat_id=$2 AND message_id=$3
ON CONFLICT DO NOTHING
`, tenantID, chatID, messageID)
	return err
}

// EmbeddedChunkIndexes returns the chunk indexes of a message that already
// carry an embedding, keyed for the pipeline's dedup check.
func (s *Store) EmbeddedChunkIndexes(ctx context.Context, chatID, messageID int64) (map[int]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT c.chunk_index
FROM chunks c
JOIN messages m ON m.id = c.message_id
WHERE m.chat_id=$1 AND m.message_id=$2 AND c.embedding IS NOT NULL
`, chatID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]struct{}{}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out[idx] = struct{}{}
	}
	return out, rows.Err()
}

// GetMessageTexts resolves message texts by sequence, used to inline reply
// parents that were fetched in an earlier run.
func (s *Store) GetMessageTexts(ctx context.Context, chatID int64, messageIDs []int64) (map[int64]string, error) {
	if len(messageIDs) == 0 {
		return map[int64]string{}, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT message_id, text FROM messages WHERE chat_id=$1 AND message_id = ANY($2)
`, chatID, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]string, len(messageIDs))
	for rows.Next() {
		var id int64
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		out[id] = text
	}
	return out, rows.Err()
}

// TenantSeesMessage reports whether the tenant has visibility of the given
// message.
func (s *Store) TenantSeesMessage(ctx context.Context, tenantID, chatID, messageID int64) (bool, error) {
	var ok bool
	err := s.DB.QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM tenant_messages tm
  JOIN messages m ON m.id = tm.message_id
  WHERE tm.tenant_id=$1 AND m.chat_id=$2 AND m.message_id=$3
)
`, tenantID, chatID, messageID).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// LatestMessageID returns the highest stored message id for a chat, or zero
// when the chat has no messages yet. Used as the floor for incremental
// fetches.
func (s *Store) LatestMessageID(ctx context.Context, chatID int64) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
SELECT COALESCE(MAX(message_id), 0) FROM messages WHERE chat_id=$1
`, chatID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Indexing job operations

// CreateIndexingJob opens a job for the tenant. When another job is already
// live the existing job is returned with created=false; the partial unique
// index makes the check race-free.
func (s *Store) CreateIndexingJob(ctx context.Context, tenantID int64, chatIDs []int64) (JobRecord, bool, error) {
	if chatIDs == nil {
		chatIDs = []int64{}
	}
	id := uuid.NewString()
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO indexing_jobs (id, tenant_id, chat_ids, status)
VALUES ($1,$2,$3,'pending')
ON CONFLICT (tenant_id) WHERE status IN ('pending','fetching','chunking','embedding') DO NOTHING
RETURNING `+jobColumns+`
`, id, tenantID, pq.Array(chatIDs))
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if err != sql.ErrNoRows {
		return JobRecord{}, false, err
	}
	existing, ok, err := s.ActiveIndexingJob(ctx, tenantID)
	if err != nil {
		return JobRecord{}, false, err
	}
	if !ok {
		return JobRecord{}, false, fmt.Errorf("job insert conflicted but no active job found for tenant %d", tenantID)
	}
	return existing, false, nil
}

const jobColumns = `id, tenant_id, chat_ids, status, messages_total, messages_processed, chunks_produced, embeddings_completed, embeddings_failed, cancel_requested, error, created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var (
		j          JobRecord
		chatIDs    pq.Int64Array
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.TenantID, &chatIDs, &j.Status,
		&j.MessagesTotal, &j.MessagesProcessed, &j.ChunksProduced,
		&j.EmbeddingsCompleted, &j.EmbeddingsFailed,
		&j.CancelRequested, &j.Error, &j.CreatedAt, &j.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		return JobRecord{}, err
	}
	j.ChatIDs = []int64(chatIDs)
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	return j, nil
}

func (s *Store) GetIndexingJob(ctx context.Context, id string, tenantID int64) (JobRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM indexing_jobs WHERE id=$1 AND tenant_id=$2
`, id, tenantID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return job, true, nil
}

// LoadIndexingJob loads a job without tenant scoping, for worker processing.
func (s *Store) LoadIndexingJob(ctx context.Context, id string) (JobRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM indexing_jobs WHERE id=$1
`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return job, true, nil
}

func (s *Store) ActiveIndexingJob(ctx context.Context, tenantID int64) (JobRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM indexing_jobs
WHERE tenant_id=$1 AND status = ANY($2)
ORDER BY created_at DESC
LIMIT 1
`, tenantID, pq.Array(activeJobStatuses))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return job, true, nil
}

func (s *Store) ListIndexingJobs(ctx context.Context, tenantID int64, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+jobColumns+` FROM indexing_jobs WHERE tenant_id=$1 ORDER BY created_at DESC LIMIT $2
`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SetJobStatus moves a job between pipeline stages. The first move out of
// pending stamps started_at.
func (s *Store) SetJobStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE indexing_jobs SET
  status=$2,
  updated_at=NOW(),
  started_at=CASE WHEN started_at IS NULL AND $2 <> 'pending' THEN NOW() ELSE started_at END
WHERE id=$1
`, id, status)
	return err
}

// FinishJob moves a job to a terminal state and stamps finished_at.
func (s *Store) FinishJob(ctx context.Context, id, status, errMsg string) error {
	if status != JobStatusCompleted && status != JobStatusFailed {
		return fmt.Errorf("finish status must be terminal, got %q", status)
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE indexing_jobs SET status=$2, error=$3, updated_at=NOW(), finished_at=NOW()
WHERE id=$1
`, id, status, errMsg)
	return err
}

// AdvanceJobProgress adds the supplied increments to the job counters.
// Counters never move backwards, so every increment must be non-negative.
func (s *Store) AdvanceJobProgress(ctx context.Context, id string, delta JobProgress) error {
	if delta.MessagesTotal < 0 || delta.MessagesProcessed < 0 || delta.ChunksProduced < 0 ||
		delta.EmbeddingsCompleted < 0 || delta.EmbeddingsFailed < 0 {
		return fmt.Errorf("job progress increments must be non-negative: %+v", delta)
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE indexing_jobs SET
  messages_total = messages_total + $2,
  messages_processed = messages_processed + $3,
  chunks_produced = chunks_produced + $4,
  embeddings_completed = embeddings_completed + $5,
  embeddings_failed = embeddings_failed + $6,
  updated_at = NOW()
WHERE id=$1
`, id, delta.MessagesTotal, delta.MessagesProcessed, delta.ChunksProduced, delta.EmbeddingsCompleted, delta.EmbeddingsFailed)
	return err
}

// ResetJobProgress zeroes the counters of a job. Called when a redelivered
// job restarts from the fetching stage so the counters reflect a single run.
func (s *Store) ResetJobProgress(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE indexing_jobs SET
  messages_total = 0,
  messages_processed = 0,
  chunks_produced = 0,
  embeddings_completed = 0,
  embeddings_failed = 0,
  updated_at = NOW()
WHERE id=$1
`, id)
	return err
}

// RequestJobCancel flags a live job for cooperative cancellation. Finished
// jobs are left untouched and reported as not cancelled.
func (s *Store) RequestJobCancel(ctx context.Context, id string, tenantID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE indexing_jobs SET cancel_requested=TRUE, updated_at=NOW()
WHERE id=$1 AND tenant_id=$2 AND status = ANY($3)
`, id, tenantID, pq.Array(activeJobStatuses))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) JobCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM indexing_jobs WHERE id=$1`, id).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return requested, err
}

// Semantic search

// SearchChunks returns the chunks closest to the supplied vector that the
// tenant is allowed to see, nearest first. An empty chatIDs slice searches
// every chat the tenant has access to.
func (s *Store) SearchChunks(ctx context.Context, tenantID int64, vector []float32, chatIDs []int64, topK int) ([]ChunkSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 20
	}
	if chatIDs == nil {
		chatIDs = []int64{}
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT c.id, m.chat_id, m.message_id, c.chunk_index, c.text, c.metadata, m.sent_at, c.embedding <=> $1::vector AS distance
FROM chunks c
JOIN messages m ON m.id = c.message_id
JOIN tenant_messages tm ON tm.message_id = m.id AND tm.tenant_id = $2
WHERE c.embedding IS NOT NULL
  AND (cardinality($3::bigint[]) = 0 OR m.chat_id = ANY($3::bigint[]))
ORDER BY c.embedding <=> $1::vector
LIMIT $4
`, vecLiteral, tenantID, pq.Array(chatIDs), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []ChunkSearchResult
	for rows.Next() {
		var (
			res       ChunkSearchResult
			metaBytes []byte
		)
		if err := rows.Scan(&res.ChunkID, &res.ChatID, &res.MessageID, &res.ChunkIndex, &res.Text, &metaBytes, &res.SentAt, &res.Distance); err != nil {
			return nil, err
		}
		res.Metadata = json.RawMessage(metaBytes)
		results = append(results, res)
	}
	return results, rows.Err()
}

// Timeline operations

func (s *Store) SaveTimeline(ctx context.Context, tenantID int64, title, query string, items json.RawMessage) (TimelineRecord, error) {
	if title == "" {
		return TimelineRecord{}, fmt.Errorf("title required")
	}
	if len(items) == 0 {
		items = json.RawMessage(`[]`)
	}
	rec := TimelineRecord{ID: uuid.NewString(), TenantID: tenantID, Title: title, Query: query, Items: items}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO timelines (id, tenant_id, title, query, items)
VALUES ($1,$2,$3,$4,$5)
RETURNING created_at
`, rec.ID, tenantID, title, query, []byte(items)).Scan(&rec.CreatedAt)
	if err != nil {
		return TimelineRecord{}, err
	}
	return rec, nil
}

func (s *Store) GetTimeline(ctx context.Context, id string, tenantID int64) (TimelineRecord, bool, error) {
	var rec TimelineRecord
	var items []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT id, tenant_id, title, query, items, created_at FROM timelines WHERE id=$1 AND tenant_id=$2
`, id, tenantID).Scan(&rec.ID, &rec.TenantID, &rec.Title, &rec.Query, &items, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return TimelineRecord{}, false, nil
	}
	if err != nil {
		return TimelineRecord{}, false, err
	}
	rec.Items = json.RawMessage(items)
	return rec, true, nil
}

func (s *Store) ListTimelines(ctx context.Context, tenantID int64, limit int) ([]TimelineRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, tenant_id, title, query, items, created_at
FROM timelines WHERE tenant_id=$1 ORDER BY created_at DESC LIMIT $2
`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRecord
	for rows.Next() {
		var rec TimelineRecord
		var items []byte
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Title, &rec.Query, &items, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Items = json.RawMessage(items)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Schedule operations

// CreateSchedule registers a recurring re-index. NextRunAt must be
// precomputed from the cron spec by the caller.
func (s *Store) CreateSchedule(ctx context.Context, rec ScheduleRecord) (ScheduleRecord, error) {
	if rec.CronSpec == "" {
		return ScheduleRecord{}, fmt.Errorf("cron_spec required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ChatIDs == nil {
		rec.ChatIDs = []int64{}
	}
	rec.Enabled = true
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO index_schedules (id, tenant_id, chat_ids, cron_spec, enabled, next_run_at)
VALUES ($1,$2,$3,$4,TRUE,$5)
RETURNING created_at
`, rec.ID, rec.TenantID, pq.Array(rec.ChatIDs), rec.CronSpec, rec.NextRunAt).Scan(&rec.CreatedAt)
	if err != nil {
		return ScheduleRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListSchedules(ctx context.Context, tenantID int64) ([]ScheduleRecord, error) {
	return s.querySchedules(ctx, `
SELECT id, tenant_id, chat_ids, cron_spec, enabled, last_run_at, next_run_at, created_at
FROM index_schedules WHERE tenant_id=$1 ORDER BY created_at DESC
`, tenantID)
}

// ListDueSchedules returns enabled schedules whose next run is at or before
// the supplied instant.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]ScheduleRecord, error) {
	return s.querySchedules(ctx, `
SELECT id, tenant_id, chat_ids, cron_spec, enabled, last_run_at, next_run_at, created_at
FROM index_schedules
WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
ORDER BY next_run_at
`, now)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...interface{}) ([]ScheduleRecord, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduleRecord
	for rows.Next() {
		var (
			rec     ScheduleRecord
			chatIDs pq.Int64Array
			lastRun sql.NullTime
			nextRun sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &chatIDs, &rec.CronSpec, &rec.Enabled, &lastRun, &nextRun, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ChatIDs = []int64(chatIDs)
		if lastRun.Valid {
			rec.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			rec.NextRunAt = &nextRun.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkScheduleRun stamps a schedule after triggering it and plants the next
// due time.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE index_schedules SET last_run_at=NOW(), next_run_at=$2 WHERE id=$1
`, id, nextRun)
	return err
}

func (s *Store) DeleteSchedule(ctx context.Context, id string, tenantID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM index_schedules WHERE id=$1 AND tenant_id=$2
`, id, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
