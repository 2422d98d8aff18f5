// Package indexer drives one indexing job through its stages: fetching chat
// history, chunking it, and handing the chunks to the embedding pipeline.
// Job state and counters live in the store so progress survives the worker.
package indexer

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/mohammad-safakhou/recall/internal/chunker"
	"github.com/mohammad-safakhou/recall/internal/embedder"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/store"
)

const (
	cancelPollInterval = 2 * time.Second
	progressTimeout    = 10 * time.Second
	finishTimeout      = 15 * time.Second
)

// ChatHistory is one chat with its newly fetched messages in send order.
type ChatHistory struct {
	Chat     chunker.ChatRef
	Type     string
	Messages []chunker.Message
}

// Fetcher pulls chat history from the Telegram side. sinceID is the highest
// message id already stored; implementations return only newer messages.
type Fetcher interface {
	FetchHistory(ctx context.Context, session string, chatID, sinceID int64) (ChatHistory, error)
}

// SessionSource resolves the tenant's Telegram session for the fetcher.
type SessionSource interface {
	SessionFor(ctx context.Context, tenantID int64) (string, error)
}

// Pipeline embeds and persists chunked messages. Satisfied by
// embedder.Pipeline.
type Pipeline interface {
	Run(ctx context.Context, tasks <-chan embedder.Task, onProgress func(store.JobProgress)) (embedder.Result, error)
}

// Store is the persistence surface the coordinator needs.
type Store interface {
	LoadIndexingJob(ctx context.Context, id string) (store.JobRecord, bool, error)
	SetJobStatus(ctx context.Context, id, status string) error
	FinishJob(ctx context.Context, id, status, errMsg string) error
	AdvanceJobProgress(ctx context.Context, id string, delta store.JobProgress) error
	ResetJobProgress(ctx context.Context, id string) error
	JobCancelRequested(ctx context.Context, id string) (bool, error)
	UpsertChat(ctx context.Context, tenantID, chatID int64, title, chatType string) (store.Chat, error)
	TouchChatIndexed(ctx context.Context, tenantID, chatID int64) error
	GetMessageTexts(ctx context.Context, chatID int64, messageIDs []int64) (map[int64]string, error)
	LatestMessageID(ctx context.Context, chatID int64) (int64, error)
}

// Coordinator runs indexing jobs end to end.
type Coordinator struct {
	store    Store
	fetcher  Fetcher
	sessions SessionSource
	pipeline Pipeline
	chunkCfg chunker.Config
	logger   *log.Logger
}

func New(st Store, fetcher Fetcher, sessions SessionSource, pipeline Pipeline, chunkCfg chunker.Config, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEXER] ", log.LstdFlags)
	}
	return &Coordinator{store: st, fetcher: fetcher, sessions: sessions, pipeline: pipeline, chunkCfg: chunkCfg, logger: logger}
}

// Run executes one job. Domain failures finish the job as failed and return
// nil so the caller can ack; a non-nil error means the job was left live and
// should be redelivered (load failures, shutdown mid-run).
func (c *Coordinator) Run(ctx context.Context, jobID string) error {
	job, ok, err := c.store.LoadIndexingJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return fault.Errorf(fault.NotFound, "job %s not found", jobID)
	}
	if job.Terminal() {
		c.logger.Printf("job %s already %s, skipping", jobID, job.Status)
		return nil
	}
	if job.Status != store.JobStatusPending {
		// Redelivered mid-run; start over with clean counters, dedup keeps
		// the stored data exact.
		c.logger.Printf("job %s resumed from %s", jobID, job.Status)
		if err := c.store.ResetJobProgress(ctx, jobID); err != nil {
			return fmt.Errorf("reset job %s: %w", jobID, err)
		}
	}

	if c.cancelRequested(ctx, jobID) {
		return c.finish(ctx, jobID, store.JobStatusFailed, "canceled")
	}

	session, err := c.sessions.SessionFor(ctx, job.TenantID)
	if err != nil {
		c.logger.Printf("job %s: session unavailable: %v", jobID, err)
		return c.finish(ctx, jobID, store.JobStatusFailed, fmt.Sprintf("telegram session unavailable: %v", err))
	}

	// Fetching
	if err := c.store.SetJobStatus(ctx, jobID, store.JobStatusFetching); err != nil {
		return fmt.Errorf("job %s to fetching: %w", jobID, err)
	}
	histories := make([]ChatHistory, 0, len(job.ChatIDs))
	for _, chatID := range job.ChatIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.cancelRequested(ctx, jobID) {
			return c.finish(ctx, jobID, store.JobStatusFailed, "canceled")
		}
		sinceID, err := c.store.LatestMessageID(ctx, chatID)
		if err != nil {
			return c.finish(ctx, jobID, store.JobStatusFailed, fmt.Sprintf("resolve fetch floor for chat %d: %v", chatID, err))
		}
		hist, err := c.fetcher.FetchHistory(ctx, session, chatID, sinceID)
		if err != nil {
			return c.finish(ctx, jobID, store.JobStatusFailed, fmt.Sprintf("fetch chat %d: %v", chatID, err))
		}
		if _, err := c.store.UpsertChat(ctx, job.TenantID, chatID, hist.Chat.Title, hist.Type); err != nil {
			return c.finish(ctx, jobID, store.JobStatusFailed, fmt.Sprintf("register chat %d: %v", chatID, err))
		}
		histories = append(histories, hist)
		if err := c.store.AdvanceJobProgress(ctx, jobID, store.JobProgress{MessagesTotal: len(hist.Messages)}); err != nil {
			c.logger.Printf("job %s: progress update failed: %v", jobID, err)
		}
		c.logger.Printf("job %s: fetched %d messages from chat %d since id %d", jobID, len(hist.Messages), chatID, sinceID)
	}

	// Chunking
	if c.cancelRequested(ctx, jobID) {
		return c.finish(ctx, jobID, store.JobStatusFailed, "canceled")
	}
	if err := c.store.SetJobStatus(ctx, jobID, store.JobStatusChunking); err != nil {
		return fmt.Errorf("job %s to chunking: %w", jobID, err)
	}
	split := chunker.New(c.chunkCfg)
	var tasks []embedder.Task
	for _, hist := range histories {
		c.resolveReplyTexts(ctx, hist.Chat.ID, hist.Messages)
		chunks := split.Split(hist.Chat, hist.Messages)
		tasks = append(tasks, buildTasks(job.TenantID, hist, chunks)...)
		if err := c.store.AdvanceJobProgress(ctx, jobID, store.JobProgress{ChunksProduced: len(chunks)}); err != nil {
			c.logger.Printf("job %s: progress update failed: %v", jobID, err)
		}
	}

	// Embedding
	if c.cancelRequested(ctx, jobID) {
		return c.finish(ctx, jobID, store.JobStatusFailed, "canceled")
	}
	if err := c.store.SetJobStatus(ctx, jobID, store.JobStatusEmbedding); err != nil {
		return fmt.Errorf("job %s to embedding: %w", jobID, err)
	}

	embedCtx, stopEmbed := context.WithCancel(ctx)
	defer stopEmbed()
	var jobCanceled atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		tick := time.NewTicker(cancelPollInterval)
		defer tick.Stop()
		for {
			select {
			case <-embedCtx.Done():
				return
			case <-tick.C:
				if c.cancelRequested(embedCtx, jobID) {
					jobCanceled.Store(true)
					stopEmbed()
					return
				}
			}
		}
	}()

	feed := make(chan embedder.Task)
	go func() {
		defer close(feed)
		for _, t := range tasks {
			select {
			case feed <- t:
			case <-embedCtx.Done():
				return
			}
		}
	}()

	res, runErr := c.pipeline.Run(embedCtx, feed, func(delta store.JobProgress) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressTimeout)
		defer cancel()
		if err := c.store.AdvanceJobProgress(pctx, jobID, delta); err != nil {
			c.logger.Printf("job %s: progress update failed: %v", jobID, err)
		}
	})
	stopEmbed()
	<-watchDone

	if jobCanceled.Load() {
		c.logger.Printf("job %s canceled during embedding: %d persisted, %d abandoned", jobID, res.MessagesCompleted, res.MessagesCanceled)
		return c.finish(ctx, jobID, store.JobStatusFailed, "canceled")
	}
	if runErr != nil {
		// Shutdown mid-embedding; leave the job live for redelivery.
		return fmt.Errorf("job %s embedding interrupted: %w", jobID, runErr)
	}

	for _, hist := range histories {
		if err := c.store.TouchChatIndexed(ctx, job.TenantID, hist.Chat.ID); err != nil {
			c.logger.Printf("job %s: touch chat %d: %v", jobID, hist.Chat.ID, err)
		}
	}

	c.logger.Printf("job %s completed: %d messages, %d embedded, %d reused, %d failed",
		jobID, res.MessagesCompleted, res.EmbeddingsCreated, res.EmbeddingsSkipped, res.MessagesFailed)
	return c.finish(ctx, jobID, store.JobStatusCompleted, "")
}

// resolveReplyTexts fills ReplyToText from the fetched batch first and falls
// back to stored messages for parents older than the batch.
func (c *Coordinator) resolveReplyTexts(ctx context.Context, chatID int64, msgs []chunker.Message) {
	inBatch := make(map[int64]string, len(msgs))
	for i := range msgs {
		inBatch[msgs[i].Sequence] = msgs[i].Text
	}
	var missing []int64
	seen := make(map[int64]struct{})
	for i := range msgs {
		parent := msgs[i].ReplyToSequence
		if parent == 0 || msgs[i].ReplyToText != "" {
			continue
		}
		if text, ok := inBatch[parent]; ok {
			msgs[i].ReplyToText = text
			continue
		}
		if _, dup := seen[parent]; !dup {
			seen[parent] = struct{}{}
			missing = append(missing, parent)
		}
	}
	if len(missing) == 0 {
		return
	}
	stored, err := c.store.GetMessageTexts(ctx, chatID, missing)
	if err != nil {
		c.logger.Printf("reply lookback failed for chat %d: %v", chatID, err)
		return
	}
	for i := range msgs {
		if msgs[i].ReplyToSequence != 0 && msgs[i].ReplyToText == "" {
			msgs[i].ReplyToText = stored[msgs[i].ReplyToSequence]
		}
	}
}

// buildTasks groups chunks under their primary message and emits a bare task
// for every other fetched message so its raw text and tenant visibility land
// too.
func buildTasks(tenantID int64, hist ChatHistory, chunks []chunker.Chunk) []embedder.Task {
	byPrimary := make(map[int64][]chunker.Chunk)
	for _, ch := range chunks {
		byPrimary[ch.Meta.Sequence] = append(byPrimary[ch.Meta.Sequence], ch)
	}
	tasks := make([]embedder.Task, 0, len(hist.Messages))
	for _, m := range hist.Messages {
		tasks = append(tasks, embedder.Task{
			TenantID: tenantID,
			Msg: store.MessageRecord{
				ChatID:           hist.Chat.ID,
				MessageID:        m.Sequence,
				SenderID:         m.AuthorID,
				SenderName:       m.AuthorName,
				SenderUsername:   m.AuthorHandle,
				SentAt:           m.Timestamp,
				Text:             m.Text,
				ReplyToMessageID: m.ReplyToSequence,
			},
			Chunks: byPrimary[m.Sequence],
		})
	}
	return tasks
}

func (c *Coordinator) cancelRequested(ctx context.Context, jobID string) bool {
	requested, err := c.store.JobCancelRequested(ctx, jobID)
	if err != nil {
		c.logger.Printf("job %s: cancel check failed: %v", jobID, err)
		return false
	}
	return requested
}

func (c *Coordinator) finish(ctx context.Context, jobID, status, errMsg string) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := c.store.FinishJob(fctx, jobID, status, errMsg); err != nil {
		return fmt.Errorf("finish job %s as %s: %w", jobID, status, err)
	}
	if errMsg != "" {
		c.logger.Printf("job %s finished %s: %s", jobID, status, errMsg)
	}
	return nil
}
