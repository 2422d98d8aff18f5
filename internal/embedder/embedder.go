// Package embedder turns chunked messages into stored vectors. Chunks are
// batched across messages for the provider, but persistence stays per
// message: a message lands with all of its chunks and embeddings in one
// transaction or not at all.
package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/recall/internal/chunker"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/store"
)

const (
	baseRetryDelay = 200 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	persistTimeout = 30 * time.Second
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	SaveMessageChunks(ctx context.Context, tenantID int64, msg store.MessageRecord, chunks []store.ChunkRecord) (int64, error)
	EmbeddedChunkIndexes(ctx context.Context, chatID, messageID int64) (map[int]struct{}, error)
}

// Provider is the embedding surface the pipeline needs.
type Provider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingDimension() int
}

// Config tunes batching and retry behaviour.
type Config struct {
	BatchSize    int // max chunks per provider call
	Concurrency  int // parallel provider calls
	MaxRetries   int // retries per batch for transient failures
	QueueCeiling int // bounded intake queue, producers block beyond it
}

// Task is one message with its chunks, ready for embedding.
type Task struct {
	TenantID int64
	Msg      store.MessageRecord
	Chunks   []chunker.Chunk
}

// Result summarises one pipeline run.
type Result struct {
	MessagesCompleted int
	MessagesFailed    int
	MessagesCanceled  int
	EmbeddingsCreated int
	EmbeddingsSkipped int
}

// Pipeline embeds and persists chunked messages.
type Pipeline struct {
	cfg      Config
	provider Provider
	store    Store
	logger   *log.Logger
}

func New(cfg Config, provider Provider, st Store, logger *log.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.QueueCeiling <= 0 {
		cfg.QueueCeiling = cfg.BatchSize * cfg.Concurrency * 2
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	return &Pipeline{cfg: cfg, provider: provider, store: st, logger: logger}
}

// unit is one chunk moving through the pipeline.
type unit struct {
	task *taskState
	idx  int
	vec  []float32
	skip bool
	err  error
}

type taskState struct {
	t         Task
	remaining int
	units     []*unit
}

// Run drains tasks until the channel closes, embedding and persisting each
// message. Cancelling ctx stops new provider batches; batches already in
// flight finish and their messages are persisted. Progress increments are
// reported per message through onProgress.
func (p *Pipeline) Run(ctx context.Context, tasks <-chan Task, onProgress func(store.JobProgress)) (Result, error) {
	units := make(chan *unit, p.cfg.QueueCeiling)
	batches := make(chan []*unit, p.cfg.Concurrency)
	done := make(chan *unit, p.cfg.QueueCeiling)
	intakeDone := make(chan struct{})

	go p.intake(ctx, tasks, units, done, intakeDone)

	go func() {
		batch := make([]*unit, 0, p.cfg.BatchSize)
		for u := range units {
			batch = append(batch, u)
			if len(batch) == p.cfg.BatchSize {
				batches <- batch
				batch = make([]*unit, 0, p.cfg.BatchSize)
			}
		}
		if len(batch) > 0 {
			batches <- batch
		}
		close(batches)
	}()

	var g errgroup.Group
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			for batch := range batches {
				if ctx.Err() != nil {
					for _, u := range batch {
						u.err = ctx.Err()
					}
				} else {
					p.embedUnits(ctx, batch)
				}
				for _, u := range batch {
					done <- u
				}
			}
			return nil
		})
	}

	go func() {
		<-intakeDone
		_ = g.Wait()
		close(done)
	}()

	var res Result
	for u := range done {
		st := u.task
		st.remaining--
		if st.remaining > 0 {
			continue
		}
		p.finishTask(ctx, st, &res, onProgress)
	}
	return res, ctx.Err()
}

// intake expands tasks into units, resolving already-embedded chunks without
// a provider call. Every unit eventually arrives on done exactly once.
func (p *Pipeline) intake(ctx context.Context, tasks <-chan Task, units chan<- *unit, done chan<- *unit, intakeDone chan struct{}) {
	defer close(intakeDone)
	defer close(units)

	for t := range tasks {
		if len(t.Chunks) == 0 {
			// Nothing to embed; still register visibility for the tenant.
			st := &taskState{t: t, remaining: 1}
			u := &unit{task: st, idx: -1, skip: true}
			st.units = []*unit{u}
			done <- u
			continue
		}

		st := &taskState{t: t, remaining: len(t.Chunks)}
		st.units = make([]*unit, len(t.Chunks))

		embedded, err := p.store.EmbeddedChunkIndexes(ctx, t.Msg.ChatID, t.Msg.MessageID)
		if err != nil {
			p.logger.Printf("dedup check failed for chat %d message %d: %v", t.Msg.ChatID, t.Msg.MessageID, err)
		}

		for i := range t.Chunks {
			u := &unit{task: st, idx: i}
			if _, ok := embedded[t.Chunks[i].Meta.ChunkIndex]; ok {
				u.skip = true
			}
			st.units[i] = u
		}
		// Queue fresh chunks for the provider; resolved skips go straight
		// through.
		for _, u := range st.units {
			if u.skip {
				done <- u
				continue
			}
			select {
			case units <- u:
			case <-ctx.Done():
				u.err = ctx.Err()
				done <- u
			}
		}
	}
}

// embedUnits embeds one batch, splitting it in half when the provider
// rejects the payload size, and stamps every unit with a vector or an error.
func (p *Pipeline) embedUnits(ctx context.Context, batch []*unit) {
	texts := make([]string, len(batch))
	for i, u := range batch {
		texts[i] = u.task.t.Chunks[u.idx].Text
	}

	vecs, err := p.embedWithRetry(ctx, texts)
	if err != nil {
		if fault.IsKind(err, fault.PayloadTooLarge) && len(batch) > 1 {
			mid := len(batch) / 2
			p.embedUnits(ctx, batch[:mid])
			p.embedUnits(ctx, batch[mid:])
			return
		}
		for _, u := range batch {
			u.err = err
		}
		return
	}

	if dim := p.provider.EmbeddingDimension(); dim > 0 {
		for _, vec := range vecs {
			if len(vec) != dim {
				err := fault.Errorf(fault.Internal, "embedding dimension mismatch: want %d, got %d", dim, len(vec))
				for _, u := range batch {
					u.err = err
				}
				return
			}
		}
	}
	for i, u := range batch {
		u.vec = vecs[i]
	}
}

// embedWithRetry calls the provider with exponential backoff and jitter for
// transient failures, honoring rate-limit hints. The call itself survives a
// cancel so in-flight work can be persisted; the retry loop does not.
func (p *Pipeline) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	detached := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay(attempt, lastErr)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		vecs, err := p.provider.CreateEmbedding(detached, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !fault.Transient(err) {
			return nil, err
		}
		p.logger.Printf("embedding attempt %d/%d failed: %v", attempt+1, p.cfg.MaxRetries+1, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func retryDelay(attempt int, err error) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	if hint := fault.RetryAfterOf(err); hint > delay {
		delay = hint
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}

// finishTask persists or fails a fully resolved message and reports its
// progress increments.
func (p *Pipeline) finishTask(ctx context.Context, st *taskState, res *Result, onProgress func(store.JobProgress)) {
	var (
		fresh    []store.ChunkRecord
		skipped  int
		failed   int
		canceled int
	)
	for _, u := range st.units {
		switch {
		case u.err != nil && (errors.Is(u.err, context.Canceled) || errors.Is(u.err, context.DeadlineExceeded)):
			canceled++
		case u.err != nil:
			failed++
		case u.skip:
			if u.idx >= 0 {
				skipped++
			}
		default:
			ch := st.t.Chunks[u.idx]
			meta, err := json.Marshal(ch.Meta)
			if err != nil {
				failed++
				continue
			}
			fresh = append(fresh, store.ChunkRecord{
				Index:    ch.Meta.ChunkIndex,
				Total:    ch.Meta.ChunkTotal,
				Text:     ch.Text,
				Metadata: meta,
				Vector:   u.vec,
			})
		}
	}

	if canceled > 0 && failed == 0 {
		res.MessagesCanceled++
		return
	}
	if failed > 0 {
		res.MessagesFailed++
		p.logger.Printf("message %d in chat %d failed: %d of %d chunks not embedded",
			st.t.Msg.MessageID, st.t.Msg.ChatID, failed, len(st.units))
		if onProgress != nil {
			onProgress(store.JobProgress{MessagesProcessed: 1, EmbeddingsFailed: failed})
		}
		return
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := p.store.SaveMessageChunks(persistCtx, st.t.TenantID, st.t.Msg, fresh); err != nil {
		res.MessagesFailed++
		p.logger.Printf("persist failed for message %d in chat %d: %v", st.t.Msg.MessageID, st.t.Msg.ChatID, err)
		if onProgress != nil {
			onProgress(store.JobProgress{MessagesProcessed: 1, EmbeddingsFailed: len(fresh)})
		}
		return
	}

	res.MessagesCompleted++
	res.EmbeddingsCreated += len(fresh)
	res.EmbeddingsSkipped += skipped
	if onProgress != nil {
		// Skipped chunks reuse stored embeddings and do not advance the
		// completed counter.
		onProgress(store.JobProgress{MessagesProcessed: 1, EmbeddingsCompleted: len(fresh)})
	}
}
