package embedder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/recall/internal/chunker"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/store"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls [][]string
	dim   int
	fn    func(call int, texts []string) ([][]float32, error)
}

func (f *fakeProvider) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(call, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeProvider) EmbeddingDimension() int { return f.dim }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type savedMessage struct {
	tenantID int64
	msg      store.MessageRecord
	chunks   []store.ChunkRecord
}

type fakeStore struct {
	mu       sync.Mutex
	saved    []savedMessage
	embedded map[int64]map[int]struct{}
	saveErr  error
}

func (f *fakeStore) SaveMessageChunks(_ context.Context, tenantID int64, msg store.MessageRecord, chunks []store.ChunkRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.saved = append(f.saved, savedMessage{tenantID: tenantID, msg: msg, chunks: chunks})
	return int64(len(f.saved)), nil
}

func (f *fakeStore) EmbeddedChunkIndexes(_ context.Context, _, messageID int64) (map[int]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.embedded[messageID]; ok {
		return set, nil
	}
	return map[int]struct{}{}, nil
}

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func makeTask(tenantID, chatID, messageID int64, texts ...string) Task {
	chunks := make([]chunker.Chunk, len(texts))
	for i, txt := range texts {
		chunks[i] = chunker.Chunk{
			Text: txt,
			Meta: chunker.Metadata{Sequence: messageID, ChunkIndex: i, ChunkTotal: len(texts)},
		}
	}
	return Task{
		TenantID: tenantID,
		Msg:      store.MessageRecord{ChatID: chatID, MessageID: messageID, Text: "", SentAt: time.Unix(1748772000, 0).UTC()},
		Chunks:   chunks,
	}
}

func feed(tasks ...Task) <-chan Task {
	ch := make(chan Task, len(tasks))
	for _, t := range tasks {
		ch <- t
	}
	close(ch)
	return ch
}

func TestRun_EmbedsAndPersistsPerMessage(t *testing.T) {
	prov := &fakeProvider{}
	st := &fakeStore{}
	p := New(Config{BatchSize: 2, Concurrency: 2}, prov, st, nil)

	var mu sync.Mutex
	var total store.JobProgress
	onProgress := func(d store.JobProgress) {
		mu.Lock()
		defer mu.Unlock()
		total.MessagesProcessed += d.MessagesProcessed
		total.EmbeddingsCompleted += d.EmbeddingsCompleted
		total.EmbeddingsFailed += d.EmbeddingsFailed
	}

	res, err := p.Run(context.Background(), feed(
		makeTask(1, 100, 1, "first chunk", "second chunk"),
		makeTask(1, 100, 2, "third chunk"),
	), onProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessagesCompleted != 2 || res.EmbeddingsCreated != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if st.savedCount() != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", st.savedCount())
	}
	if total.MessagesProcessed != 2 || total.EmbeddingsCompleted != 3 || total.EmbeddingsFailed != 0 {
		t.Fatalf("unexpected progress: %+v", total)
	}
	for _, s := range st.saved {
		if s.tenantID != 1 {
			t.Fatalf("wrong tenant: %d", s.tenantID)
		}
		for _, c := range s.chunks {
			if len(c.Vector) != 3 {
				t.Fatalf("chunk persisted without vector: %+v", c)
			}
			if len(c.Metadata) == 0 {
				t.Fatalf("chunk persisted without metadata")
			}
		}
	}
}

func TestRun_BatchesAcrossMessages(t *testing.T) {
	prov := &fakeProvider{}
	st := &fakeStore{}
	p := New(Config{BatchSize: 4, Concurrency: 1}, prov, st, nil)

	_, err := p.Run(context.Background(), feed(
		makeTask(1, 100, 1, "a", "b"),
		makeTask(1, 100, 2, "c", "d"),
	), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prov.callCount() != 1 {
		t.Fatalf("expected a single batched call, got %d", prov.callCount())
	}
	if got := len(prov.calls[0]); got != 4 {
		t.Fatalf("expected 4 texts in batch, got %d", got)
	}
}

func TestRun_SkipsAlreadyEmbeddedChunks(t *testing.T) {
	prov := &fakeProvider{}
	st := &fakeStore{embedded: map[int64]map[int]struct{}{
		7: {0: {}, 1: {}},
	}}
	p := New(Config{BatchSize: 8, Concurrency: 1}, prov, st, nil)

	var total store.JobProgress
	var mu sync.Mutex
	res, err := p.Run(context.Background(), feed(makeTask(2, 100, 7, "done before", "also done")), func(d store.JobProgress) {
		mu.Lock()
		defer mu.Unlock()
		total.MessagesProcessed += d.MessagesProcessed
		total.EmbeddingsCompleted += d.EmbeddingsCompleted
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prov.callCount() != 0 {
		t.Fatalf("expected no provider calls, got %d", prov.callCount())
	}
	if res.EmbeddingsSkipped != 2 || res.MessagesCompleted != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// The message is still persisted so tenant visibility lands, but with no
	// fresh chunks and no completed-counter movement.
	if st.savedCount() != 1 || len(st.saved[0].chunks) != 0 {
		t.Fatalf("expected membership-only persist, got %+v", st.saved)
	}
	if total.EmbeddingsCompleted != 0 || total.MessagesProcessed != 1 {
		t.Fatalf("unexpected progress: %+v", total)
	}
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	prov := &fakeProvider{}
	prov.fn = func(call int, texts []string) ([][]float32, error) {
		if call < 2 {
			return nil, fault.New(fault.UpstreamUnavailable, "upstream hiccup")
		}
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{0, 1}
		}
		return out, nil
	}
	st := &fakeStore{}
	p := New(Config{BatchSize: 4, Concurrency: 1, MaxRetries: 5}, prov, st, nil)

	res, err := p.Run(context.Background(), feed(makeTask(1, 100, 1, "retry me")), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prov.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", prov.callCount())
	}
	if res.MessagesCompleted != 1 || res.MessagesFailed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRun_PermanentFailureDoesNotRetry(t *testing.T) {
	prov := &fakeProvider{}
	prov.fn = func(int, []string) ([][]float32, error) {
		return nil, fault.New(fault.Internal, "provider rejected credentials")
	}
	st := &fakeStore{}
	p := New(Config{BatchSize: 4, Concurrency: 1, MaxRetries: 5}, prov, st, nil)

	var total store.JobProgress
	var mu sync.Mutex
	res, err := p.Run(context.Background(), feed(makeTask(1, 100, 1, "a", "b")), func(d store.JobProgress) {
		mu.Lock()
		defer mu.Unlock()
		total.MessagesProcessed += d.MessagesProcessed
		total.EmbeddingsFailed += d.EmbeddingsFailed
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prov.callCount() != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", prov.callCount())
	}
	if res.MessagesFailed != 1 || st.savedCount() != 0 {
		t.Fatalf("unexpected outcome: %+v saved=%d", res, st.savedCount())
	}
	if total.EmbeddingsFailed != 2 || total.MessagesProcessed != 1 {
		t.Fatalf("unexpected progress: %+v", total)
	}
}

func TestRun_SplitsOversizedBatches(t *testing.T) {
	prov := &fakeProvider{}
	prov.fn = func(_ int, texts []string) ([][]float32, error) {
		if len(texts) > 1 {
			return nil, fault.New(fault.PayloadTooLarge, "batch too large")
		}
		return [][]float32{{1}}, nil
	}
	st := &fakeStore{}
	p := New(Config{BatchSize: 4, Concurrency: 1}, prov, st, nil)

	res, err := p.Run(context.Background(), feed(makeTask(1, 100, 1, "a", "b", "c", "d")), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessagesCompleted != 1 || res.EmbeddingsCreated != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// One rejected call of 4, two rejected calls of 2, four singles.
	if prov.callCount() != 7 {
		t.Fatalf("expected 7 provider calls, got %d", prov.callCount())
	}
}

func TestRun_SingleChunkTooLargeFailsMessage(t *testing.T) {
	prov := &fakeProvider{}
	prov.fn = func(int, []string) ([][]float32, error) {
		return nil, fault.New(fault.PayloadTooLarge, "string too long")
	}
	st := &fakeStore{}
	p := New(Config{BatchSize: 4, Concurrency: 1}, prov, st, nil)

	res, err := p.Run(context.Background(), feed(makeTask(1, 100, 1, "oversized")), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessagesFailed != 1 || st.savedCount() != 0 {
		t.Fatalf("unexpected outcome: %+v saved=%d", res, st.savedCount())
	}
	if prov.callCount() != 1 {
		t.Fatalf("single-chunk batch cannot split, got %d calls", prov.callCount())
	}
}

func TestRun_DimensionMismatchFailsBatch(t *testing.T) {
	prov := &fakeProvider{dim: 3}
	prov.fn = func(_ int, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 2}
		}
		return out, nil
	}
	st := &fakeStore{}
	p := New(Config{BatchSize: 4, Concurrency: 1}, prov, st, nil)

	res, err := p.Run(context.Background(), feed(makeTask(1, 100, 1, "a", "b")), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessagesFailed != 1 || st.savedCount() != 0 {
		t.Fatalf("unexpected outcome: %+v saved=%d", res, st.savedCount())
	}
}

func TestRun_CancelSkipsQueuedWork(t *testing.T) {
	prov := &fakeProvider{}
	st := &fakeStore{}
	p := New(Config{BatchSize: 1, Concurrency: 1}, prov, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	var mu sync.Mutex
	res, err := p.Run(ctx, feed(
		makeTask(1, 100, 1, "a"),
		makeTask(1, 100, 2, "b"),
	), func(store.JobProgress) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if res.MessagesCanceled != 2 || res.MessagesCompleted != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if prov.callCount() != 0 || st.savedCount() != 0 {
		t.Fatalf("canceled run must not call out or persist")
	}
	if calls != 0 {
		t.Fatalf("canceled messages must not report progress, got %d calls", calls)
	}
}

func TestRun_PersistFailureCountsAsFailed(t *testing.T) {
	prov := &fakeProvider{}
	st := &fakeStore{saveErr: errors.New("disk full")}
	p := New(Config{BatchSize: 4, Concurrency: 1}, prov, st, nil)

	var total store.JobProgress
	var mu sync.Mutex
	res, err := p.Run(context.Background(), feed(makeTask(1, 100, 1, "a", "b")), func(d store.JobProgress) {
		mu.Lock()
		defer mu.Unlock()
		total.MessagesProcessed += d.MessagesProcessed
		total.EmbeddingsFailed += d.EmbeddingsFailed
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessagesFailed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if total.EmbeddingsFailed != 2 {
		t.Fatalf("unexpected progress: %+v", total)
	}
}

func TestRetryDelay_HonorsRateLimitHint(t *testing.T) {
	err := &fault.Error{Kind: fault.RateLimited, Msg: "slow down", RetryAfter: 2 * time.Second}
	d := retryDelay(1, err)
	if d < 2*time.Second {
		t.Fatalf("expected at least the advertised delay, got %v", d)
	}
	if d > 3*time.Second {
		t.Fatalf("jitter out of range: %v", d)
	}
}

func TestRetryDelay_CapsExponentialGrowth(t *testing.T) {
	err := fault.New(fault.UpstreamUnavailable, "down")
	for attempt := 1; attempt <= 10; attempt++ {
		if d := retryDelay(attempt, err); d > maxRetryDelay+maxRetryDelay/2 {
			t.Fatalf("attempt %d delay %v exceeds cap", attempt, d)
		}
	}
}
