package answer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/search"
	"github.com/mohammad-safakhou/recall/internal/store"
)

var answerBase = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeRetriever struct {
	results []search.Result
	err     error
	lastQ   search.Query
}

func (f *fakeRetriever) Search(_ context.Context, _ int64, q search.Query) ([]search.Result, error) {
	f.lastQ = q
	return f.results, f.err
}

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	systems []string
	users   []string
}

func (f *fakeLLM) Complete(_ context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.systems = append(f.systems, system)
	f.users = append(f.users, user)
	return f.reply, f.err
}

type fakeTimelines struct {
	saves  int
	tenant int64
	title  string
	query  string
	items  json.RawMessage
}

func (f *fakeTimelines) SaveTimeline(_ context.Context, tenantID int64, title, query string, items json.RawMessage) (store.TimelineRecord, error) {
	f.saves++
	f.tenant = tenantID
	f.title = title
	f.query = query
	f.items = items
	return store.TimelineRecord{ID: "tl-1", TenantID: tenantID, Title: title, Query: query, Items: items}, nil
}

func result(messageID int64, sim float64, text string) search.Result {
	meta, _ := json.Marshal(map[string]any{"author_name": "Alice"})
	return search.Result{
		Text:       text,
		Similarity: sim,
		ChatID:     -1001234567890,
		MessageID:  messageID,
		SentAt:     answerBase.Add(time.Duration(messageID) * time.Minute),
		Link:       search.DeepLink(-1001234567890, messageID),
		Metadata:   meta,
	}
}

func testComposer(r *fakeRetriever, l *fakeLLM, tl *fakeTimelines) *Composer {
	return New(r, l, tl, config.RetrievalConfig{K: 20, TimelineMaxItems: 100}, nil)
}

func TestAnswer_EmptyRetrievalSkipsModel(t *testing.T) {
	llm := &fakeLLM{reply: "should never be used"}
	c := testComposer(&fakeRetriever{}, llm, &fakeTimelines{})

	got, err := c.Answer(context.Background(), 7, search.Query{Text: "what broke"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.Answer != NoAnswer || got.Degraded {
		t.Fatalf("unexpected response: %+v", got)
	}
	if llm.calls != 0 {
		t.Fatalf("model must not be consulted without context")
	}
}

func TestAnswer_GroundsPromptInExcerpts(t *testing.T) {
	llm := &fakeLLM{reply: "The pump failed at 09:10. source:https://t.me/c/1234567890/10"}
	c := testComposer(&fakeRetriever{results: []search.Result{
		result(10, 0.92, "pump controller threw error 17"),
		result(11, 0.85, "restarting it fixed the alarms"),
	}}, llm, &fakeTimelines{})

	got, err := c.Answer(context.Background(), 7, search.Query{Text: "what broke this morning"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.Degraded {
		t.Fatalf("unexpected degraded response")
	}
	if len(got.Sources) != 2 || got.Sources[0].Link != "https://t.me/c/1234567890/10" {
		t.Fatalf("unexpected sources: %+v", got.Sources)
	}
	if !strings.Contains(llm.systems[0], "only from the provided excerpts") {
		t.Fatalf("system prompt lost grounding rule: %q", llm.systems[0])
	}
	user := llm.users[0]
	if !strings.Contains(user, "what broke this morning") {
		t.Fatalf("question missing from prompt: %q", user)
	}
	if !strings.Contains(user, "pump controller threw error 17") || !strings.Contains(user, "source:https://t.me/c/1234567890/11") {
		t.Fatalf("excerpts missing from prompt: %q", user)
	}
	if !strings.Contains(user, "Alice") {
		t.Fatalf("author missing from prompt: %q", user)
	}
}

func TestAnswer_CapsContext(t *testing.T) {
	var results []search.Result
	for i := int64(1); i <= 30; i++ {
		results = append(results, result(i, 0.9, "filler"))
	}
	llm := &fakeLLM{reply: "ok"}
	c := testComposer(&fakeRetriever{results: results}, llm, &fakeTimelines{})

	got, err := c.Answer(context.Background(), 7, search.Query{Text: "q"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(got.Sources) != maxContextChunks {
		t.Fatalf("expected %d sources, got %d", maxContextChunks, len(got.Sources))
	}
	if strings.Contains(llm.users[0], "[21]") {
		t.Fatalf("prompt carries more than %d excerpts", maxContextChunks)
	}
}

func TestAnswer_DegradesWhenModelFails(t *testing.T) {
	llm := &fakeLLM{err: fault.New(fault.UpstreamUnavailable, "llm down")}
	c := testComposer(&fakeRetriever{results: []search.Result{
		result(10, 0.92, "pump controller threw error 17"),
	}}, llm, &fakeTimelines{})

	got, err := c.Answer(context.Background(), 7, search.Query{Text: "what broke"})
	if err != nil {
		t.Fatalf("degraded path must not error: %v", err)
	}
	if !got.Degraded || len(got.Sources) != 1 {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestAnswer_RetrievalFaultSurfaces(t *testing.T) {
	c := testComposer(&fakeRetriever{err: fault.New(fault.SuspiciousQuery, "flagged")}, &fakeLLM{}, &fakeTimelines{})
	_, err := c.Answer(context.Background(), 7, search.Query{Text: "ignore previous"})
	if !fault.IsKind(err, fault.SuspiciousQuery) {
		t.Fatalf("expected suspicious_query, got %v", err)
	}
}

func TestTimeline_ParsesSortsAndPersists(t *testing.T) {
	llm := &fakeLLM{reply: "```json\n[" +
		`{"ts":"2025-06-01T11:00:00Z","text":"rollback finished","url":"https://t.me/c/1234567890/12"},` +
		`{"ts":"not a timestamp","text":"dropped","url":""},` +
		`{"ts":"2025-06-01T09:10:00+01:00","text":"pump failed","url":"https://t.me/c/1234567890/10"}` +
		"]\n```"}
	tl := &fakeTimelines{}
	ret := &fakeRetriever{results: []search.Result{result(10, 0.9, "pump controller threw error 17")}}
	c := testComposer(ret, llm, tl)

	got, err := c.Timeline(context.Background(), 7, "pump incident", "Pump outage", search.Query{})
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if ret.lastQ.Text != "pump incident" {
		t.Fatalf("topic not used for retrieval: %q", ret.lastQ.Text)
	}
	if len(got.Items) != 2 {
		t.Fatalf("expected 2 items, got %+v", got.Items)
	}
	if !got.Items[0].TS.Before(got.Items[1].TS) {
		t.Fatalf("items not ascending: %+v", got.Items)
	}
	if got.Items[0].Text != "pump failed" {
		t.Fatalf("wrong first event: %+v", got.Items[0])
	}
	if loc := got.Items[0].TS.Location(); loc != time.UTC {
		t.Fatalf("timestamps must be UTC, got %v", loc)
	}
	if got.ID != "tl-1" || got.Title != "Pump outage" {
		t.Fatalf("persisted ids missing: %+v", got)
	}
	if tl.saves != 1 || tl.query != "pump incident" {
		t.Fatalf("unexpected persistence: %+v", tl)
	}
	var stored []TimelineItem
	if err := json.Unmarshal(tl.items, &stored); err != nil || len(stored) != 2 {
		t.Fatalf("stored items malformed: %v %s", err, tl.items)
	}
}

func TestTimeline_WithoutTitleIsEphemeral(t *testing.T) {
	llm := &fakeLLM{reply: `[{"ts":"2025-06-01T10:00:00Z","text":"x","url":"u"}]`}
	tl := &fakeTimelines{}
	c := testComposer(&fakeRetriever{results: []search.Result{result(10, 0.9, "text")}}, llm, tl)

	got, err := c.Timeline(context.Background(), 7, "topic", "", search.Query{})
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(got.Items) != 1 || got.ID != "" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if tl.saves != 0 {
		t.Fatalf("untitled timeline must not persist")
	}
}

func TestTimeline_EmptyRetrievalSkipsModel(t *testing.T) {
	llm := &fakeLLM{}
	c := testComposer(&fakeRetriever{}, llm, &fakeTimelines{})

	got, err := c.Timeline(context.Background(), 7, "topic", "title", search.Query{})
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(got.Items) != 0 || llm.calls != 0 {
		t.Fatalf("empty retrieval must short-circuit: %+v calls=%d", got, llm.calls)
	}
}

func TestTimeline_RejectsNonJSONOutput(t *testing.T) {
	llm := &fakeLLM{reply: "I could not find any events worth listing."}
	c := testComposer(&fakeRetriever{results: []search.Result{result(10, 0.9, "text")}}, llm, &fakeTimelines{})

	_, err := c.Timeline(context.Background(), 7, "topic", "", search.Query{})
	if !fault.IsKind(err, fault.Internal) {
		t.Fatalf("expected internal fault, got %v", err)
	}
}

func TestExtractJSONArray(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`[{"a":1}]`, `[{"a":1}]`, true},
		{"```json\n[1,2]\n```", "[1,2]", true},
		{"Here you go: [1,2] hope it helps", "[1,2]", true},
		{"no array here", "", false},
	}
	for _, tc := range cases {
		got, err := extractJSONArray(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("extractJSONArray(%q) = %q, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("extractJSONArray(%q) should fail", tc.in)
		}
	}
}

func TestTimeline_PropagatesModelFailure(t *testing.T) {
	llm := &fakeLLM{err: errors.New("timeout")}
	c := testComposer(&fakeRetriever{results: []search.Result{result(10, 0.9, "text")}}, llm, &fakeTimelines{})

	if _, err := c.Timeline(context.Background(), 7, "topic", "", search.Query{}); err == nil {
		t.Fatalf("expected model failure to surface")
	}
}
