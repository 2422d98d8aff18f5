// Package answer grounds LLM output in retrieved chat history. The composer
// never lets the model answer from its own knowledge: prompts carry the
// retrieved excerpts with their deep links, and a failed completion falls
// back to returning the excerpts themselves.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/chunker"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/search"
	"github.com/mohammad-safakhou/recall/internal/store"
)

const (
	maxContextChunks  = 20
	maxTimelineChunks = 50
	// maxExcerptChars guards the prompt budget if chunk sizes are ever
	// configured larger than the default.
	maxExcerptChars = 700
)

const answerSystemPrompt = `You answer questions about a Telegram chat history.
Answer only from the provided excerpts. Cite each fact with source:<url> using the link of the excerpt it came from.
If the excerpts do not contain the answer, say that the history has no answer.`

const timelineSystemPrompt = `You extract event timelines from Telegram chat history excerpts.
Respond with a JSON array only, no prose. Each element is {"ts": "<RFC3339 timestamp>", "text": "<short event description>", "url": "<source link>"}.
Use only the provided excerpts, take ts from the excerpt timestamps and url from the excerpt links.`

// NoAnswer is returned without consulting the model when retrieval comes
// back empty.
const NoAnswer = "no relevant messages found"

// Retriever is the search surface the composer needs. Satisfied by
// search.Engine.
type Retriever interface {
	Search(ctx context.Context, tenantID int64, q search.Query) ([]search.Result, error)
}

// LLM is the completion surface the composer needs.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Timelines persists extracted timelines.
type Timelines interface {
	SaveTimeline(ctx context.Context, tenantID int64, title, query string, items json.RawMessage) (store.TimelineRecord, error)
}

// Source is one excerpt an answer was grounded on.
type Source struct {
	Link       string    `json:"link"`
	ChatID     int64     `json:"chat_id"`
	MessageID  int64     `json:"message_id"`
	Similarity float64   `json:"similarity"`
	SentAt     time.Time `json:"sent_at"`
	Text       string    `json:"text"`
}

// Response is a composed answer with its grounding. Degraded is set when the
// model was unavailable and the caller got raw retrieval instead.
type Response struct {
	Answer   string   `json:"answer"`
	Sources  []Source `json:"sources"`
	Degraded bool     `json:"degraded,omitempty"`
}

// TimelineItem is one event in an extracted timeline.
type TimelineItem struct {
	TS   time.Time `json:"ts"`
	Text string    `json:"text"`
	URL  string    `json:"url"`
}

// TimelineResult is an extracted timeline; ID and Title are set when it was
// persisted.
type TimelineResult struct {
	ID    string         `json:"id,omitempty"`
	Title string         `json:"title,omitempty"`
	Items []TimelineItem `json:"items"`
}

// Composer builds grounded answers and timelines.
type Composer struct {
	retriever Retriever
	llm       LLM
	timelines Timelines
	cfg       config.RetrievalConfig
	logger    *log.Logger
}

func New(retriever Retriever, llm LLM, timelines Timelines, cfg config.RetrievalConfig, logger *log.Logger) *Composer {
	if logger == nil {
		logger = log.New(log.Writer(), "[ANSWER] ", log.LstdFlags)
	}
	return &Composer{retriever: retriever, llm: llm, timelines: timelines, cfg: cfg.Normalize(), logger: logger}
}

// Answer retrieves context for the question and asks the model for a cited
// answer. Retrieval faults surface as errors; a completion failure degrades
// to the retrieved excerpts instead of failing the request.
func (c *Composer) Answer(ctx context.Context, tenantID int64, q search.Query) (Response, error) {
	results, err := c.retriever.Search(ctx, tenantID, q)
	if err != nil {
		return Response{}, err
	}
	if len(results) == 0 {
		return Response{Answer: NoAnswer}, nil
	}
	if len(results) > maxContextChunks {
		results = results[:maxContextChunks]
	}
	sources := toSources(results)

	text, err := c.llm.Complete(ctx, answerSystemPrompt, answerPrompt(q.Text, results))
	if err != nil {
		c.logger.Printf("tenant %d: completion failed, degrading to retrieval: %v", tenantID, err)
		return Response{
			Answer:   "the language model is unavailable right now; the most relevant messages are attached",
			Sources:  sources,
			Degraded: true,
		}, nil
	}
	return Response{Answer: strings.TrimSpace(text), Sources: sources}, nil
}

// Timeline retrieves context for the topic and asks the model for an ordered
// event list. With a title the result is persisted and returned with its id.
func (c *Composer) Timeline(ctx context.Context, tenantID int64, topic, title string, q search.Query) (TimelineResult, error) {
	q.Text = topic
	results, err := c.retriever.Search(ctx, tenantID, q)
	if err != nil {
		return TimelineResult{}, err
	}
	if len(results) == 0 {
		return TimelineResult{Items: []TimelineItem{}}, nil
	}
	if len(results) > maxTimelineChunks {
		results = results[:maxTimelineChunks]
	}

	raw, err := c.llm.Complete(ctx, timelineSystemPrompt, timelinePrompt(topic, results))
	if err != nil {
		return TimelineResult{}, err
	}
	items, err := parseTimelineItems(raw)
	if err != nil {
		c.logger.Printf("tenant %d: unparseable timeline output: %v", tenantID, err)
		return TimelineResult{}, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TS.Before(items[j].TS) })
	if max := c.cfg.TimelineMaxItems; len(items) > max {
		items = items[:max]
	}

	out := TimelineResult{Items: items}
	if title != "" {
		encoded, err := json.Marshal(items)
		if err != nil {
			return TimelineResult{}, err
		}
		rec, err := c.timelines.SaveTimeline(ctx, tenantID, title, topic, encoded)
		if err != nil {
			return TimelineResult{}, err
		}
		out.ID = rec.ID
		out.Title = rec.Title
	}
	return out, nil
}

func toSources(results []search.Result) []Source {
	sources := make([]Source, len(results))
	for i, r := range results {
		sources[i] = Source{
			Link:       r.Link,
			ChatID:     r.ChatID,
			MessageID:  r.MessageID,
			Similarity: r.Similarity,
			SentAt:     r.SentAt,
			Text:       r.Text,
		}
	}
	return sources
}

func answerPrompt(question string, results []search.Result) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nExcerpts:\n")
	writeExcerpts(&b, results)
	return b.String()
}

func timelinePrompt(topic string, results []search.Result) string {
	var b strings.Builder
	b.WriteString("Topic: ")
	b.WriteString(topic)
	b.WriteString("\n\nExcerpts:\n")
	writeExcerpts(&b, results)
	return b.String()
}

func writeExcerpts(b *strings.Builder, results []search.Result) {
	for i, r := range results {
		fmt.Fprintf(b, "\n[%d] %s", i+1, r.SentAt.UTC().Format(time.RFC3339))
		if author := authorOf(r.Metadata); author != "" {
			b.WriteString(" ")
			b.WriteString(author)
		}
		text := r.Text
		if runes := []rune(text); len(runes) > maxExcerptChars {
			text = string(runes[:maxExcerptChars])
		}
		fmt.Fprintf(b, " source:%s\n%s\n", r.Link, text)
	}
}

func authorOf(meta json.RawMessage) string {
	if len(meta) == 0 {
		return ""
	}
	var m chunker.Metadata
	if err := json.Unmarshal(meta, &m); err != nil {
		return ""
	}
	return m.AuthorName
}

// parseTimelineItems decodes the model's JSON array, tolerating code fences
// and surrounding prose. Items with invalid timestamps are dropped.
func parseTimelineItems(raw string) ([]TimelineItem, error) {
	body, err := extractJSONArray(raw)
	if err != nil {
		return nil, err
	}
	var wire []struct {
		TS   string `json:"ts"`
		Text string `json:"text"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "timeline output is not a JSON array")
	}
	items := make([]TimelineItem, 0, len(wire))
	for _, w := range wire {
		ts, err := time.Parse(time.RFC3339, w.TS)
		if err != nil {
			continue
		}
		items = append(items, TimelineItem{TS: ts.UTC().Truncate(time.Second), Text: strings.TrimSpace(w.Text), URL: w.URL})
	}
	return items, nil
}

func extractJSONArray(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "[") {
		return s, nil
	}
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end <= start {
		return "", fault.New(fault.Internal, "timeline output contains no JSON array")
	}
	return s[start : end+1], nil
}
