// Package chunker turns an ordered message stream from one chat into
// semantically coherent chunks. Consecutive short messages from one author are
// merged into a story, replies stand alone, and quick cross-author exchanges
// are tagged as implicit question/answer pairs so they stay findable together.
package chunker

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/recall/config"
)

// busyLookback is the rolling window used to decide whether a chat is busy.
const busyLookback = 5 * time.Minute

// recentKeep bounds how many preceding messages are scanned when inferring
// the question a group is likely answering.
const recentKeep = 10

// answerTokens are short replies treated as answers on their own.
var answerTokens = map[string]struct{}{
	"yes": {}, "no": {}, "yeah": {}, "nope": {}, "yep": {},
	"done": {}, "fixed": {}, "completed": {}, "not yet": {}, "will do": {},
	"confirmed": {}, "negative": {},
}

// Config tunes the grouping and splitting behaviour.
type Config struct {
	ChunkSize      int           // max chars per produced chunk
	ChunkOverlap   int           // overlap between adjacent split chunks
	GroupMaxChars  int           // combined text cap before a group is flushed
	GroupWindow    time.Duration // same-author cohesion window
	BusyWindow     time.Duration // tightened window in busy chats
	BusyAuthors    int           // distinct authors within busyLookback marking a chat busy
	AnswerWindow   time.Duration // max delay for a short reply to count as an answer
	QuestionWindow time.Duration // lookback for likely_answer_to inference
}

// ConfigFrom converts application settings into chunker units.
func ConfigFrom(c config.ChunkingConfig) Config {
	return Config{
		ChunkSize:      c.ChunkSizeChars,
		ChunkOverlap:   c.ChunkOverlapChars,
		GroupMaxChars:  c.GroupMaxChars,
		GroupWindow:    time.Duration(c.GroupTimeWindowSeconds) * time.Second,
		BusyWindow:     time.Duration(c.BusyChatTimeWindowSeconds) * time.Second,
		BusyAuthors:    c.BusyChatAuthorThreshold,
		AnswerWindow:   time.Duration(c.AnswerWindowSeconds) * time.Second,
		QuestionWindow: time.Duration(c.QuestionWindowSeconds) * time.Second,
	}
}

// ChatRef identifies the chat a message stream came from.
type ChatRef struct {
	ID    int64
	Title string
}

// Message is one raw message as the fetch layer hands it over. ReplyToText is
// resolved by the caller when the parent message was part of the fetched set;
// an unresolved parent keeps the sequence and drops the text.
type Message struct {
	Sequence        int64
	AuthorID        int64
	AuthorName      string
	AuthorHandle    string
	Timestamp       time.Time
	Text            string
	ReplyToSequence int64
	ReplyToText     string
}

// QuestionRef points at the question message a chunk likely answers.
type QuestionRef struct {
	Sequence     int64   `json:"sequence"`
	Text         string  `json:"text"`
	AuthorName   string  `json:"author_name"`
	SecondsAfter float64 `json:"seconds_after"`
}

// Metadata is the context record carried by every chunk. It is serialized to
// the storage metadata column as-is.
type Metadata struct {
	Timestamp       time.Time    `json:"timestamp"`
	ChatTitle       string       `json:"chat_title"`
	ChatID          int64        `json:"chat_id"`
	Sequence        int64        `json:"sequence"`
	Sequences       []int64      `json:"sequences"`
	AuthorID        int64        `json:"author_id"`
	AuthorName      string       `json:"author_name"`
	AuthorHandle    string       `json:"author_handle,omitempty"`
	OriginalText    string       `json:"original_text"`
	ReplyToSequence int64        `json:"reply_to_sequence,omitempty"`
	ReplyToText     string       `json:"reply_to_text,omitempty"`
	LikelyAnswerTo  *QuestionRef `json:"likely_answer_to,omitempty"`
	IsQuestion      bool         `json:"is_question"`
	IsAnswer        bool         `json:"is_answer"`
	Grouped         bool         `json:"grouped"`
	MessageCount    int          `json:"message_count"`
	TimeSpanSeconds float64      `json:"time_span_seconds"`
	ChunkIndex      int          `json:"chunk_index"`
	ChunkTotal      int          `json:"chunk_total"`
}

// Chunk is the indexing and retrieval atom.
type Chunk struct {
	Text string
	Meta Metadata
}

// Chunker groups and splits message streams. Safe for reuse across chats; all
// state lives per Split call.
type Chunker struct {
	cfg Config
}

// New returns a Chunker. Zero config fields fall back to production defaults.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.GroupMaxChars <= 0 {
		cfg.GroupMaxChars = 400
	}
	if cfg.GroupWindow <= 0 {
		cfg.GroupWindow = 120 * time.Second
	}
	if cfg.BusyWindow <= 0 {
		cfg.BusyWindow = 30 * time.Second
	}
	if cfg.BusyAuthors <= 0 {
		cfg.BusyAuthors = 5
	}
	if cfg.AnswerWindow <= 0 {
		cfg.AnswerWindow = 60 * time.Second
	}
	if cfg.QuestionWindow <= 0 {
		cfg.QuestionWindow = 30 * time.Second
	}
	return &Chunker{cfg: cfg}
}

// splitState carries the per-call bookkeeping.
type splitState struct {
	chat    ChatRef
	chunks  []Chunk
	group   []Message
	recent  []Message // preceding raw messages, newest last
	busy    []Message // author activity inside busyLookback
	flushed *flushedGroup
}

// flushedGroup remembers the previous flushed group for answer inference.
type flushedGroup struct {
	authorID int64
	endedAt  time.Time
	question bool
}

// Split consumes one chat's messages in fetch order and returns the produced
// chunks in that order. Empty-text messages are skipped.
func (c *Chunker) Split(chat ChatRef, msgs []Message) []Chunk {
	st := &splitState{chat: chat}

	for _, m := range msgs {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		c.observeBusy(st, m)

		// A reply never joins a run: flush whatever is open and emit the
		// reply as its own group.
		if m.ReplyToSequence != 0 {
			c.flush(st)
			st.group = []Message{m}
			c.flush(st)
			st.recent = appendRecent(st.recent, m)
			continue
		}

		if len(st.group) > 0 && c.breaksGroup(st, m) {
			c.flush(st)
		}
		st.group = append(st.group, m)
		st.recent = appendRecent(st.recent, m)

		if groupRuneLen(st.group) > c.cfg.GroupMaxChars {
			c.flush(st)
		}
	}
	c.flush(st)
	return st.chunks
}

// breaksGroup decides whether m may continue the current group.
func (c *Chunker) breaksGroup(st *splitState, m Message) bool {
	last := st.group[len(st.group)-1]
	if m.AuthorID != last.AuthorID {
		return true
	}
	if m.Timestamp.Before(last.Timestamp) {
		// Out-of-order fetch: never reorder inside a group.
		return true
	}
	window := c.cfg.GroupWindow
	if c.isBusy(st, m.Timestamp) {
		window = c.cfg.BusyWindow
	}
	if m.Timestamp.Sub(last.Timestamp) > window {
		return true
	}
	if groupRuneLen(append(st.group, m)) > c.cfg.GroupMaxChars {
		return true
	}
	return false
}

func (c *Chunker) observeBusy(st *splitState, m Message) {
	st.busy = append(st.busy, m)
	cutoff := m.Timestamp.Add(-busyLookback)
	keep := st.busy[:0]
	for _, b := range st.busy {
		if !b.Timestamp.Before(cutoff) {
			keep = append(keep, b)
		}
	}
	st.busy = keep
}

func (c *Chunker) isBusy(st *splitState, at time.Time) bool {
	cutoff := at.Add(-busyLookback)
	authors := map[int64]struct{}{}
	for _, b := range st.busy {
		if !b.Timestamp.Before(cutoff) {
			authors[b.AuthorID] = struct{}{}
		}
	}
	return len(authors) >= c.cfg.BusyAuthors
}

// flush turns the open group into one or more chunks and resets it.
func (c *Chunker) flush(st *splitState) {
	if len(st.group) == 0 {
		return
	}
	group := st.group
	st.group = nil

	first, last := group[0], group[len(group)-1]
	parts := make([]string, 0, len(group))
	seqs := make([]int64, 0, len(group))
	for _, m := range group {
		parts = append(parts, m.Text)
		seqs = append(seqs, m.Sequence)
	}
	original := strings.Join(parts, "\n")
	text := original

	meta := Metadata{
		Timestamp:       first.Timestamp.UTC(),
		ChatTitle:       st.chat.Title,
		ChatID:          st.chat.ID,
		Sequence:        first.Sequence,
		Sequences:       seqs,
		AuthorID:        first.AuthorID,
		AuthorName:      first.AuthorName,
		AuthorHandle:    first.AuthorHandle,
		OriginalText:    original,
		Grouped:         len(group) > 1,
		MessageCount:    len(group),
		TimeSpanSeconds: last.Timestamp.Sub(first.Timestamp).Seconds(),
	}

	if first.ReplyToSequence != 0 {
		meta.ReplyToSequence = first.ReplyToSequence
		meta.ReplyToText = first.ReplyToText
		// Short replies lose their meaning without the parent; inline it.
		if first.ReplyToText != "" && utf8.RuneCountInString(first.Text) < 50 {
			text = first.AuthorName + " replied '" + first.Text + "' to '" + firstRunes(first.ReplyToText, 100) + "'"
		}
	} else {
		meta.LikelyAnswerTo = c.findLikelyQuestion(st, first)
	}

	trimmed := strings.TrimSpace(text)
	meta.IsQuestion = strings.HasSuffix(trimmed, "?")
	meta.IsAnswer = c.isAnswer(st, group, trimmed, meta.LikelyAnswerTo)

	st.flushed = &flushedGroup{
		authorID: last.AuthorID,
		endedAt:  last.Timestamp,
		question: meta.IsQuestion,
	}

	pieces := splitWithOverlap(text, c.cfg.ChunkSize, c.cfg.ChunkOverlap)
	for i, piece := range pieces {
		m := meta
		m.ChunkIndex = i
		m.ChunkTotal = len(pieces)
		st.chunks = append(st.chunks, Chunk{Text: piece, Meta: m})
	}
}

// isAnswer classifies a flushed group as an answer: a bare affirmative or
// negative token, a short message right after another author's question, or a
// group already tagged with the question it likely answers.
func (c *Chunker) isAnswer(st *splitState, group []Message, trimmed string, likely *QuestionRef) bool {
	if likely != nil {
		return true
	}
	lower := strings.ToLower(strings.TrimRight(trimmed, ".!"))
	if _, ok := answerTokens[lower]; ok {
		return true
	}
	if st.flushed == nil || !st.flushed.question {
		return false
	}
	if st.flushed.authorID == group[0].AuthorID {
		return false
	}
	gap := group[0].Timestamp.Sub(st.flushed.endedAt)
	if gap < 0 || gap > c.cfg.AnswerWindow {
		return false
	}
	return len(strings.Fields(trimmed)) <= 4
}

// findLikelyQuestion scans preceding messages for a question by a different
// author that this group plausibly answers.
func (c *Chunker) findLikelyQuestion(st *splitState, first Message) *QuestionRef {
	for i := len(st.recent) - 1; i >= 0; i-- {
		prev := st.recent[i]
		if prev.Sequence >= first.Sequence || prev.AuthorID == first.AuthorID {
			continue
		}
		gap := first.Timestamp.Sub(prev.Timestamp)
		if gap < 0 || gap > c.cfg.QuestionWindow {
			continue
		}
		if !strings.HasSuffix(strings.TrimSpace(prev.Text), "?") {
			continue
		}
		return &QuestionRef{
			Sequence:     prev.Sequence,
			Text:         firstRunes(prev.Text, 100),
			AuthorName:   prev.AuthorName,
			SecondsAfter: gap.Seconds(),
		}
	}
	return nil
}

// splitWithOverlap cuts text into chunks of at most size runes on sentence
// boundaries, seeding each follow-up chunk with the tail of its predecessor.
// Every produced chunk stays within size+overlap runes.
func splitWithOverlap(text string, size, overlap int) []string {
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	sentences := splitSentences(text)
	var out []string
	var cur strings.Builder
	curLen := 0 // rune length excluding the overlap seed
	seed := ""

	emit := func() {
		if curLen == 0 {
			return
		}
		chunk := strings.TrimSpace(cur.String())
		out = append(out, chunk)
		seed = seedFrom(chunk, overlap)
		cur.Reset()
		curLen = 0
	}

	for _, s := range sentences {
		sLen := utf8.RuneCountInString(s)
		if sLen > size {
			// A single run-on sentence: hard-cut it.
			emit()
			for _, piece := range hardCut(s, size) {
				if seed != "" {
					out = append(out, strings.TrimSpace(seed+" "+piece))
				} else {
					out = append(out, strings.TrimSpace(piece))
				}
				seed = seedFrom(piece, overlap)
			}
			continue
		}
		if curLen > 0 && curLen+1+sLen > size {
			emit()
		}
		if curLen == 0 && seed != "" {
			cur.WriteString(seed)
			cur.WriteString(" ")
		} else if curLen > 0 {
			cur.WriteString(" ")
			curLen++
		}
		cur.WriteString(s)
		curLen += sLen
	}
	emit()
	return out
}

// splitSentences cuts text after sentence-ending punctuation, keeping the
// remainder as a final sentence.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				sentences = append(sentences, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func hardCut(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

func groupRuneLen(group []Message) int {
	n := 0
	for i, m := range group {
		if i > 0 {
			n++ // joining newline
		}
		n += utf8.RuneCountInString(m.Text)
	}
	return n
}

func appendRecent(recent []Message, m Message) []Message {
	recent = append(recent, m)
	if len(recent) > recentKeep {
		recent = recent[len(recent)-recentKeep:]
	}
	return recent
}

// seedFrom returns the overlap seed carried into the next chunk. One rune of
// the budget is reserved for the space joining seed and fresh text, keeping
// every chunk within size+overlap runes.
func seedFrom(chunk string, overlap int) string {
	if overlap <= 0 {
		return ""
	}
	return tailRunes(chunk, overlap-1)
}

func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
