// Package telegram is the REST client for the MTProto bridge sidecar. The
// sidecar owns the actual Telegram connection; this client moves dialog
// listings and history pages, authenticated per request with the tenant's
// session string.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/chunker"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/indexer"
)

// sessionHeader carries the tenant's session string to the bridge.
const sessionHeader = "X-Telegram-Session"

// errBodyLimit caps how much of a bridge error payload is read back.
const errBodyLimit = 32 << 10

const (
	pageSize = 200
	// maxHistoryMessages bounds one fetch; older history is picked up by the
	// next run through the since_id floor.
	maxHistoryMessages = 10000
)

// Bridge talks to one bridge sidecar. Implements indexer.Fetcher.
type Bridge struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// ChatInfo is one dialog as the bridge reports it.
type ChatInfo struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type bridgeMessage struct {
	ID           int64     `json:"id"`
	SenderID     int64     `json:"sender_id"`
	SenderName   string    `json:"sender_name"`
	SenderHandle string    `json:"sender_username"`
	Text         string    `json:"text"`
	SentAt       time.Time `json:"sent_at"`
	ReplyToID    int64     `json:"reply_to_id"`
}

type historyPage struct {
	Chat       ChatInfo        `json:"chat"`
	Messages   []bridgeMessage `json:"messages"`
	NextCursor string          `json:"next_cursor"`
}

func NewBridge(cfg config.TelegramConfig, logger *log.Logger) *Bridge {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags)
	}
	return &Bridge{
		baseURL:    strings.TrimRight(cfg.BridgeURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ListChats returns the dialogs visible to the session.
func (b *Bridge) ListChats(ctx context.Context, session string) ([]ChatInfo, error) {
	body, err := b.get(ctx, session, b.baseURL+"/chats")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Chats []ChatInfo `json:"chats"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, err, "parse chat list")
	}
	return resp.Chats, nil
}

// FetchHistory pages through a chat's history newer than sinceID and returns
// it oldest first. The bridge's cursor walks backwards from the newest
// message; paging stops at the since floor, an empty cursor, or the fetch
// cap.
func (b *Bridge) FetchHistory(ctx context.Context, session string, chatID, sinceID int64) (indexer.ChatHistory, error) {
	var (
		history indexer.ChatHistory
		raw     []bridgeMessage
		cursor  string
	)
	for {
		page, err := b.historyPage(ctx, session, chatID, sinceID, cursor)
		if err != nil {
			return indexer.ChatHistory{}, err
		}
		if history.Chat.ID == 0 {
			history.Chat = chunker.ChatRef{ID: page.Chat.ID, Title: page.Chat.Title}
			history.Type = page.Chat.Type
		}
		raw = append(raw, page.Messages...)
		if page.NextCursor == "" || len(page.Messages) == 0 {
			break
		}
		if len(raw) >= maxHistoryMessages {
			b.logger.Printf("WARN: chat %d fetch capped at %d messages", chatID, maxHistoryMessages)
			break
		}
		cursor = page.NextCursor
	}
	if history.Chat.ID == 0 {
		history.Chat = chunker.ChatRef{ID: chatID}
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].ID < raw[j].ID })
	history.Messages = make([]chunker.Message, 0, len(raw))
	for _, m := range raw {
		if m.ID <= sinceID {
			continue
		}
		history.Messages = append(history.Messages, chunker.Message{
			Sequence:        m.ID,
			AuthorID:        m.SenderID,
			AuthorName:      m.SenderName,
			AuthorHandle:    m.SenderHandle,
			Timestamp:       m.SentAt,
			Text:            m.Text,
			ReplyToSequence: m.ReplyToID,
		})
	}
	return history, nil
}

func (b *Bridge) historyPage(ctx context.Context, session string, chatID, sinceID int64, cursor string) (historyPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if sinceID > 0 {
		q.Set("since_id", strconv.FormatInt(sinceID, 10))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/chats/%d/history?%s", b.baseURL, chatID, q.Encode())

	body, err := b.get(ctx, session, endpoint)
	if err != nil {
		return historyPage{}, err
	}
	var page historyPage
	if err := json.Unmarshal(body, &page); err != nil {
		return historyPage{}, fault.Wrap(fault.UpstreamUnavailable, err, "parse history page")
	}
	return page, nil
}

func (b *Bridge) get(ctx context.Context, session, endpoint string) ([]byte, error) {
	if b.baseURL == "" {
		return nil, fault.New(fault.Internal, "telegram bridge_url not configured")
	}
	if session == "" {
		return nil, fault.New(fault.Unauthorized, "no telegram session")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build bridge request")
	}
	req.Header.Set(sessionHeader, session)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, err, "bridge request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// best-effort: the error payload only feeds the message
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return nil, classify(resp.StatusCode, resp.Header, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, err, "read bridge response")
	}
	return body, nil
}

// classify maps bridge statuses onto fault kinds. Unlike the embedding
// provider, 401/403 here mean the tenant's session is dead, not a server
// misconfiguration.
func classify(status int, header http.Header, body []byte) error {
	detail := firstLine(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Errorf(fault.Unauthorized, "telegram session rejected: %s", detail)
	case status == http.StatusNotFound:
		return fault.Errorf(fault.NotFound, "chat not accessible: %s", detail)
	case status == http.StatusTooManyRequests:
		return &fault.Error{
			Kind:       fault.RateLimited,
			Msg:        fmt.Sprintf("bridge flood wait: %s", detail),
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
		}
	case status >= 500:
		return fault.Errorf(fault.UpstreamUnavailable, "bridge returned %d: %s", status, detail)
	default:
		return fault.Errorf(fault.Internal, "bridge returned %d: %s", status, detail)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func firstLine(body []byte) string {
	s := strings.TrimSpace(string(body))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
