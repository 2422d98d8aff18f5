package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/fault"
)

func newTestBridge(url string) *Bridge {
	return NewBridge(config.TelegramConfig{BridgeURL: url, Timeout: 5 * time.Second}, nil)
}

func TestFetchHistory_PagesAndOrders(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/chats/777/history" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Telegram-Session") != "sess-1" {
			t.Errorf("session header not forwarded: %q", r.Header.Get("X-Telegram-Session"))
		}
		if r.URL.Query().Get("since_id") != "100" {
			t.Errorf("since_id not forwarded: %q", r.URL.Query().Get("since_id"))
		}
		switch r.URL.Query().Get("cursor") {
		case "":
			// Newest page first, messages newest first inside it.
			fmt.Fprint(w, `{
				"chat": {"id": 777, "title": "design crew", "type": "group"},
				"messages": [
					{"id": 104, "sender_id": 2, "sender_name": "Bob", "text": "ship it", "sent_at": "2024-06-01T10:02:00Z", "reply_to_id": 103},
					{"id": 103, "sender_id": 1, "sender_name": "Alice", "sender_username": "alice", "text": "ready?", "sent_at": "2024-06-01T10:01:00Z"}
				],
				"next_cursor": "p2"
			}`)
		case "p2":
			fmt.Fprint(w, `{
				"chat": {"id": 777, "title": "design crew", "type": "group"},
				"messages": [
					{"id": 101, "sender_id": 1, "sender_name": "Alice", "text": "draft done", "sent_at": "2024-06-01T10:00:00Z"}
				],
				"next_cursor": ""
			}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	hist, err := newTestBridge(srv.URL).FetchHistory(context.Background(), "sess-1", 777, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 pages, fetched %d", calls)
	}
	if hist.Chat.ID != 777 || hist.Chat.Title != "design crew" || hist.Type != "group" {
		t.Fatalf("chat ref not populated: %+v", hist.Chat)
	}
	if len(hist.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(hist.Messages))
	}
	for i := 1; i < len(hist.Messages); i++ {
		if hist.Messages[i].Sequence <= hist.Messages[i-1].Sequence {
			t.Fatalf("messages not oldest first: %+v", hist.Messages)
		}
	}
	last := hist.Messages[2]
	if last.Sequence != 104 || last.ReplyToSequence != 103 || last.AuthorName != "Bob" {
		t.Fatalf("message fields not mapped: %+v", last)
	}
	if hist.Messages[1].AuthorHandle != "alice" {
		t.Fatalf("handle not mapped: %+v", hist.Messages[1])
	}
}

func TestFetchHistory_DropsMessagesAtOrBelowFloor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Bridges may overlap a page boundary with the floor.
		fmt.Fprint(w, `{
			"chat": {"id": 5, "title": "dm", "type": "private"},
			"messages": [
				{"id": 51, "sender_id": 1, "sender_name": "A", "text": "new", "sent_at": "2024-06-01T10:00:00Z"},
				{"id": 50, "sender_id": 1, "sender_name": "A", "text": "floor", "sent_at": "2024-06-01T09:59:00Z"},
				{"id": 49, "sender_id": 1, "sender_name": "A", "text": "old", "sent_at": "2024-06-01T09:58:00Z"}
			]
		}`)
	}))
	defer srv.Close()

	hist, err := newTestBridge(srv.URL).FetchHistory(context.Background(), "s", 5, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hist.Messages) != 1 || hist.Messages[0].Sequence != 51 {
		t.Fatalf("floor not applied: %+v", hist.Messages)
	}
}

func TestListChats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"chats": [
			{"id": 1, "title": "dm with alice", "type": "private"},
			{"id": 2, "title": "design crew", "type": "group"}
		]}`)
	}))
	defer srv.Close()

	chats, err := newTestBridge(srv.URL).ListChats(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chats) != 2 || chats[1].Title != "design crew" {
		t.Fatalf("chats not parsed: %+v", chats)
	}
}

func TestFetchHistory_NoSessionIsUnauthorized(t *testing.T) {
	_, err := newTestBridge("http://unused").FetchHistory(context.Background(), "", 1, 0)
	if !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestClassify_SessionRejectedIsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "session expired")
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).FetchHistory(context.Background(), "stale", 1, 0)
	if !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if fault.Transient(err) {
		t.Fatalf("a dead session cannot be retried away")
	}
}

func TestClassify_FloodWaitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "13")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).FetchHistory(context.Background(), "s", 1, 0)
	if !fault.IsKind(err, fault.RateLimited) || !fault.Transient(err) {
		t.Fatalf("expected transient rate limit, got %v", err)
	}
	if got := fault.RetryAfterOf(err); got != 13*time.Second {
		t.Fatalf("expected 13s retry hint, got %v", got)
	}
}

func TestClassify_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).FetchHistory(context.Background(), "s", 1, 0)
	if !fault.IsKind(err, fault.UpstreamUnavailable) || !fault.Transient(err) {
		t.Fatalf("expected transient upstream error, got %v", err)
	}
}
