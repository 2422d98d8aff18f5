package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/runtime"
)

func TestStatusOfMapping(t *testing.T) {
	cases := []struct {
		kind fault.Kind
		want int
	}{
		{fault.InvalidQuery, http.StatusBadRequest},
		{fault.SuspiciousQuery, http.StatusBadRequest},
		{fault.Unauthorized, http.StatusUnauthorized},
		{fault.NotFound, http.StatusNotFound},
		{fault.Conflict, http.StatusConflict},
		{fault.PayloadTooLarge, http.StatusRequestEntityTooLarge},
		{fault.RateLimited, http.StatusTooManyRequests},
		{fault.UpstreamUnavailable, http.StatusBadGateway},
		{fault.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusOf(tc.kind); got != tc.want {
			t.Errorf("statusOf(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestErrorHandlerRateLimited(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/query", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	h := errorHandler(log.New(io.Discard, "", 0))
	h(&fault.Error{Kind: fault.RateLimited, Msg: "rate limit exceeded", RetryAfter: 30 * time.Second}, ctx)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("expected Retry-After 30, got %q", got)
	}
}

func TestErrorHandlerHidesInternals(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	h := errorHandler(log.New(io.Discard, "", 0))
	h(errors.New("pq: password authentication failed for user recall"), ctx)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	var resp HTTPError
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "internal error" {
		t.Fatalf("driver details leaked: %q", resp.Error)
	}
}

func TestErrorHandlerKeepsEchoErrors(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	h := errorHandler(log.New(io.Discard, "", 0))
	h(echo.NewHTTPError(http.StatusNotFound, "job not found"), ctx)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	var resp HTTPError
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "job not found" {
		t.Fatalf("unexpected message: %q", resp.Error)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	// nothing listens here; every redis call fails fast
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	mw := RateLimit(rdb, 2, log.New(io.Discard, "", 0))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("identity", runtime.Identity{Subject: "tg:42"})

	called := false
	err := mw(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})(ctx)
	if err != nil {
		t.Fatalf("fail-open violated: %v", err)
	}
	if !called {
		t.Fatalf("request must pass through when the limiter is down")
	}
}
