package openai_provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammad-safakhou/recall/internal/fault"
)

func newTestClient(url string, dimension int) *client {
	return NewOpenAIClient("test-key", "gpt-4-turbo-preview", "text-embedding-3-small", url, dimension, 0.3, 500, 5*time.Second)
}

func TestCreateEmbedding_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req["dimensions"] != float64(3) {
			t.Errorf("dimensions not forwarded: %v", req["dimensions"])
		}
		// Deliberately out of order.
		w.Write([]byte(`{"data":[
			{"object":"embedding","embedding":[4,5,6],"index":1},
			{"object":"embedding","embedding":[1,2,3],"index":0}
		]}`))
	}))
	defer srv.Close()

	vecs, err := newTestClient(srv.URL, 3).CreateEmbedding(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 4 {
		t.Fatalf("vectors not placed by index: %v", vecs)
	}
}

func TestCreateEmbedding_EmptyInput(t *testing.T) {
	vecs, err := newTestClient("http://unused", 3).CreateEmbedding(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("empty input should be a no-op, got %v %v", vecs, err)
	}
}

func TestCreateEmbedding_DimensionMismatchIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"object":"embedding","embedding":[1,2],"index":0}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).CreateEmbedding(context.Background(), []string{"a"})
	if !fault.IsKind(err, fault.Internal) {
		t.Fatalf("expected internal fault, got %v", err)
	}
	if fault.Transient(err) {
		t.Fatalf("dimension mismatch must not be retried")
	}
}

func TestClassify_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).CreateEmbedding(context.Background(), []string{"a"})
	if !fault.IsKind(err, fault.RateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if !fault.Transient(err) {
		t.Fatalf("rate limits are transient")
	}
	if got := fault.RetryAfterOf(err); got != 7*time.Second {
		t.Fatalf("expected 7s retry hint, got %v", got)
	}
}

func TestClassify_ContextOverflowIsPayloadTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"This model's maximum context length is 8192 tokens"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).CreateEmbedding(context.Background(), []string{"a"})
	if !fault.IsKind(err, fault.PayloadTooLarge) {
		t.Fatalf("expected payload too large, got %v", err)
	}
	if fault.Transient(err) {
		t.Fatalf("oversized payloads need re-batching, not blind retries")
	}
}

func TestClassify_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).CreateEmbedding(context.Background(), []string{"a"})
	if !fault.IsKind(err, fault.UpstreamUnavailable) || !fault.Transient(err) {
		t.Fatalf("expected transient upstream error, got %v", err)
	}
}

func TestComplete_ReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("system prompt not forwarded: %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"the generator shipped on June 3 source:https://t.me/c/1/5"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL, 3).Complete(context.Background(), "answer from excerpts", "when did it ship?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "" || out[:13] != "the generator" {
		t.Fatalf("unexpected completion: %q", out)
	}
}

func TestClassify_CredentialFailureIsPermanent(t *testing.T) {
	err := classify(http.StatusUnauthorized, http.Header{}, nil)
	if !fault.IsKind(err, fault.Internal) || fault.Transient(err) {
		t.Fatalf("credential failures must be permanent, got %v", err)
	}
}
