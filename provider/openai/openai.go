package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/recall/internal/fault"
)

const defaultBaseURL = "https://api.openai.com/v1"

// errBodyLimit caps how much of an upstream error payload is read back.
const errBodyLimit = 32 << 10

// client implements the provider interface using OpenAI's API
type client struct {
	apiKey          string
	completionModel string
	embeddingModel  string
	baseURL         string
	dimension       int
	temperature     float64
	maxTokens       int
	httpClient      *http.Client
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionRequest represents a chat request to the OpenAI API
type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// completionResponse represents a chat response from the OpenAI API
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(apiKey, completionModel, embeddingModel, baseURL string, dimension int, temperature float64, maxTokens int, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &client{
		apiKey:          apiKey,
		completionModel: completionModel,
		embeddingModel:  embeddingModel,
		baseURL:         strings.TrimRight(baseURL, "/"),
		dimension:       dimension,
		temperature:     temperature,
		maxTokens:       maxTokens,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// EmbeddingDimension is the vector width this client requests and enforces.
func (c *client) EmbeddingDimension() int { return c.dimension }

// CreateEmbedding generates an embedding for the given texts using OpenAI's API
func (c *client) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	requestBody := map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	}
	if c.dimension > 0 {
		requestBody["dimensions"] = c.dimension
	}

	body, err := c.post(ctx, c.baseURL+"/embeddings", requestBody)
	if err != nil {
		return nil, err
	}

	var openaiResp struct {
		Data []struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &openaiResp); err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, err, "failed to parse embedding response")
	}
	if len(openaiResp.Data) != len(texts) {
		return nil, fault.Errorf(fault.UpstreamUnavailable, "embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(openaiResp.Data))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range openaiResp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fault.Errorf(fault.UpstreamUnavailable, "embedding index %d out of range", d.Index)
		}
		if c.dimension > 0 && len(d.Embedding) != c.dimension {
			return nil, fault.Errorf(fault.Internal, "embedding dimension mismatch: want %d, got %d", c.dimension, len(d.Embedding))
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Complete runs one system+user exchange against the chat completions API.
func (c *client) Complete(ctx context.Context, system, user string) (string, error) {
	var messages []Message
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})

	requestBody := completionRequest{
		Model:       c.completionModel,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	body, err := c.post(ctx, c.baseURL+"/chat/completions", requestBody)
	if err != nil {
		return "", err
	}

	var openaiResp completionResponse
	if err := json.Unmarshal(body, &openaiResp); err != nil {
		return "", fault.Wrap(fault.UpstreamUnavailable, err, "failed to parse response")
	}
	if len(openaiResp.Choices) == 0 {
		return "", fault.New(fault.UpstreamUnavailable, "no choices in response")
	}
	return openaiResp.Choices[0].Message.Content, nil
}

// post sends a JSON request and returns the response body, translating
// failures into the error taxonomy the pipeline retries on.
func (c *client) post(ctx context.Context, url string, requestBody interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// best-effort: the error payload only feeds the message
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return nil, classify(resp.StatusCode, resp.Header, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, err, "failed to read response body")
	}
	return body, nil
}

// classify maps an OpenAI HTTP status onto the error taxonomy. Rate limits
// and server errors are retryable, oversized payloads ask for re-batching,
// credential problems are permanent.
func classify(status int, header http.Header, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return &fault.Error{
			Kind:       fault.RateLimited,
			Msg:        "openai rate limit hit",
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Errorf(fault.Internal, "openai rejected credentials: status %d", status)
	case status == http.StatusRequestEntityTooLarge:
		return fault.New(fault.PayloadTooLarge, "openai rejected request size")
	case status == http.StatusBadRequest && looksTooLarge(body):
		return fault.New(fault.PayloadTooLarge, "openai rejected request: input too long")
	case status >= 500:
		return fault.Errorf(fault.UpstreamUnavailable, "openai returned status %d", status)
	default:
		return fault.Errorf(fault.Internal, "openai returned status %d: %s", status, firstLine(body))
	}
}

// looksTooLarge spots the 400 responses OpenAI uses for context overflows.
func looksTooLarge(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "maximum context length") ||
		strings.Contains(s, "too many tokens") ||
		strings.Contains(s, "reduce the length") ||
		strings.Contains(s, "string too long")
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
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
	return s
}
