package provider

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/recall/config"
	openai_provider "github.com/mohammad-safakhou/recall/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Gemini    Client = "gemini"
)

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	// CreateEmbedding embeds the given texts, one vector per input, in order.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// Complete runs a single system+user exchange and returns the raw reply.
	Complete(ctx context.Context, system, user string) (string, error)
	// EmbeddingDimension is the vector width every embedding must have.
	EmbeddingDimension() int
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(client Client, embedding config.EmbeddingConfig, llm config.LLMConfig) (Provider, error) {
	switch client {
	case OpenAI:
		apiKey := embedding.APIKey
		if apiKey == "" {
			apiKey = llm.APIKey
		}
		if apiKey == "" {
			return nil, errors.New("openai api key not set")
		}
		return openai_provider.NewOpenAIClient(
			apiKey,
			llm.Model,
			embedding.Model,
			embedding.BaseURL,
			embedding.Dimension,
			llm.Temperature,
			llm.MaxOutputTokens,
			llm.Timeout,
		), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
