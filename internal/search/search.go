// Package search answers similarity queries over indexed chat history. The
// query is sanitized, embedded, matched against the tenant's chunks and the
// hits are returned with Telegram deep links.
package search

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/sanitize"
	"github.com/mohammad-safakhou/recall/internal/store"
)

// maxTopK bounds how many chunks a single query may pull regardless of the
// caller's k.
const maxTopK = 50

// Store is the persistence surface the engine needs.
type Store interface {
	SearchChunks(ctx context.Context, tenantID int64, vector []float32, chatIDs []int64, topK int) ([]store.ChunkSearchResult, error)
	GetMessageTexts(ctx context.Context, chatID int64, messageIDs []int64) (map[int64]string, error)
	TenantSeesMessage(ctx context.Context, tenantID, chatID, messageID int64) (bool, error)
}

// Provider is the embedding surface the engine needs.
type Provider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingDimension() int
}

// Query is one retrieval request.
type Query struct {
	Text          string
	ChatIDs       []int64
	K             int      // 0 uses the configured default
	MinSimilarity *float64 // nil uses the configured default
}

// Result is one retrieved chunk with its provenance.
type Result struct {
	Text       string          `json:"text"`
	Similarity float64         `json:"similarity"`
	ChatID     int64           `json:"chat_id"`
	MessageID  int64           `json:"message_id"`
	ChunkIndex int             `json:"chunk_index"`
	SentAt     time.Time       `json:"sent_at"`
	Link       string          `json:"link"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Engine runs retrieval for one deployment.
type Engine struct {
	store    Store
	provider Provider
	cfg      config.RetrievalConfig
	logger   *log.Logger
}

func NewEngine(st Store, provider Provider, cfg config.RetrievalConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Engine{store: st, provider: provider, cfg: cfg.Normalize(), logger: logger}
}

// Search embeds the query and returns the tenant's closest chunks, best
// match first. An empty result is not an error.
func (e *Engine) Search(ctx context.Context, tenantID int64, q Query) ([]Result, error) {
	cleaned, err := sanitize.Clean(q.Text, e.cfg.QueryMaxLength)
	if err != nil {
		return nil, err
	}
	return e.searchText(ctx, tenantID, cleaned.Query, q)
}

// Similar retrieves chunks close to an already indexed message. The source
// message must be visible to the tenant and is excluded from the results.
func (e *Engine) Similar(ctx context.Context, tenantID, chatID, messageID int64, q Query) ([]Result, error) {
	visible, err := e.store.TenantSeesMessage(ctx, tenantID, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, fault.Errorf(fault.NotFound, "message %d in chat %d not found", messageID, chatID)
	}
	texts, err := e.store.GetMessageTexts(ctx, chatID, []int64{messageID})
	if err != nil {
		return nil, err
	}
	text, ok := texts[messageID]
	if !ok || strings.TrimSpace(text) == "" {
		return nil, fault.Errorf(fault.InvalidQuery, "message %d has no text to match against", messageID)
	}
	results, err := e.searchText(ctx, tenantID, text, q)
	if err != nil {
		return nil, err
	}
	filtered := results[:0]
	for _, r := range results {
		if r.ChatID == chatID && r.MessageID == messageID {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

func (e *Engine) searchText(ctx context.Context, tenantID int64, text string, q Query) ([]Result, error) {
	vecs, err := e.provider.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fault.Errorf(fault.Internal, "expected one query embedding, got %d", len(vecs))
	}
	vec := vecs[0]
	if dim := e.provider.EmbeddingDimension(); dim > 0 && len(vec) != dim {
		return nil, fault.Errorf(fault.Internal, "query embedding dimension mismatch: want %d, got %d", dim, len(vec))
	}

	k := q.K
	if k <= 0 {
		k = e.cfg.K
	}
	if k > maxTopK {
		k = maxTopK
	}
	minSim := e.cfg.MinSimilarity
	if q.MinSimilarity != nil {
		minSim = *q.MinSimilarity
	}

	rows, err := e.store.SearchChunks(ctx, tenantID, vec, q.ChatIDs, k)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		sim := 1 - row.Distance
		if sim < minSim {
			continue
		}
		if sim > 1 {
			sim = 1
		} else if sim < 0 {
			sim = 0
		}
		results = append(results, Result{
			Text:       row.Text,
			Similarity: sim,
			ChatID:     row.ChatID,
			MessageID:  row.MessageID,
			ChunkIndex: row.ChunkIndex,
			SentAt:     row.SentAt,
			Link:       DeepLink(row.ChatID, row.MessageID),
			Metadata:   row.Metadata,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].SentAt.After(results[j].SentAt)
	})
	if len(rows) > len(results) {
		e.logger.Printf("tenant %d: dropped %d of %d hits below similarity %.2f", tenantID, len(rows)-len(results), len(rows), minSim)
	}
	return results, nil
}

// DeepLink builds the t.me link for a message. Supergroup and channel ids
// carry a -100 prefix that the /c/ form drops.
func DeepLink(chatID, messageID int64) string {
	id := strconv.FormatInt(chatID, 10)
	if strings.HasPrefix(id, "-100") && len(id) > 4 {
		id = id[4:]
	} else {
		id = strings.TrimPrefix(id, "-")
	}
	return "https://t.me/c/" + id + "/" + strconv.FormatInt(messageID, 10)
}
