package config

import "fmt"

// ChunkingConfig tunes how raw message runs are grouped and split.
type ChunkingConfig struct {
	ChunkSizeChars            int `mapstructure:"chunk_size_chars"`
	ChunkOverlapChars         int `mapstructure:"chunk_overlap_chars"`
	GroupMaxChars             int `mapstructure:"group_max_chars"`
	GroupTimeWindowSeconds    int `mapstructure:"group_time_window_seconds"`
	BusyChatTimeWindowSeconds int `mapstructure:"busy_chat_time_window_seconds"`
	BusyChatAuthorThreshold   int `mapstructure:"busy_chat_author_threshold"`
	AnswerWindowSeconds       int `mapstructure:"answer_window_seconds"`
	QuestionWindowSeconds     int `mapstructure:"question_window_seconds"`
}

// Normalize clamps chunking values and fills defaults.
func (c ChunkingConfig) Normalize() ChunkingConfig {
	cfg := c
	if cfg.ChunkSizeChars <= 0 {
		cfg.ChunkSizeChars = 500
	}
	if cfg.ChunkOverlapChars < 0 {
		cfg.ChunkOverlapChars = 0
	}
	if cfg.ChunkOverlapChars >= cfg.ChunkSizeChars {
		cfg.ChunkOverlapChars = cfg.ChunkSizeChars / 5
	}
	if cfg.GroupMaxChars <= 0 {
		cfg.GroupMaxChars = 400
	}
	if cfg.GroupTimeWindowSeconds <= 0 {
		cfg.GroupTimeWindowSeconds = 120
	}
	if cfg.BusyChatTimeWindowSeconds <= 0 {
		cfg.BusyChatTimeWindowSeconds = 30
	}
	if cfg.BusyChatAuthorThreshold <= 0 {
		cfg.BusyChatAuthorThreshold = 5
	}
	if cfg.AnswerWindowSeconds <= 0 {
		cfg.AnswerWindowSeconds = 60
	}
	if cfg.QuestionWindowSeconds <= 0 {
		cfg.QuestionWindowSeconds = 30
	}
	return cfg
}

// Validate checks the chunking configuration.
func (c ChunkingConfig) Validate() error {
	if c.ChunkOverlapChars >= c.ChunkSizeChars {
		return fmt.Errorf("chunking.chunk_overlap_chars must be smaller than chunk_size_chars")
	}
	if c.BusyChatTimeWindowSeconds > c.GroupTimeWindowSeconds {
		return fmt.Errorf("chunking.busy_chat_time_window_seconds cannot exceed group_time_window_seconds")
	}
	return nil
}

// RetrievalConfig tunes similarity search and query handling.
type RetrievalConfig struct {
	K                int     `mapstructure:"k"`
	MinSimilarity    float64 `mapstructure:"min_similarity"`
	QueryMaxLength   int     `mapstructure:"query_max_length"`
	TimelineMaxItems int     `mapstructure:"timeline_max_items"`
}

// Normalize clamps retrieval values and fills defaults.
func (r RetrievalConfig) Normalize() RetrievalConfig {
	cfg := r
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.K > 50 {
		cfg.K = 50
	}
	if cfg.MinSimilarity < 0 {
		cfg.MinSimilarity = 0
	}
	if cfg.MinSimilarity > 1 {
		cfg.MinSimilarity = 1
	}
	if cfg.QueryMaxLength <= 0 {
		cfg.QueryMaxLength = 500
	}
	if cfg.TimelineMaxItems <= 0 {
		cfg.TimelineMaxItems = 100
	}
	return cfg
}

// Validate checks the retrieval configuration.
func (r RetrievalConfig) Validate() error {
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		return fmt.Errorf("retrieval.min_similarity must be within [0,1]")
	}
	return nil
}
