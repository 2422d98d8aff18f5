package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the indexing and retrieval engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"` // JWT secret for auth
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address                     string `mapstructure:"address"`
	JWTSecret                   string `mapstructure:"jwt_secret"`
	SessionKey                  string `mapstructure:"session_key"` // 32-byte hex key sealing Telegram sessions at rest
	RateLimitPerMinutePerTenant int    `mapstructure:"rate_limit_per_minute_per_tenant"`
}

func (s ServerConfig) Validate() error {
	if s.SessionKey != "" && len(s.SessionKey) != 64 {
		return fmt.Errorf("server.session_key must be 64 hex characters (32 bytes)")
	}
	if s.RateLimitPerMinutePerTenant < 0 {
		return fmt.Errorf("server.rate_limit_per_minute_per_tenant cannot be negative")
	}
	return nil
}

// EmbeddingConfig configures the embedding provider and pipeline.
type EmbeddingConfig struct {
	Model        string        `mapstructure:"model"`
	Dimension    int           `mapstructure:"dimension"`
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxRetries   int           `mapstructure:"max_retries"`
	QueueCeiling int           `mapstructure:"queue_ceiling"` // max chunks buffered between batcher and workers
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Normalize applies pipeline defaults for unset values.
func (e EmbeddingConfig) Normalize() EmbeddingConfig {
	if e.Model == "" {
		e.Model = "text-embedding-3-small"
	}
	if e.Dimension <= 0 {
		e.Dimension = 1536
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 64
	}
	if e.Concurrency <= 0 {
		e.Concurrency = 4
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = 5
	}
	if e.QueueCeiling <= 0 {
		e.QueueCeiling = e.BatchSize * e.Concurrency * 2
	}
	if e.Timeout <= 0 {
		e.Timeout = 30 * time.Second
	}
	return e
}

func (e EmbeddingConfig) Validate() error {
	if e.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be > 0")
	}
	if e.QueueCeiling < e.BatchSize {
		return fmt.Errorf("embedding.queue_ceiling must be >= embedding.batch_size")
	}
	return nil
}

// LLMConfig configures the answer model.
type LLMConfig struct {
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// Normalize applies answer-model defaults for unset values.
func (l LLMConfig) Normalize() LLMConfig {
	if l.Model == "" {
		l.Model = "gpt-4-turbo-preview"
	}
	if l.MaxOutputTokens <= 0 {
		l.MaxOutputTokens = 500
	}
	if l.Temperature <= 0 {
		l.Temperature = 0.3
	}
	if l.Timeout <= 0 {
		l.Timeout = 60 * time.Second
	}
	return l
}

// WorkerConfig controls the stream-driven indexing worker.
type WorkerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Stream     string        `mapstructure:"stream"`
	Group      string        `mapstructure:"group"`
	Consumer   string        `mapstructure:"consumer"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// Normalize applies worker defaults for unset values.
func (w WorkerConfig) Normalize() WorkerConfig {
	if w.Stream == "" {
		w.Stream = "recall.jobs"
	}
	if w.Group == "" {
		w.Group = "recall-workers"
	}
	if w.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		w.Consumer = host
	}
	if w.JobTimeout <= 0 {
		w.JobTimeout = 15 * time.Minute
	}
	return w
}

// SchedulerConfig controls periodic re-indexing.
type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tick    time.Duration `mapstructure:"tick"`
}

// TelemetryConfig controls tracing and metrics export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// TelegramConfig locates the history bridge that serves chat listings and
// message pages. The MTProto client itself lives behind that bridge.
type TelegramConfig struct {
	BridgeURL string        `mapstructure:"bridge_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("server.rate_limit_per_minute_per_tenant", 100)
	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dimension", 1536)
	viper.SetDefault("embedding.batch_size", 64)
	viper.SetDefault("embedding.concurrency", 4)
	viper.SetDefault("embedding.max_retries", 5)
	viper.SetDefault("embedding.timeout", "30s")
	viper.SetDefault("llm.model", "gpt-4-turbo-preview")
	viper.SetDefault("llm.max_output_tokens", 500)
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("chunking.chunk_size_chars", 500)
	viper.SetDefault("chunking.chunk_overlap_chars", 100)
	viper.SetDefault("chunking.group_max_chars", 400)
	viper.SetDefault("chunking.group_time_window_seconds", 120)
	viper.SetDefault("chunking.busy_chat_time_window_seconds", 30)
	viper.SetDefault("chunking.busy_chat_author_threshold", 5)
	viper.SetDefault("chunking.answer_window_seconds", 60)
	viper.SetDefault("chunking.question_window_seconds", 30)
	viper.SetDefault("retrieval.k", 20)
	viper.SetDefault("retrieval.min_similarity", 0.0)
	viper.SetDefault("retrieval.query_max_length", 500)
	viper.SetDefault("retrieval.timeline_max_items", 100)
	viper.SetDefault("worker.enabled", true)
	viper.SetDefault("worker.stream", "recall.jobs")
	viper.SetDefault("worker.group", "recall-workers")
	viper.SetDefault("worker.job_timeout", "15m")
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.tick", "1m")
	viper.SetDefault("telegram.timeout", "30s")
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.metrics_port", 10011)

	if path == "" {
		viper.AddConfigPath("./app/config") // path to look for the config file in
		viper.AddConfigPath("./config")     // path to look for the config file in
		viper.AddConfigPath(".")            // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RECALL")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (RECALL_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Embedding = config.Embedding.Normalize()
	config.LLM = config.LLM.Normalize()
	config.Chunking = config.Chunking.Normalize()
	config.Retrieval = config.Retrieval.Normalize()
	config.Worker = config.Worker.Normalize()

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Embedding.Validate(); err != nil {
		panic(err)
	}
	if err := config.Chunking.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retrieval.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
