// Package config provides configuration loading for docqd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the docqd daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	LLM       LLMConfig       `koanf:"llm"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Storage   StorageConfig   `koanf:"storage"`
	Retention RetentionConfig `koanf:"retention"`
	Queue     QueueConfig     `koanf:"queue"`
	WebSearch WebSearchConfig `koanf:"websearch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// LLMConfig holds settings for the generative backend (Ollama).
type LLMConfig struct {
	// BaseURL is the Ollama server URL.
	BaseURL string `koanf:"base_url"`

	// DefaultModel is used when a query does not name a model.
	DefaultModel string `koanf:"default_model"`

	Temperature float64  `koanf:"temperature"`
	TopP        float64  `koanf:"top_p"`
	MaxContext  int      `koanf:"max_context"`
	NumThreads  int      `koanf:"num_threads"`
	Timeout     Duration `koanf:"timeout"`

	// Models carries per-model generation parameters, looked up by exact
	// name, then base name (text before ':'), then substring match.
	Models []ModelParams `koanf:"models"`

	// UnsupportedModels fail fast instead of being attempted.
	UnsupportedModels []string `koanf:"unsupported_models"`
}

// ModelParams are generation parameters for one model family.
type ModelParams struct {
	Name          string   `koanf:"name"`
	NumCtx        int      `koanf:"num_ctx"`
	NumThread     int      `koanf:"num_thread"`
	RepeatPenalty float64  `koanf:"repeat_penalty"`
	Stop          []string `koanf:"stop"`
}

// EmbeddingConfig holds settings for the embedding backend.
//
// The backend speaks the OpenAI embeddings API; a local TEI server or
// OpenAI itself both work. FallbackBaseURL, when set, is tried once after
// a failed batch (typically a CPU-only endpoint).
type EmbeddingConfig struct {
	BaseURL         string   `koanf:"base_url"`
	FallbackBaseURL string   `koanf:"fallback_base_url"`
	Model           string   `koanf:"model"`
	APIKey          Secret   `koanf:"api_key"`
	BatchSize       int      `koanf:"batch_size"`
	Timeout         Duration `koanf:"timeout"`
}

// StorageConfig holds on-disk layout settings.
type StorageConfig struct {
	// VectorStoreDir holds one subdirectory per corpus plus its
	// metadata.json sidecar.
	VectorStoreDir string `koanf:"vector_store_dir"`

	// UploadDir holds raw uploaded source files.
	UploadDir string `koanf:"upload_dir"`

	// CheckpointDir holds incremental-ingestion checkpoints.
	CheckpointDir string `koanf:"checkpoint_dir"`

	MaxFileSizeMB int `koanf:"max_file_size_mb"`
	ChunkSize     int `koanf:"chunk_size"`
	ChunkOverlap  int `koanf:"chunk_overlap"`
}

// RetentionConfig bounds the set of persisted corpora.
type RetentionConfig struct {
	MaxCorpora      int      `koanf:"max_corpora"`
	MaxAgeDays      int      `koanf:"max_age_days"`
	CleanupInterval Duration `koanf:"cleanup_interval"`
	UploadTTL       Duration `koanf:"upload_ttl"`
}

// QueueConfig bounds concurrent answer generation.
type QueueConfig struct {
	MaxConcurrent  int      `koanf:"max_concurrent"`
	MaxQueueSize   int      `koanf:"max_queue_size"`
	RequestTimeout Duration `koanf:"request_timeout"`
	HistoryLimit   int      `koanf:"history_limit"`
}

// WebSearchConfig holds settings for the web search collaborator.
type WebSearchConfig struct {
	Enabled      bool     `koanf:"enabled"`
	CacheTTL     Duration `koanf:"cache_ttl"`
	CacheEntries int      `koanf:"cache_entries"`
	FetchTimeout Duration `koanf:"fetch_timeout"`
	MaxPageChars int      `koanf:"max_page_chars"`
	UserAgent    string   `koanf:"user_agent"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "http://localhost:11434"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "mistral:latest"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.TopP == 0 {
		cfg.LLM.TopP = 0.9
	}
	if cfg.LLM.MaxContext == 0 {
		cfg.LLM.MaxContext = 2048
	}
	if cfg.LLM.NumThreads == 0 {
		cfg.LLM.NumThreads = 8
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(2 * time.Minute)
	}

	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:8081/v1"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "all-MiniLM-L6-v2"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 4
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = Duration(30 * time.Second)
	}

	if cfg.Storage.VectorStoreDir == "" {
		cfg.Storage.VectorStoreDir = "./vector_stores"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "./uploads"
	}
	if cfg.Storage.CheckpointDir == "" {
		cfg.Storage.CheckpointDir = "./processing_state"
	}
	if cfg.Storage.MaxFileSizeMB == 0 {
		cfg.Storage.MaxFileSizeMB = 100
	}
	if cfg.Storage.ChunkSize == 0 {
		cfg.Storage.ChunkSize = 800
	}
	if cfg.Storage.ChunkOverlap == 0 {
		cfg.Storage.ChunkOverlap = 100
	}

	if cfg.Retention.MaxCorpora == 0 {
		cfg.Retention.MaxCorpora = 20
	}
	if cfg.Retention.MaxAgeDays == 0 {
		cfg.Retention.MaxAgeDays = 7
	}
	if cfg.Retention.CleanupInterval == 0 {
		cfg.Retention.CleanupInterval = Duration(time.Hour)
	}
	if cfg.Retention.UploadTTL == 0 {
		cfg.Retention.UploadTTL = Duration(24 * time.Hour)
	}

	if cfg.Queue.MaxConcurrent == 0 {
		cfg.Queue.MaxConcurrent = 3
	}
	if cfg.Queue.MaxQueueSize == 0 {
		cfg.Queue.MaxQueueSize = 100
	}
	if cfg.Queue.RequestTimeout == 0 {
		cfg.Queue.RequestTimeout = Duration(5 * time.Minute)
	}
	if cfg.Queue.HistoryLimit == 0 {
		cfg.Queue.HistoryLimit = 100
	}

	if cfg.WebSearch.CacheTTL == 0 {
		cfg.WebSearch.CacheTTL = Duration(15 * time.Minute)
	}
	if cfg.WebSearch.CacheEntries == 0 {
		cfg.WebSearch.CacheEntries = 100
	}
	if cfg.WebSearch.FetchTimeout == 0 {
		cfg.WebSearch.FetchTimeout = Duration(10 * time.Second)
	}
	if cfg.WebSearch.MaxPageChars == 0 {
		cfg.WebSearch.MaxPageChars = 5000
	}
	if cfg.WebSearch.UserAgent == "" {
		cfg.WebSearch.UserAgent = "Mozilla/5.0 (compatible; docqd/1.0)"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature out of range: %v", c.LLM.Temperature)
	}
	if c.Embedding.BatchSize < 1 {
		return fmt.Errorf("embedding.batch_size must be positive: %d", c.Embedding.BatchSize)
	}
	if c.Storage.ChunkOverlap >= c.Storage.ChunkSize {
		return fmt.Errorf("storage.chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Storage.ChunkOverlap, c.Storage.ChunkSize)
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be positive: %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.MaxQueueSize < 1 {
		return fmt.Errorf("queue.max_queue_size must be positive: %d", c.Queue.MaxQueueSize)
	}
	if c.Retention.MaxCorpora < 1 {
		return fmt.Errorf("retention.max_corpora must be positive: %d", c.Retention.MaxCorpora)
	}
	return nil
}
