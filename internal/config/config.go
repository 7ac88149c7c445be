// Package config loads and validates the mailrag configuration.
//
// Configuration comes from a YAML file with defaults applied first and
// MAILRAG_* environment variables applied last. The resulting Config value
// is immutable once loaded and is passed down through constructors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inboxlab/mailrag/internal/logging"
)

// Config is the complete mailrag configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Workers  WorkersConfig  `yaml:"workers"`
	Mail     MailConfig     `yaml:"mail"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Search   SearchConfig   `yaml:"search"`
	LLM      LLMConfig      `yaml:"llm"`
	Vector   VectorConfig   `yaml:"vector"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  logging.Config `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
}

// WorkersConfig configures the job scheduler.
type WorkersConfig struct {
	// Count is the number of parallel workers consuming mail jobs.
	Count int `yaml:"count"`
	// QueueSize bounds the job queue; a full queue blocks the mail loop.
	QueueSize int `yaml:"queue_size"`
	// DrainTimeout is how long shutdown waits for in-flight jobs.
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// RoutingRule maps a message attribute to a workspace. Rules are evaluated
// in order; the first match wins.
type RoutingRule struct {
	Type      string `yaml:"type"`
	Value     string `yaml:"value"`
	Workspace string `yaml:"workspace"`
}

// MailConfig configures the mail loop and routing.
type MailConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	// ErrorBackoff is the sleep after a mail source failure before the next
	// tick reconnects. Never below 10s.
	ErrorBackoff     Duration      `yaml:"error_backoff"`
	DefaultWorkspace string        `yaml:"default_workspace"`
	Rules            []RoutingRule `yaml:"rules"`
	// SpoolDir enables the mail loop over the local file spool. Empty
	// disables mail processing; the HTTP API still runs.
	SpoolDir  string `yaml:"spool_dir"`
	OutboxDir string `yaml:"outbox_dir"`
}

// ChunkingConfig configures the default text chunking parameters.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// SearchConfig configures hybrid retrieval limits.
type SearchConfig struct {
	MaxTopK           int    `yaml:"max_top_k"`
	MaxQueryChars     int    `yaml:"max_query_chars"`
	MaxRerankPassages int    `yaml:"max_rerank_passages"`
	UseBM25Default    bool   `yaml:"use_bm25_default"`
	DefaultTopK       int    `yaml:"default_top_k"`
	DefaultFinalK     int    `yaml:"default_final_k"`
	// BM25Backend selects the lexical index backend: "sqlite" (default,
	// one FTS5 file per collection) or "bleve".
	BM25Backend string `yaml:"bm25_backend"`
}

// LLMConfig configures the OpenAI-compatible model endpoint.
type LLMConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	ChatModel      string   `yaml:"chat_model"`
	EmbedModel     string   `yaml:"embed_model"`
	RerankURL      string   `yaml:"rerank_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	Temperature    float64  `yaml:"temperature"`
	MaxTokens      int      `yaml:"max_tokens"`
	EmbedCacheSize int      `yaml:"embed_cache_size"`
}

// VectorConfig selects and configures the vector store provider.
type VectorConfig struct {
	// Provider is "qdrant" (default) or "memory".
	Provider string   `yaml:"provider"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	APIKey   string   `yaml:"api_key"`
	Timeout  Duration `yaml:"timeout"`
}

// PromptsConfig holds the default and per-collection system prompts.
type PromptsConfig struct {
	DefaultSystem string `yaml:"default_system"`
	// Collections maps collection name to a system prompt override.
	Collections map[string]string `yaml:"collections"`
	// Temperatures maps collection name to a temperature override.
	Temperatures map[string]float64 `yaml:"temperatures"`
}

// StorageConfig configures on-disk state. All paths derive from DataDir
// unless set explicitly.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	BM25Root    string `yaml:"bm25_root"`
	ArchiveRoot string `yaml:"archive_root"`
	CursorPath  string `yaml:"cursor_path"`
	TelemetryDB string `yaml:"telemetry_db"`
}

// DefaultSystemPrompt is used when no per-collection prompt is configured.
const DefaultSystemPrompt = "You are a careful assistant answering questions " +
	"strictly from the provided context documents. If the context does not " +
	"contain the answer, say that the available documents are insufficient."

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8600",
		},
		Workers: WorkersConfig{
			Count:        4,
			QueueSize:    64,
			DrainTimeout: Duration(30 * time.Second),
		},
		Mail: MailConfig{
			PollInterval:     Duration(30 * time.Second),
			ErrorBackoff:     Duration(10 * time.Second),
			DefaultWorkspace: "inbox",
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 150,
		},
		Search: SearchConfig{
			MaxTopK:           50,
			MaxQueryChars:     2000,
			MaxRerankPassages: 30,
			UseBM25Default:    true,
			DefaultTopK:       20,
			DefaultFinalK:     5,
			BM25Backend:       "sqlite",
		},
		LLM: LLMConfig{
			ChatModel:      "gpt-4o-mini",
			EmbedModel:     "text-embedding-3-small",
			RequestTimeout: Duration(60 * time.Second),
			MaxRetries:     3,
			Temperature:    0.2,
			MaxTokens:      1024,
			EmbedCacheSize: 1000,
		},
		Vector: VectorConfig{
			Provider: "qdrant",
			Host:     "localhost",
			Port:     6333,
			Timeout:  Duration(10 * time.Second),
		},
		Prompts: PromptsConfig{
			DefaultSystem: DefaultSystemPrompt,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Logging: logging.Config{
			Level:         "info",
			MaxSizeMB:     10,
			MaxFiles:      5,
			WriteToStderr: true,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailrag"
	}
	return filepath.Join(home, ".mailrag")
}

// Load reads the config file at path (if it exists), applies env overrides
// and derives storage paths. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to defaults.
		case err != nil:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	cfg.deriveStoragePaths()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// deriveStoragePaths fills unset storage paths from DataDir.
func (c *Config) deriveStoragePaths() {
	if c.Storage.BM25Root == "" {
		c.Storage.BM25Root = filepath.Join(c.Storage.DataDir, "bm25")
	}
	if c.Storage.ArchiveRoot == "" {
		c.Storage.ArchiveRoot = filepath.Join(c.Storage.DataDir, "archive")
	}
	if c.Storage.CursorPath == "" {
		c.Storage.CursorPath = filepath.Join(c.Storage.DataDir, "cursor.json")
	}
	if c.Storage.TelemetryDB == "" {
		c.Storage.TelemetryDB = filepath.Join(c.Storage.DataDir, "telemetry.db")
	}
	if c.Mail.SpoolDir != "" && c.Mail.OutboxDir == "" {
		c.Mail.OutboxDir = filepath.Join(c.Storage.DataDir, "outbox")
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.Storage.DataDir, "logs", "mailrag.log")
	}
}

// applyEnvOverrides applies MAILRAG_* environment variables on top of the
// file values. Only operational knobs are exposed this way.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("MAILRAG_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MAILRAG_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("MAILRAG_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("MAILRAG_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("MAILRAG_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("MAILRAG_VECTOR_HOST"); v != "" {
		c.Vector.Host = v
	}
	if v := os.Getenv("MAILRAG_VECTOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Vector.Port = port
		}
	}
	if v := os.Getenv("MAILRAG_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Count = n
		}
	}
	if v := os.Getenv("MAILRAG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	if c.Workers.QueueSize <= 0 {
		return fmt.Errorf("workers.queue_size must be positive, got %d", c.Workers.QueueSize)
	}
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be in [0, chunking.size), got %d", c.Chunking.Overlap)
	}
	if c.Search.MaxTopK <= 0 {
		return fmt.Errorf("search.max_top_k must be positive, got %d", c.Search.MaxTopK)
	}
	if c.Search.DefaultFinalK > c.Search.DefaultTopK {
		return fmt.Errorf("search.default_final_k %d exceeds default_top_k %d",
			c.Search.DefaultFinalK, c.Search.DefaultTopK)
	}
	if c.Search.BM25Backend != "sqlite" && c.Search.BM25Backend != "bleve" {
		return fmt.Errorf("search.bm25_backend must be sqlite or bleve, got %q", c.Search.BM25Backend)
	}
	if c.Mail.ErrorBackoff.Std() < 10*time.Second {
		c.Mail.ErrorBackoff = Duration(10 * time.Second)
	}
	switch c.Vector.Provider {
	case "qdrant", "memory":
	default:
		return fmt.Errorf("vector.provider must be qdrant or memory, got %q", c.Vector.Provider)
	}
	return nil
}

// SystemPromptFor returns the per-collection system prompt, falling back to
// the configured default.
func (c *Config) SystemPromptFor(collection string) string {
	if p, ok := c.Prompts.Collections[collection]; ok && p != "" {
		return p
	}
	if c.Prompts.DefaultSystem != "" {
		return c.Prompts.DefaultSystem
	}
	return DefaultSystemPrompt
}

// TemperatureFor returns the per-collection temperature override, falling
// back to the global LLM temperature.
func (c *Config) TemperatureFor(collection string) float64 {
	if t, ok := c.Prompts.Temperatures[collection]; ok {
		return t
	}
	return c.LLM.Temperature
}
