package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pdf-rag/internal/models"
)

const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	// ProviderBedrock reads credentials and region from the AWS default chain
	ProviderBedrock = "bedrock"

	BackendChromem  = "chromem"
	BackendPostgres = "postgres"

	DriverPG = "pgdriver"
	DriverPQ = "pq"

	defaultOllamaURL      = "http://localhost:11434"
	defaultOpenAIURL      = "https://api.openai.com/v1"
	defaultEmbeddingModel = "nomic-embed-text"
	defaultInferenceModel = "llama3"
	bedrockEmbeddingModel = "amazon.titan-embed-text-v2:0"
	bedrockInferenceModel = "meta.llama3-70b-instruct-v1:0"
	defaultIndexPath      = "./faiss_index"
	defaultTimeoutSecs    = 120
	defaultBatchSize      = 32
	defaultTable          = "pdf_chunks"
)

// LLMConfig describes one model endpoint, either for embeddings or for generation
type LLMConfig struct {
	Provider    string `yaml:"provider"`
	BaseURL     string `yaml:"base_url"`
	Key         string `yaml:"key"`
	KeyEnv      string `yaml:"key_env"`
	Model       string `yaml:"model"`
	Dimension   int    `yaml:"dimension"`
	BatchSize   int    `yaml:"batch_size"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

type RAGConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
	TopK          int    `yaml:"top_k"`
	Backend       string `yaml:"backend"`
	IndexPath     string `yaml:"index_path"`
	EncryptionKey string `yaml:"encryption_key"`
	Compress      bool   `yaml:"compress"`
	TempDir       string `yaml:"temp_dir"`
}

type GenerationConfig struct {
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Driver   string `yaml:"driver"`
	Table    string `yaml:"table"`
	Debug    bool   `yaml:"debug"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	EmbedLLM     LLMConfig        `yaml:"embed_llm"`
	InferenceLLM LLMConfig        `yaml:"inference_llm"`
	RAG          RAGConfig        `yaml:"rag"`
	Generation   GenerationConfig `yaml:"generation"`
	Database     DatabaseConfig   `yaml:"database"`
	Log          LogConfig        `yaml:"log"`
}

// LoadConfig reads a YAML config file. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", models.ErrConfiguration, path, err)
		}
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Default returns a config with every default applied
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

func ApplyDefaults(cfg *Config) {
	applyLLMDefaults(&cfg.EmbedLLM, defaultEmbeddingModel, bedrockEmbeddingModel)
	applyLLMDefaults(&cfg.InferenceLLM, defaultInferenceModel, bedrockInferenceModel)
	if cfg.EmbedLLM.BatchSize == 0 {
		cfg.EmbedLLM.BatchSize = defaultBatchSize
	}

	// an explicit overlap of 0 is only honoured together with an explicit chunk size
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = models.DefaultChunkSize
		if cfg.RAG.ChunkOverlap == 0 {
			cfg.RAG.ChunkOverlap = models.DefaultChunkOverlap
		}
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = models.DefaultTopK
	}
	if cfg.RAG.Backend == "" {
		cfg.RAG.Backend = BackendChromem
	}
	if cfg.RAG.IndexPath == "" {
		cfg.RAG.IndexPath = defaultIndexPath
	}

	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = models.DefaultMaxTokens
	}
	if cfg.Generation.Temperature == nil {
		t := models.DefaultTemperature
		cfg.Generation.Temperature = &t
	}
	if cfg.Generation.TopP == nil {
		p := models.DefaultTopP
		cfg.Generation.TopP = &p
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPG
	}
	if cfg.Database.Table == "" {
		cfg.Database.Table = defaultTable
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func applyLLMDefaults(c *LLMConfig, model, bedrockModel string) {
	if c.Provider == "" {
		c.Provider = ProviderOllama
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case ProviderOllama:
			c.BaseURL = defaultOllamaURL
		case ProviderOpenAI:
			c.BaseURL = defaultOpenAIURL
		}
	}
	if c.Model == "" {
		c.Model = model
		if c.Provider == ProviderBedrock {
			c.Model = bedrockModel
		}
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = defaultTimeoutSecs
	}
}

// Validate reports the first invalid setting wrapped in models.ErrConfiguration
func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", models.ErrConfiguration, c.RAG.ChunkSize)
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, %d), got %d", models.ErrConfiguration, c.RAG.ChunkSize, c.RAG.ChunkOverlap)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive, got %d", models.ErrConfiguration, c.RAG.TopK)
	}
	if key := c.RAG.EncryptionKey; key != "" && len(key) != 32 {
		return fmt.Errorf("%w: encryption_key must be 32 bytes, got %d", models.ErrConfiguration, len(key))
	}

	switch c.EmbedLLM.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderBedrock:
	default:
		return fmt.Errorf("%w: unsupported embedding provider %q", models.ErrConfiguration, c.EmbedLLM.Provider)
	}
	switch c.InferenceLLM.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderAnthropic, ProviderBedrock:
	default:
		return fmt.Errorf("%w: unsupported inference provider %q", models.ErrConfiguration, c.InferenceLLM.Provider)
	}
	if c.EmbedLLM.Dimension < 0 {
		return fmt.Errorf("%w: dimension must not be negative", models.ErrConfiguration)
	}

	switch c.RAG.Backend {
	case BackendChromem:
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database.url is required for the postgres backend", models.ErrConfiguration)
		}
		switch c.Database.Driver {
		case DriverPG, DriverPQ:
		default:
			return fmt.Errorf("%w: unsupported database driver %q", models.ErrConfiguration, c.Database.Driver)
		}
	default:
		return fmt.Errorf("%w: unsupported index backend %q", models.ErrConfiguration, c.RAG.Backend)
	}
	return nil
}

// APIKey returns the configured key, falling back to the environment variable named by KeyEnv.
func (c LLMConfig) APIKey() string {
	key := c.Key
	if key == "" && c.KeyEnv != "" {
		key = os.Getenv(c.KeyEnv)
	}
	return strings.TrimPrefix(key, "Bearer ")
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}
