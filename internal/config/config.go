// Package config loads server configuration from defaults, an optional .env
// file, and ASKDOC_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Ingest    IngestConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	GenModel   string
}

type StorageConfig struct {
	DataDir string
}

type IngestConfig struct {
	MaxFileBytes int
	MaxChunkSize int
	Overlap      int
}

type EmbeddingConfig struct {
	MaxBatch    int
	MaxAttempts int
	Concurrency int
	RatePerSec  float64
}

type RetrievalConfig struct {
	TopK          int
	ContextBudget int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			GenModel:   "mistral-nemo",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			MaxFileBytes: 10 << 20,
			MaxChunkSize: 1000,
			Overlap:      100,
		},
		Embedding: EmbeddingConfig{
			MaxBatch:    32,
			MaxAttempts: 4,
			Concurrency: 4,
			RatePerSec:  10,
		},
		Retrieval: RetrievalConfig{
			TopK:          8,
			ContextBudget: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if base, err := os.UserHomeDir(); err == nil {
		return filepath.Join(base, ".askdoc")
	}
	return ".askdoc"
}

// Load reads configuration from a .env file in the working directory (if
// present) and ASKDOC_* environment variables, over the built-in defaults.
func Load() (Config, error) {
	// A missing .env file is not an error; env vars still apply.
	_ = godotenv.Load()

	cfg := defaults()
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.Token == "" {
		return fmt.Errorf("missing required config: API token. Set it via environment variable ASKDOC_SERVER_TOKEN")
	}
	if cfg.Ingest.Overlap < 0 || cfg.Ingest.Overlap >= cfg.Ingest.MaxChunkSize {
		return fmt.Errorf("chunk overlap %d must be non-negative and smaller than max chunk size %d",
			cfg.Ingest.Overlap, cfg.Ingest.MaxChunkSize)
	}
	return nil
}
