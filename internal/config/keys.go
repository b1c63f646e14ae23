package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		env: "ASKDOC_SERVER_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		env: "ASKDOC_SERVER_TOKEN", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
	},
	{
		env: "ASKDOC_OLLAMA_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
	},
	{
		env: "ASKDOC_OLLAMA_EMBED_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
	},
	{
		env: "ASKDOC_OLLAMA_GEN_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Ollama.GenModel = v.(string) },
	},
	{
		env: "ASKDOC_STORAGE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "ASKDOC_INGEST_MAX_FILE_BYTES", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Ingest.MaxFileBytes = v.(int) },
	},
	{
		env: "ASKDOC_INGEST_MAX_CHUNK_SIZE", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Ingest.MaxChunkSize = v.(int) },
	},
	{
		env: "ASKDOC_INGEST_OVERLAP", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Ingest.Overlap = v.(int) },
	},
	{
		env: "ASKDOC_EMBEDDING_MAX_BATCH", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Embedding.MaxBatch = v.(int) },
	},
	{
		env: "ASKDOC_EMBEDDING_MAX_ATTEMPTS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Embedding.MaxAttempts = v.(int) },
	},
	{
		env: "ASKDOC_EMBEDDING_CONCURRENCY", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Embedding.Concurrency = v.(int) },
	},
	{
		env: "ASKDOC_EMBEDDING_RATE_PER_SEC", typ: kFloat,
		apply: func(cfg *Config, v any) { cfg.Embedding.RatePerSec = v.(float64) },
	},
	{
		env: "ASKDOC_RETRIEVAL_TOP_K", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
	},
	{
		env: "ASKDOC_RETRIEVAL_CONTEXT_BUDGET", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Retrieval.ContextBudget = v.(int) },
	},
	{
		env: "ASKDOC_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) error {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			i, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("parsing %s=%q: %w", s.env, raw, err)
			}
			s.apply(cfg, i)
		case kFloat:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("parsing %s=%q: %w", s.env, raw, err)
			}
			s.apply(cfg, f)
		}
	}
	return nil
}
