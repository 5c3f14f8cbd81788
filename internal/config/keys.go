package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "REELSENSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.chat_rate_per_minute", typ: kInt, env: "REELSENSE_SERVER_CHAT_RATE_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Server.ChatRatePerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.ChatRatePerMinute },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REELSENSE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "REELSENSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "provider.timeout", typ: kString, env: "REELSENSE_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "provider.requests_per_second", typ: kFloat, env: "REELSENSE_PROVIDER_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Provider.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Provider.RequestsPerSecond },
	},
	{
		key: "provider.burst", typ: kInt, env: "REELSENSE_PROVIDER_BURST",
		apply:   func(cfg *Config, v any) { cfg.Provider.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.Burst },
	},
	{
		key: "provider.failure_threshold", typ: kInt, env: "REELSENSE_PROVIDER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Provider.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.FailureThreshold },
	},
	{
		key: "provider.open_timeout", typ: kString, env: "REELSENSE_PROVIDER_OPEN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenTimeout },
	},
	{
		key: "embedding.provider", typ: kString, env: "REELSENSE_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "REELSENSE_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.base_url", typ: kString, env: "REELSENSE_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "REELSENSE_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "embedding.api_key", typ: kString, env: "REELSENSE_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "generation.provider", typ: kString, env: "REELSENSE_GENERATION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Generation.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Provider },
	},
	{
		key: "generation.model", typ: kString, env: "REELSENSE_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.base_url", typ: kString, env: "REELSENSE_GENERATION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.BaseURL },
	},
	{
		key: "generation.openrouter_api_key", typ: kString, env: "REELSENSE_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenRouterAPIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "REELSENSE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "REELSENSE_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "REELSENSE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "auth.admin_token", typ: kString, env: "REELSENSE_ADMIN_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.AdminToken },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "REELSENSE_JWT_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "REELSENSE_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					slog.Warn("could not parse bool from config, using default", "key", s.key, "value", v, "error", err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					slog.Warn("could not parse float from config, using default", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("could not parse integer from env, using default", "env", s.env, "value", raw, "error", err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				slog.Warn("could not parse bool from env, using default", "env", s.env, "value", raw, "error", err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				slog.Warn("could not parse float from env, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
