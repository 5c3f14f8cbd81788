package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted by embedding.provider and generation.provider.
// An empty name leaves the provider unconfigured.
const (
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Provider   ProviderConfig
	Embedding  EmbeddingConfig
	Generation GenerationConfig
	Ollama     OllamaConfig
	Auth       AuthConfig
	Worker     WorkerConfig
}

type ServerConfig struct {
	Port int
	// ChatRatePerMinute limits chat requests per user; 0 disables the limit.
	ChatRatePerMinute int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// ProviderConfig guards every call to an embedding or generation provider.
type ProviderConfig struct {
	Timeout           string
	RequestsPerSecond float64
	Burst             int
	FailureThreshold  int
	OpenTimeout       string
}

type EmbeddingConfig struct {
	Provider   string
	Model      string
	BaseURL    string
	Dimensions int
	APIKey     string
}

type GenerationConfig struct {
	Provider         string
	Model            string
	BaseURL          string
	OpenRouterAPIKey string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type AuthConfig struct {
	AdminToken string
	JWTSecret  string
}

type WorkerConfig struct {
	PollInterval string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:              4000,
			ChatRatePerMinute: 30,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Provider: ProviderConfig{
			Timeout:           "15s",
			RequestsPerSecond: 0,
			Burst:             1,
			FailureThreshold:  5,
			OpenTimeout:       "30s",
		},
		Embedding: EmbeddingConfig{
			Model:   "text-embedding-3-small",
			BaseURL: "https://api.openai.com/v1",
		},
		Generation: GenerationConfig{
			Model:   "openai/gpt-4o-mini",
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Worker: WorkerConfig{
			PollInterval: "500ms",
		},
	}
}

// Load reads configuration from the JSON config file, a .env file in the
// working directory, and environment variables (REELSENSE_*), in increasing
// order of precedence. Secrets are read from the environment only.
//
// Missing provider credentials are not an error: the affected provider is
// left unconfigured and callers take their fallback paths.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Embedding.Provider {
	case "", ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown embedding.provider %q (want %s or %s)", c.Embedding.Provider, ProviderOpenAI, ProviderOllama)
	}
	switch c.Generation.Provider {
	case "", ProviderOpenRouter, ProviderOllama:
	default:
		return fmt.Errorf("unknown generation.provider %q (want %s or %s)", c.Generation.Provider, ProviderOpenRouter, ProviderOllama)
	}
	for key, v := range map[string]string{
		"provider.timeout":      c.Provider.Timeout,
		"provider.open_timeout": c.Provider.OpenTimeout,
		"worker.poll_interval":  c.Worker.PollInterval,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}
	return nil
}

// ProviderTimeout is the bounded deadline applied to each provider call.
func (c Config) ProviderTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Provider.Timeout)
	return d
}

// BreakerOpenTimeout is how long a tripped provider breaker stays open.
func (c Config) BreakerOpenTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Provider.OpenTimeout)
	return d
}

func (c Config) WorkerPollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Worker.PollInterval)
	return d
}

// EmbeddingConfigured reports whether an embedding provider can be built.
func (c Config) EmbeddingConfigured() bool {
	switch c.Embedding.Provider {
	case ProviderOpenAI:
		return c.Embedding.APIKey != ""
	case ProviderOllama:
		return true
	}
	return false
}

// GenerationConfigured reports whether a generation provider can be built.
func (c Config) GenerationConfigured() bool {
	switch c.Generation.Provider {
	case ProviderOpenRouter:
		return c.Generation.OpenRouterAPIKey != ""
	case ProviderOllama:
		return true
	}
	return false
}

// SlogLevel maps log.level to a slog.Level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
