package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kalambet/reelsense/internal/assistant"
	"github.com/kalambet/reelsense/internal/config"
	"github.com/kalambet/reelsense/internal/embedding"
	"github.com/kalambet/reelsense/internal/engine"
	"github.com/kalambet/reelsense/internal/proxy"
	"github.com/kalambet/reelsense/internal/recommend"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/search"
	"github.com/kalambet/reelsense/internal/storage"
)

func guardConfig(cfg config.Config, name string) engine.GuardConfig {
	return engine.GuardConfig{
		Name:              name,
		Timeout:           cfg.ProviderTimeout(),
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Burst:             cfg.Provider.Burst,
		FailureThreshold:  uint32(max(cfg.Provider.FailureThreshold, 0)),
		OpenTimeout:       cfg.BreakerOpenTimeout(),
	}
}

// newEmbedder builds the configured embedding provider behind its guard, or
// returns nil when none is configured.
func newEmbedder(cfg config.Config) engine.Embedder {
	if !cfg.EmbeddingConfigured() {
		return nil
	}
	switch cfg.Embedding.Provider {
	case config.ProviderOpenAI:
		inner := engine.NewOpenAIEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
		return engine.NewGuardedEmbedder(inner, guardConfig(cfg, "openai-embed"))
	case config.ProviderOllama:
		inner := engine.NewOllamaEngine(cfg.Ollama.BaseURL, "", cfg.Ollama.EmbedModel)
		return engine.NewGuardedEmbedder(inner, guardConfig(cfg, "ollama-embed"))
	}
	return nil
}

// newGenerator builds the configured generation provider behind its guard,
// or returns nil when none is configured.
func newGenerator(cfg config.Config) engine.Generator {
	if !cfg.GenerationConfigured() {
		return nil
	}
	switch cfg.Generation.Provider {
	case config.ProviderOpenRouter:
		inner := proxy.NewGenerator(proxy.NewClient(cfg.Generation.OpenRouterAPIKey, proxy.WithBaseURL(cfg.Generation.BaseURL)), cfg.Generation.Model)
		return engine.NewGuardedGenerator(inner, guardConfig(cfg, "openrouter-chat"))
	case config.ProviderOllama:
		inner := engine.NewOllamaEngine(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, "")
		return engine.NewGuardedGenerator(inner, guardConfig(cfg, "ollama-chat"))
	}
	return nil
}

// ollamaModels lists the local models the configuration depends on.
func ollamaModels(cfg config.Config) []string {
	var models []string
	if cfg.Embedding.Provider == config.ProviderOllama {
		models = append(models, cfg.Ollama.EmbedModel)
	}
	if cfg.Generation.Provider == config.ProviderOllama {
		models = append(models, cfg.Ollama.ChatModel)
	}
	return models
}

// ensureOllama pulls missing local models. A local backend that is down is
// logged, not fatal: search and chat fall back without it.
func ensureOllama(ctx context.Context, cfg config.Config, w io.Writer) {
	models := ollamaModels(cfg)
	if len(models) == 0 {
		return
	}
	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL, "", "")
	if err := engine.EnsureReady(ctx, eng, models, w); err != nil {
		slog.Warn("local models unavailable, provider calls will fail until it is up", "base_url", cfg.Ollama.BaseURL, "error", err)
	}
}

// app is the wired service graph shared by start, chat and mcp.
type app struct {
	cfg        config.Config
	store      *storage.Store
	search     *search.Service
	blender    *recommend.Blender
	assistant  *assistant.Assistant
	embeddings *embedding.Generator
}

func openApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return wireApp(cfg, store, newEmbedder(cfg), newGenerator(cfg)), nil
}

func wireApp(cfg config.Config, store *storage.Store, emb engine.Embedder, gen engine.Generator) *app {
	if emb == nil {
		slog.Warn("no embedding provider configured, search uses keyword matching")
	}
	if gen == nil {
		slog.Warn("no generation provider configured, chat replies with an apology")
	}

	index := retrieval.NewIndex(store)
	svc := search.NewService(store, index, emb, nil)
	return &app{
		cfg:        cfg,
		store:      store,
		search:     svc,
		blender:    recommend.NewBlender(store, svc, nil),
		assistant:  assistant.New(store, svc, gen, nil),
		embeddings: embedding.NewGenerator(store, index, emb, nil),
	}
}

func (a *app) Close() error {
	return a.store.Close()
}
