// Package search answers free-text and item-similarity queries over the
// catalog, falling back to substring matching when vectors are unavailable.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/reelsense/internal/engine"
	"github.com/kalambet/reelsense/internal/metrics"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/storage"
)

const (
	DefaultLimit        = 20
	DefaultThreshold    = 0.5
	DefaultSimilarLimit = 10
	MaxLimit            = 100

	// LexicalSimilarity tags every result produced by the substring fallback.
	LexicalSimilarity = 0.5
)

// ErrEmptyQuery is returned for a blank query before any provider call.
var ErrEmptyQuery = errors.New("search query is empty")

// LexicalStore runs the substring fallback.
type LexicalStore interface {
	SearchLexical(ctx context.Context, query string, limit int) ([]storage.ContentItem, error)
}

// VectorIndex is the nearest-neighbour lookup the service depends on.
type VectorIndex interface {
	Nearest(ctx context.Context, vec []float32, k int, minSimilarity float64, exclude retrieval.Predicate) ([]retrieval.SearchResult, error)
	NearestToItem(ctx context.Context, itemID string, k int) ([]retrieval.SearchResult, error)
}

var _ VectorIndex = (*retrieval.Index)(nil)

// Service is the semantic search entry point. A nil embedder means the
// embedding provider is not configured and every query goes lexical.
type Service struct {
	store    LexicalStore
	index    VectorIndex
	embedder engine.Embedder
	logger   *slog.Logger
}

func NewService(store LexicalStore, index VectorIndex, embedder engine.Embedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, index: index, embedder: embedder, logger: logger}
}

// Search returns items whose similarity to query is strictly above
// threshold, best first. Provider and index failures fall back to lexical
// matching; only a failing lexical read is returned as an error.
func (s *Service) Search(ctx context.Context, query string, limit int, threshold float64) ([]retrieval.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	limit = clampLimit(limit, DefaultLimit)

	if s.embedder == nil {
		return s.lexical(ctx, query, limit, "unconfigured")
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, using lexical search", "error", err)
		return s.lexical(ctx, query, limit, "embed_error")
	}

	results, err := s.index.Nearest(ctx, vec, limit, threshold, nil)
	if err != nil {
		s.logger.Warn("vector lookup failed, using lexical search", "error", err)
		return s.lexical(ctx, query, limit, "index_error")
	}
	s.logger.Debug("semantic search", "query_len", len(query), "results", len(results))
	if results == nil {
		results = []retrieval.SearchResult{}
	}
	return results, nil
}

func (s *Service) lexical(ctx context.Context, query string, limit int, reason string) ([]retrieval.SearchResult, error) {
	metrics.SearchFallbacks.WithLabelValues(reason).Inc()

	items, err := s.store.SearchLexical(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	results := make([]retrieval.SearchResult, len(items))
	for i, it := range items {
		results[i] = retrieval.ResultFromItem(it, LexicalSimilarity)
	}
	return results, nil
}

// FindSimilar returns the items nearest to itemID. An item without a vector
// yields an empty list; an unknown item yields storage.ErrNotFound.
func (s *Service) FindSimilar(ctx context.Context, itemID string, limit int) ([]retrieval.SearchResult, error) {
	limit = clampLimit(limit, DefaultSimilarLimit)

	results, err := s.index.NearestToItem(ctx, itemID, limit)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("similar-item lookup failed", "item_id", itemID, "error", err)
		metrics.SearchFallbacks.WithLabelValues("similar_error").Inc()
		return []retrieval.SearchResult{}, nil
	}
	if results == nil {
		results = []retrieval.SearchResult{}
	}
	return results, nil
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, MaxLimit)
}
