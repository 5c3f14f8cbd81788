// Package recommend blends social, similarity, trending and discovery
// signals into a single ranked feed.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/reelsense/internal/metrics"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/search"
	"github.com/kalambet/reelsense/internal/storage"
)

const (
	DefaultLimit        = 20
	DefaultSimilarLimit = 10
	MaxLimit            = 100

	// historyAnchors is how many recent votes seed the similarity source.
	historyAnchors = 3
	trendingWindow = 7 * 24 * time.Hour
)

// Reasons attached to recommended items.
const (
	ReasonFollowed  = "followed"
	ReasonSimilar   = "similar"
	ReasonTrending  = "trending"
	ReasonDiscovery = "discovery"
	ReasonPopular   = "popular"
)

// RecommendedItem is a search result annotated with why it was picked.
type RecommendedItem struct {
	retrieval.SearchResult
	Reason string  `json:"reason"`
	Score  float64 `json:"score"`
}

// Store is the catalog and social graph the blender reads.
type Store interface {
	FollowedCreatorItems(ctx context.Context, userID string, limit int) ([]storage.ContentItem, error)
	TrendingItems(ctx context.Context, since time.Time, limit int, userID string) ([]storage.ContentItem, error)
	PopularItems(ctx context.Context, limit int) ([]storage.ContentItem, error)
	RandomItems(ctx context.Context, limit int, userID string, rng *rand.Rand) ([]storage.ContentItem, error)
	VotedItemIDs(ctx context.Context, userID string, limit int) ([]string, error)
}

// SimilarFinder looks up items near a reference item.
type SimilarFinder interface {
	FindSimilar(ctx context.Context, itemID string, limit int) ([]retrieval.SearchResult, error)
}

var _ SimilarFinder = (*search.Service)(nil)

// source is one signal in the blend. Sources are listed in merge
// precedence order: an item produced by an earlier source is never
// overwritten by a later one, whichever finishes first.
type source struct {
	name    string
	percent int // share of limit, rounded up
	fetch   func(b *Blender, ctx context.Context, req request, quota int) ([]RecommendedItem, error)
}

var sources = []source{
	{name: ReasonFollowed, percent: 30, fetch: (*Blender).followed},
	{name: ReasonSimilar, percent: 40, fetch: (*Blender).similarToHistory},
	{name: ReasonTrending, percent: 20, fetch: (*Blender).trending},
	{name: ReasonDiscovery, percent: 10, fetch: (*Blender).discovery},
}

const (
	followedWeight  = 0.3
	similarWeight   = 0.4
	trendingWeight  = 0.2
	discoveryWeight = 0.1
)

type request struct {
	userID  string
	voted   []string // most recent first
	exclude map[string]bool
}

// Blender produces recommendation feeds.
type Blender struct {
	store   Store
	similar SimilarFinder
	logger  *slog.Logger
	now     func() time.Time
	newRNG  func() *rand.Rand
}

func NewBlender(store Store, similar SimilarFinder, logger *slog.Logger) *Blender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Blender{
		store:   store,
		similar: similar,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newRNG: func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		},
	}
}

// Recommend blends the four sources for an authenticated user. A source that
// fails is logged and contributes nothing.
func (b *Blender) Recommend(ctx context.Context, userID string, limit int) ([]RecommendedItem, error) {
	limit = clampLimit(limit, DefaultLimit)

	voted, err := b.store.VotedItemIDs(ctx, userID, 0)
	if err != nil {
		b.logger.Warn("loading vote history", "user_id", userID, "error", err)
		voted = nil
	}
	req := request{userID: userID, voted: voted, exclude: make(map[string]bool, len(voted))}
	for _, id := range voted {
		req.exclude[id] = true
	}

	perSource := make([][]RecommendedItem, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		quota := sourceCap(limit, src.percent)
		g.Go(func() error {
			items, err := src.fetch(b, ctx, req, quota)
			if err != nil {
				b.logger.Warn("recommendation source failed", "source", src.name, "user_id", userID, "error", err)
				metrics.RecommendationSourceErrors.WithLabelValues(src.name).Inc()
				return nil
			}
			if len(items) > quota {
				items = items[:quota]
			}
			perSource[i] = items
			return nil
		})
	}
	_ = g.Wait()

	return merge(perSource, limit), nil
}

type ranked struct {
	item RecommendedItem
	rank int
}

// merge applies first-writer-wins in source precedence order, then sorts by
// score with ties broken by precedence and item ID.
func merge(perSource [][]RecommendedItem, limit int) []RecommendedItem {
	seen := make(map[string]bool)
	var all []ranked
	for rank, items := range perSource {
		for _, it := range items {
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			all = append(all, ranked{item: it, rank: rank})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.item.Score != b.item.Score {
			return a.item.Score > b.item.Score
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.item.ID < b.item.ID
	})

	n := min(len(all), limit)
	out := make([]RecommendedItem, n)
	for i := range n {
		out[i] = all[i].item
	}
	return out
}

func (b *Blender) followed(ctx context.Context, req request, quota int) ([]RecommendedItem, error) {
	items, err := b.store.FollowedCreatorItems(ctx, req.userID, quota)
	if err != nil {
		return nil, err
	}
	return fromItems(items, ReasonFollowed, followedWeight), nil
}

// similarToHistory queries neighbours of the user's most recent votes,
// splitting quota evenly across those queries.
func (b *Blender) similarToHistory(ctx context.Context, req request, quota int) ([]RecommendedItem, error) {
	anchors := req.voted[:min(historyAnchors, len(req.voted))]
	if len(anchors) == 0 {
		return nil, nil
	}
	per := (quota + len(anchors) - 1) / len(anchors)
	// Over-fetch so excluded (already voted) neighbours do not starve the quota.
	fetch := min(per+len(req.voted), MaxLimit)

	best := make(map[string]RecommendedItem)
	var errs []error
	for _, anchor := range anchors {
		hits, err := b.similar.FindSimilar(ctx, anchor, fetch)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("neighbours of %s: %w", anchor, err))
			continue
		}
		taken := 0
		for _, h := range hits {
			if taken == per {
				break
			}
			if req.exclude[h.ID] || h.Similarity <= 0 {
				continue
			}
			taken++
			score := similarWeight * h.Similarity
			if prev, ok := best[h.ID]; ok && prev.Score >= score {
				continue
			}
			best[h.ID] = RecommendedItem{SearchResult: h, Reason: ReasonSimilar, Score: score}
		}
	}
	if len(best) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	out := make([]RecommendedItem, 0, len(best))
	for _, it := range best {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *Blender) trending(ctx context.Context, req request, quota int) ([]RecommendedItem, error) {
	items, err := b.store.TrendingItems(ctx, b.now().Add(-trendingWindow), quota, req.userID)
	if err != nil {
		return nil, err
	}
	return fromItems(items, ReasonTrending, trendingWeight), nil
}

func (b *Blender) discovery(ctx context.Context, req request, quota int) ([]RecommendedItem, error) {
	items, err := b.store.RandomItems(ctx, quota, req.userID, b.newRNG())
	if err != nil {
		return nil, err
	}
	return fromItems(items, ReasonDiscovery, discoveryWeight), nil
}

// RecommendAnonymous returns the most voted approved items.
func (b *Blender) RecommendAnonymous(ctx context.Context, limit int) ([]RecommendedItem, error) {
	limit = clampLimit(limit, DefaultLimit)
	items, err := b.store.PopularItems(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("loading popular items: %w", err)
	}
	return fromItems(items, ReasonPopular, 1), nil
}

// SimilarTo recommends neighbours of itemID scored by their similarity.
func (b *Blender) SimilarTo(ctx context.Context, itemID string, limit int) ([]RecommendedItem, error) {
	limit = clampLimit(limit, DefaultSimilarLimit)
	hits, err := b.similar.FindSimilar(ctx, itemID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RecommendedItem, len(hits))
	for i, h := range hits {
		out[i] = RecommendedItem{SearchResult: h, Reason: ReasonSimilar, Score: h.Similarity}
	}
	return out, nil
}

func fromItems(items []storage.ContentItem, reason string, score float64) []RecommendedItem {
	out := make([]RecommendedItem, len(items))
	for i, it := range items {
		out[i] = RecommendedItem{
			SearchResult: retrieval.ResultFromItem(it, 0),
			Reason:       reason,
			Score:        score,
		}
	}
	return out
}

// sourceCap is ceil(limit * percent / 100).
func sourceCap(limit, percent int) int {
	return (limit*percent + 99) / 100
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, MaxLimit)
}
