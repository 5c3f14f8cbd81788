package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kalambet/reelsense/internal/storage"
)

// VectorSource is the storage the index scans. *storage.Store implements it.
type VectorSource interface {
	// ScanVectors visits every approved item that has an embedding.
	ScanVectors(ctx context.Context, fn func(id string, vec []float32) error) error
	// ItemVector returns nil for an item without an embedding and
	// storage.ErrNotFound for an unknown item.
	ItemVector(ctx context.Context, id string) ([]float32, error)
	UpdateItemEmbedding(ctx context.Context, id string, vec []float32, at time.Time) error
	GetItems(ctx context.Context, ids []string) ([]storage.ContentItem, error)
}

var _ VectorSource = (*storage.Store)(nil)

// Predicate reports whether an item ID must be left out of a result.
type Predicate func(id string) bool

// SearchResult is a catalog item projected for clients, with its similarity
// to the query.
type SearchResult struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	VideoURL     string    `json:"videoUrl,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	CreatorID    string    `json:"creatorId"`
	VoteCount    int       `json:"voteCount"`
	CreatedAt    time.Time `json:"createdAt"`
	Similarity   float64   `json:"similarity"`
}

// ResultFromItem projects an item with the given similarity.
func ResultFromItem(c storage.ContentItem, similarity float64) SearchResult {
	return SearchResult{
		ID:           c.ID,
		Title:        c.Title,
		Description:  c.Description,
		VideoURL:     c.VideoURL,
		ThumbnailURL: c.ThumbnailURL,
		CreatorID:    c.CreatorID,
		VoteCount:    c.VoteCount,
		CreatedAt:    c.CreatedAt,
		Similarity:   similarity,
	}
}

// Index performs brute-force cosine similarity search over item embeddings.
type Index struct {
	src VectorSource
}

func NewIndex(src VectorSource) *Index {
	return &Index{src: src}
}

// idScore holds only the ID and score during the scan phase.
// Item details are fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float64
}

// Nearest returns up to k items whose similarity to vec is strictly greater
// than minSimilarity, ordered by similarity descending then ID ascending.
// Vectors whose dimension differs from vec are skipped.
func (ix *Index) Nearest(ctx context.Context, vec []float32, k int, minSimilarity float64, exclude Predicate) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	queryNormSq := normSq(vec)
	if queryNormSq == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	err := ix.src.ScanVectors(ctx, func(id string, cand []float32) error {
		if len(cand) != len(vec) {
			return nil
		}
		if exclude != nil && exclude(id) {
			return nil
		}
		score, ok := cosine(vec, cand, queryNormSq)
		if !ok || score <= minSimilarity {
			return nil
		}
		c := idScore{ID: id, Score: score}
		if h.Len() < k {
			heap.Push(h, c)
		} else if better(c, (*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	top := make([]idScore, h.Len())
	for i := len(top) - 1; i >= 0; i-- {
		top[i] = heap.Pop(h).(idScore)
	}
	ids := make([]string, len(top))
	scores := make(map[string]float64, len(top))
	for i, t := range top {
		ids[i] = t.ID
		scores[t.ID] = t.Score
	}

	items, err := ix.src.GetItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K items: %w", err)
	}
	results := make([]SearchResult, 0, len(items))
	for _, it := range items {
		results = append(results, ResultFromItem(it, scores[it.ID]))
	}
	// IN queries do not preserve order.
	SortResults(results)
	return results, nil
}

// NearestToItem returns the k items most similar to itemID's vector,
// excluding the item itself. An item without a vector yields no results.
func (ix *Index) NearestToItem(ctx context.Context, itemID string, k int) ([]SearchResult, error) {
	vec, err := ix.src.ItemVector(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, nil
	}
	return ix.Nearest(ctx, vec, k, math.Inf(-1), func(id string) bool { return id == itemID })
}

// WriteVector stores an item's vector and its update time.
func (ix *Index) WriteVector(ctx context.Context, itemID string, vec []float32, at time.Time) error {
	if len(vec) == 0 {
		return fmt.Errorf("refusing to store empty vector for %s", itemID)
	}
	return ix.src.UpdateItemEmbedding(ctx, itemID, vec, at)
}

// SortResults orders by similarity descending, then ID ascending.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
}

func normSq(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return sum
}

// cosine computes dot(a,b) / sqrt(|a|²·|b|²). Taking a single square root of
// the product keeps exact results for small integer vectors (e.g. 0.5).
func cosine(a, b []float32, aNormSq float64) (float64, bool) {
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0, false
	}
	return dot / math.Sqrt(aNormSq*bNormSq), true
}

// better reports whether a ranks ahead of b.
func better(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// idScoreHeap is a min-heap with the worst-ranked candidate at the root.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
