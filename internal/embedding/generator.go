// Package embedding fills in catalog item vectors from an embedding provider.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/reelsense/internal/engine"
	"github.com/kalambet/reelsense/internal/metrics"
	"github.com/kalambet/reelsense/internal/storage"
)

// DefaultBatchSize is the number of items sent per provider call.
const DefaultBatchSize = 100

// Result reports the outcome of a batch run.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func (r *Result) add(o Result) {
	r.Processed += o.Processed
	r.Failed += o.Failed
}

// ItemStore is the read side of the catalog the generator needs.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (storage.ContentItem, error)
	GetItems(ctx context.Context, ids []string) ([]storage.ContentItem, error)
	ListApprovedWithoutEmbedding(ctx context.Context) ([]string, error)
}

// VectorWriter persists a vector and its timestamp in one write.
type VectorWriter interface {
	WriteVector(ctx context.Context, itemID string, vec []float32, at time.Time) error
}

// Generator produces and stores item embeddings. A nil embedder means the
// provider is not configured.
type Generator struct {
	items    ItemStore
	writer   VectorWriter
	embedder engine.Embedder
	logger   *slog.Logger
	now      func() time.Time
}

func NewGenerator(items ItemStore, writer VectorWriter, embedder engine.Embedder, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		items:    items,
		writer:   writer,
		embedder: embedder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InputText is the provider input for an item: the title, followed by the
// description on its own line when present, capped at engine.MaxInputChars.
func InputText(c storage.ContentItem) string {
	text := c.Title
	if d := strings.TrimSpace(c.Description); d != "" {
		text += "\n" + c.Description
	}
	return engine.TruncateInput(text)
}

// EmbedOne embeds a single item. Without a provider it logs and returns nil.
func (g *Generator) EmbedOne(ctx context.Context, itemID string) error {
	if g.embedder == nil {
		g.logger.Info("embedding provider not configured, skipping item", "item_id", itemID)
		return nil
	}

	item, err := g.items.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("loading item %s: %w", itemID, err)
	}
	vec, err := g.embedder.Embed(ctx, InputText(item))
	if err != nil {
		metrics.RecordEmbeddingResult(0, 1)
		return fmt.Errorf("embedding item %s: %w", itemID, err)
	}
	if err := g.writer.WriteVector(ctx, itemID, vec, g.now()); err != nil {
		metrics.RecordEmbeddingResult(0, 1)
		return fmt.Errorf("storing vector for %s: %w", itemID, err)
	}
	metrics.RecordEmbeddingResult(1, 0)
	return nil
}

// EmbedBatch embeds itemIDs in chunks of batchSize (DefaultBatchSize when
// <= 0), one provider call per chunk. A failed provider call fails its whole
// chunk; a failed write fails only that item. Neither stops the run.
func (g *Generator) EmbedBatch(ctx context.Context, itemIDs []string, batchSize int) Result {
	var total Result
	if len(itemIDs) == 0 {
		return total
	}
	if g.embedder == nil {
		g.logger.Warn("embedding provider not configured, batch not embedded", "items", len(itemIDs))
		total.Failed = len(itemIDs)
		return total
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	for start := 0; start < len(itemIDs); start += batchSize {
		end := min(start+batchSize, len(itemIDs))
		res := g.embedChunk(ctx, itemIDs[start:end])
		total.add(res)
		g.logger.Debug("embedding chunk done", "offset", start, "size", end-start,
			"processed", res.Processed, "failed", res.Failed)
	}

	metrics.RecordEmbeddingResult(total.Processed, total.Failed)
	g.logger.Info("embedding batch finished", "processed", total.Processed, "failed", total.Failed)
	return total
}

func (g *Generator) embedChunk(ctx context.Context, ids []string) Result {
	var res Result

	items, err := g.items.GetItems(ctx, ids)
	if err != nil {
		g.logger.Error("loading embedding chunk", "error", err, "size", len(ids))
		res.Failed = len(ids)
		return res
	}
	// Unknown IDs are dropped by the store and count as failed.
	res.Failed = len(ids) - len(items)
	if len(items) == 0 {
		return res
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = InputText(it)
	}
	vecs, err := g.embedder.EmbedMany(ctx, texts)
	if err == nil && len(vecs) != len(items) {
		err = fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(items))
	}
	if err != nil {
		g.logger.Error("embedding provider failed for chunk", "error", err, "size", len(items))
		res.Failed += len(items)
		return res
	}

	at := g.now()
	for i, it := range items {
		if err := g.writer.WriteVector(ctx, it.ID, vecs[i], at); err != nil {
			g.logger.Warn("storing vector failed", "item_id", it.ID, "error", err)
			res.Failed++
			continue
		}
		res.Processed++
	}
	return res
}

// MigrateMissing embeds every approved item that has no vector yet.
func (g *Generator) MigrateMissing(ctx context.Context) (Result, error) {
	ids, err := g.items.ListApprovedWithoutEmbedding(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing unindexed items: %w", err)
	}
	if len(ids) == 0 {
		return Result{}, nil
	}
	g.logger.Info("migrating missing embeddings", "items", len(ids))
	return g.EmbedBatch(ctx, ids, DefaultBatchSize), nil
}
