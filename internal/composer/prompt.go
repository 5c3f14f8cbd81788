package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/reelsense/internal/engine"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/storage"
)

const (
	defaultMaxContextTokens = 2000

	// MaxHistoryTurns is the hard cap on prior turns sent to the provider.
	MaxHistoryTurns = 10
)

// DefaultPreamble opens every conversation sent to the generation provider.
const DefaultPreamble = `You are the reelsense assistant. You help people find short videos they will enjoy.
Recommend only videos listed under [Matching Videos] and refer to them by title.
If nothing listed fits, say so briefly and suggest a different search. Keep answers short.`

// Composer assembles the message window for one assistant reply: the
// preamble, recent turns, a grounding note listing matched videos, and the
// new user message.
type Composer struct {
	Preamble         string
	MaxContextTokens int
}

// New creates a Composer with the given token budget for the grounding
// note. If maxContextTokens <= 0, the default (2000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{Preamble: DefaultPreamble, MaxContextTokens: maxContextTokens}
}

// Compose builds the provider messages. history must be oldest first; only
// its last MaxHistoryTurns entries are used. The grounding note is omitted
// when there are no hits.
func (c *Composer) Compose(history []storage.Turn, hits []retrieval.SearchResult, userText string) []engine.Message {
	if len(history) > MaxHistoryTurns {
		history = history[len(history)-MaxHistoryTurns:]
	}

	msgs := make([]engine.Message, 0, len(history)+3)
	msgs = append(msgs, engine.Message{Role: engine.RoleSystem, Content: c.Preamble})
	for _, t := range history {
		role := engine.RoleUser
		if t.Role == storage.RoleAssistant {
			role = engine.RoleAssistant
		}
		msgs = append(msgs, engine.Message{Role: role, Content: t.Content})
	}
	if note := c.groundingNote(hits); note != "" {
		msgs = append(msgs, engine.Message{Role: engine.RoleSystem, Content: note})
	}
	return append(msgs, engine.Message{Role: engine.RoleUser, Content: userText})
}

// groundingNote lists hits best first, dropping entries that would push the
// note past the token budget.
func (c *Composer) groundingNote(hits []retrieval.SearchResult) string {
	if len(hits) == 0 {
		return ""
	}

	sorted := make([]retrieval.SearchResult, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Similarity > sorted[j].Similarity
	})

	const header = "[Matching Videos]\n"
	remaining := c.MaxContextTokens - EstimateTokens(header)

	var sb strings.Builder
	for _, h := range sorted {
		entry := formatHit(h)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}
	if sb.Len() == 0 {
		return ""
	}
	return header + sb.String()
}

func formatHit(h retrieval.SearchResult) string {
	entry := fmt.Sprintf("- %q (id: %s, relevance: %.2f)\n", h.Title, h.ID, h.Similarity)
	if d := strings.TrimSpace(h.Description); d != "" {
		entry += "  " + d + "\n"
	}
	return entry
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
