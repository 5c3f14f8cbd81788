package composer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/reelsense/internal/engine"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/storage"
)

func turns(n int) []storage.Turn {
	out := make([]storage.Turn, n)
	for i := range out {
		role := storage.RoleUser
		if i%2 == 1 {
			role = storage.RoleAssistant
		}
		out[i] = storage.Turn{Role: role, Content: fmt.Sprintf("turn %d", i)}
	}
	return out
}

func TestCompose_NoHistoryNoHits(t *testing.T) {
	c := New(0)
	msgs := c.Compose(nil, nil, "hello")

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != engine.RoleSystem || msgs[0].Content != DefaultPreamble {
		t.Errorf("first message = %+v, want preamble", msgs[0])
	}
	if msgs[1].Role != engine.RoleUser || msgs[1].Content != "hello" {
		t.Errorf("last message = %+v", msgs[1])
	}
}

func TestCompose_HistoryOrderAndRoles(t *testing.T) {
	c := New(0)
	msgs := c.Compose(turns(4), nil, "next")

	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	for i := range 4 {
		m := msgs[i+1]
		if m.Content != fmt.Sprintf("turn %d", i) {
			t.Errorf("msgs[%d] content = %q", i+1, m.Content)
		}
		wantRole := engine.RoleUser
		if i%2 == 1 {
			wantRole = engine.RoleAssistant
		}
		if m.Role != wantRole {
			t.Errorf("msgs[%d] role = %q, want %q", i+1, m.Role, wantRole)
		}
	}
}

func TestCompose_HistoryCappedToMostRecent(t *testing.T) {
	c := New(0)
	msgs := c.Compose(turns(25), nil, "now")

	if len(msgs) != MaxHistoryTurns+2 {
		t.Fatalf("expected %d messages, got %d", MaxHistoryTurns+2, len(msgs))
	}
	if msgs[1].Content != "turn 15" {
		t.Errorf("oldest kept turn = %q, want turn 15", msgs[1].Content)
	}
	if msgs[len(msgs)-2].Content != "turn 24" {
		t.Errorf("newest kept turn = %q, want turn 24", msgs[len(msgs)-2].Content)
	}
}

func TestCompose_GroundingNoteBeforeUserText(t *testing.T) {
	c := New(0)
	hits := []retrieval.SearchResult{
		{ID: "v2", Title: "Tonkotsu at home", Similarity: 0.4},
		{ID: "v1", Title: "Street ramen in Fukuoka", Description: "Late night stalls", Similarity: 0.9},
	}
	msgs := c.Compose(turns(2), hits, "ramen videos?")

	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	note := msgs[3]
	if note.Role != engine.RoleSystem {
		t.Fatalf("grounding note role = %q", note.Role)
	}
	if !strings.HasPrefix(note.Content, "[Matching Videos]") {
		t.Errorf("note missing header: %s", note.Content)
	}
	first := strings.Index(note.Content, "Street ramen")
	second := strings.Index(note.Content, "Tonkotsu")
	if first < 0 || second < 0 || first > second {
		t.Errorf("hits not ordered by relevance: %s", note.Content)
	}
	if !strings.Contains(note.Content, "Late night stalls") {
		t.Errorf("description missing: %s", note.Content)
	}
	if msgs[4].Content != "ramen videos?" {
		t.Errorf("user text = %q", msgs[4].Content)
	}
}

func TestCompose_BudgetDropsOversizedHits(t *testing.T) {
	c := New(60)
	hits := []retrieval.SearchResult{
		{ID: "big", Title: "Long one", Description: strings.Repeat("words ", 200), Similarity: 0.9},
		{ID: "small", Title: "Short one", Similarity: 0.5},
	}
	msgs := c.Compose(nil, hits, "q")

	note := msgs[1].Content
	if strings.Contains(note, "Long one") {
		t.Error("oversized hit kept")
	}
	if !strings.Contains(note, "Short one") {
		t.Error("hit within budget dropped")
	}
}

func TestCompose_AllHitsOverBudget(t *testing.T) {
	c := New(5)
	hits := []retrieval.SearchResult{{ID: "x", Title: strings.Repeat("t", 100), Similarity: 1}}
	if msgs := c.Compose(nil, hits, "q"); len(msgs) != 2 {
		t.Errorf("expected no grounding note, got %d messages", len(msgs))
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
