package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"
)

func TestSaveAndGetItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	saveTestItem(t, s, ContentItem{
		ID: "v1", Title: "Sourdough basics", Description: "starter care",
		VideoURL: "https://cdn.example/v1.mp4", CreatorID: "alice", VoteCount: 4, CreatedAt: created,
	})

	got, err := s.GetItem(ctx, "v1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Title != "Sourdough basics" || got.CreatorID != "alice" || got.VoteCount != 4 {
		t.Errorf("unexpected item: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.HasEmbedding() || got.EmbeddingUpdatedAt != nil {
		t.Error("new item should not be indexed")
	}
}

func TestGetItemNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetItem(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem error = %v, want ErrNotFound", err)
	}
}

func TestSaveItem_EditClearsEmbedding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saveTestItem(t, s, ContentItem{ID: "v1", Title: "a", Description: "b"})
	if err := s.UpdateItemEmbedding(ctx, "v1", []float32{1, 0}, time.Time{}); err != nil {
		t.Fatalf("UpdateItemEmbedding: %v", err)
	}

	// Vote count changes keep the vector.
	saveTestItem(t, s, ContentItem{ID: "v1", Title: "a", Description: "b", VoteCount: 9})
	got, _ := s.GetItem(ctx, "v1")
	if !got.HasEmbedding() {
		t.Fatal("embedding dropped on non-text edit")
	}

	saveTestItem(t, s, ContentItem{ID: "v1", Title: "a2", Description: "b"})
	got, _ = s.GetItem(ctx, "v1")
	if got.HasEmbedding() || got.EmbeddingUpdatedAt != nil {
		t.Error("embedding should be cleared after title edit")
	}
}

func TestGetItems_SkipsUnknown(t *testing.T) {
	s := openTestStore(t)
	saveTestItem(t, s, ContentItem{ID: "a", Title: "a"})
	saveTestItem(t, s, ContentItem{ID: "b", Title: "b"})

	got, err := s.GetItems(context.Background(), []string{"a", "b", "zzz"})
	if err != nil {
		t.Fatalf("GetItems: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("GetItems returned %d items, want 2", len(got))
	}
}

func TestSearchLexical(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	saveTestItem(t, s, ContentItem{ID: "old", Title: "Cat Tricks", CreatedAt: base})
	saveTestItem(t, s, ContentItem{ID: "new", Title: "more", Description: "the best CAT video", CreatedAt: base.Add(time.Hour)})
	saveTestItem(t, s, ContentItem{ID: "pending", Title: "cat", Status: StatusPending, CreatedAt: base.Add(2 * time.Hour)})
	saveTestItem(t, s, ContentItem{ID: "dog", Title: "dog", CreatedAt: base.Add(3 * time.Hour)})

	got, err := s.SearchLexical(ctx, "cAt", 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Fatalf("SearchLexical = %v, want [new old]", itemIDs(got))
	}

	got, _ = s.SearchLexical(ctx, "cat", 1)
	if len(got) != 1 {
		t.Errorf("limit not applied: %d results", len(got))
	}
}

func TestSearchLexical_FoldsNonASCII(t *testing.T) {
	s := openTestStore(t)
	saveTestItem(t, s, ContentItem{ID: "ecole", Title: "École de Danse"})
	saveTestItem(t, s, ContentItem{ID: "uber", Title: "plates", Description: "ÜBER Cooking"})

	cases := map[string]string{
		"École": "ecole",
		"école": "ecole",
		"ÉCOLE": "ecole",
		"DANSE": "ecole",
		"ÜBER":  "uber",
		"über":  "uber",
	}
	for q, want := range cases {
		got, err := s.SearchLexical(context.Background(), q, 10)
		if err != nil {
			t.Fatalf("SearchLexical(%q): %v", q, err)
		}
		if len(got) != 1 || got[0].ID != want {
			t.Errorf("SearchLexical(%q) = %v, want [%s]", q, itemIDs(got), want)
		}
	}
}

func TestSearchLexical_EscapesWildcards(t *testing.T) {
	s := openTestStore(t)
	saveTestItem(t, s, ContentItem{ID: "pct", Title: "100% real"})
	saveTestItem(t, s, ContentItem{ID: "plain", Title: "1000 real"})

	got, err := s.SearchLexical(context.Background(), "100%", 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pct" {
		t.Errorf("SearchLexical(100%%) = %v, want [pct]", itemIDs(got))
	}
}

func TestFollowedCreatorItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	saveTestItem(t, s, ContentItem{ID: "a1", Title: "a1", CreatorID: "alice", CreatedAt: base})
	saveTestItem(t, s, ContentItem{ID: "a2", Title: "a2", CreatorID: "alice", CreatedAt: base.Add(time.Hour)})
	saveTestItem(t, s, ContentItem{ID: "b1", Title: "b1", CreatorID: "bob", CreatedAt: base})
	if err := s.SaveFollow(ctx, "u1", "alice"); err != nil {
		t.Fatalf("SaveFollow: %v", err)
	}
	// duplicate follow is ignored
	if err := s.SaveFollow(ctx, "u1", "alice"); err != nil {
		t.Fatalf("SaveFollow again: %v", err)
	}

	got, err := s.FollowedCreatorItems(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("FollowedCreatorItems: %v", err)
	}
	if ids := itemIDs(got); len(ids) != 2 || ids[0] != "a2" || ids[1] != "a1" {
		t.Errorf("FollowedCreatorItems = %v, want [a2 a1]", ids)
	}

	got, _ = s.FollowedCreatorItems(ctx, "nobody", 10)
	if len(got) != 0 {
		t.Errorf("expected no items for user without follows, got %v", itemIDs(got))
	}
}

func TestSaveVote_CountsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	saveTestItem(t, s, ContentItem{ID: "v1", Title: "v1"})

	for i := 0; i < 2; i++ {
		if err := s.SaveVote(ctx, "u1", "v1", time.Time{}); err != nil {
			t.Fatalf("SaveVote: %v", err)
		}
	}
	got, _ := s.GetItem(ctx, "v1")
	if got.VoteCount != 1 {
		t.Errorf("VoteCount = %d, want 1", got.VoteCount)
	}
}

func TestVotedItemIDs_MostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		saveTestItem(t, s, ContentItem{ID: id, Title: id})
		if err := s.SaveVote(ctx, "u1", id, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("SaveVote: %v", err)
		}
	}

	got, err := s.VotedItemIDs(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("VotedItemIDs: %v", err)
	}
	if len(got) != 3 || got[0] != "d" || got[1] != "c" || got[2] != "b" {
		t.Errorf("VotedItemIDs = %v, want [d c b]", got)
	}

	all, _ := s.VotedItemIDs(ctx, "u1", 0)
	if len(all) != 4 {
		t.Errorf("VotedItemIDs(0) = %v, want all 4", all)
	}
}

func TestTrendingItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	since := now.Add(-7 * 24 * time.Hour)

	saveTestItem(t, s, ContentItem{ID: "stale", Title: "x", VoteCount: 100, CreatedAt: since.Add(-time.Hour)})
	saveTestItem(t, s, ContentItem{ID: "hot", Title: "x", VoteCount: 50, CreatedAt: now.Add(-time.Hour)})
	saveTestItem(t, s, ContentItem{ID: "warm", Title: "x", VoteCount: 10, CreatedAt: now.Add(-2 * time.Hour)})
	saveTestItem(t, s, ContentItem{ID: "voted", Title: "x", VoteCount: 80, CreatedAt: now.Add(-time.Hour)})
	if err := s.SaveVote(ctx, "u1", "voted", now); err != nil {
		t.Fatalf("SaveVote: %v", err)
	}

	got, err := s.TrendingItems(ctx, since, 10, "u1")
	if err != nil {
		t.Fatalf("TrendingItems: %v", err)
	}
	if ids := itemIDs(got); len(ids) != 2 || ids[0] != "hot" || ids[1] != "warm" {
		t.Errorf("TrendingItems = %v, want [hot warm]", ids)
	}
}

func TestPopularItems(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	saveTestItem(t, s, ContentItem{ID: "a", Title: "a", VoteCount: 1, CreatedAt: base})
	saveTestItem(t, s, ContentItem{ID: "b", Title: "b", VoteCount: 5, CreatedAt: base})
	saveTestItem(t, s, ContentItem{ID: "c", Title: "c", VoteCount: 1, CreatedAt: base.Add(time.Hour)})
	saveTestItem(t, s, ContentItem{ID: "r", Title: "r", VoteCount: 99, Status: StatusRejected})

	got, err := s.PopularItems(context.Background(), 10)
	if err != nil {
		t.Fatalf("PopularItems: %v", err)
	}
	if ids := itemIDs(got); len(ids) != 3 || ids[0] != "b" || ids[1] != "c" || ids[2] != "a" {
		t.Errorf("PopularItems = %v, want [b c a]", ids)
	}
}

func TestRandomItems_OffsetStaysInRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		saveTestItem(t, s, ContentItem{ID: id, Title: id})
	}

	if err := s.SaveVote(ctx, "u1", "a", time.Time{}); err != nil {
		t.Fatalf("SaveVote: %v", err)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		got, err := s.RandomItems(ctx, 3, "u1", rng)
		if err != nil {
			t.Fatalf("RandomItems: %v", err)
		}
		// 4 candidates after exclusion, so a window of 3 is always full.
		if len(got) != 3 {
			t.Fatalf("RandomItems returned %d items, want 3", len(got))
		}
		for _, it := range got {
			if it.ID == "a" {
				t.Fatal("excluded item returned")
			}
		}
	}

	got, _ := s.RandomItems(ctx, 50, "u2", rng)
	if len(got) != 5 {
		t.Errorf("limit above total returned %d items, want 5", len(got))
	}
}

func TestRandomItems_EmptyCatalog(t *testing.T) {
	s := openTestStore(t)
	got, err := s.RandomItems(context.Background(), 3, "u1", rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatalf("RandomItems: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no items, got %v", itemIDs(got))
	}
}

func TestVotedExclusion_LargeHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	saveTestItem(t, s, ContentItem{ID: "fresh", Title: "fresh", CreatedAt: now})

	// More votes than SQLite accepts as bound parameters in one statement.
	_, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < 40000)
		INSERT INTO votes (user_id, item_id, created_at)
		SELECT 'heavy', 'gone-' || i, ? FROM n`, formatTime(now))
	if err != nil {
		t.Fatalf("seeding votes: %v", err)
	}

	trending, err := s.TrendingItems(ctx, now.Add(-time.Hour), 10, "heavy")
	if err != nil {
		t.Fatalf("TrendingItems: %v", err)
	}
	if ids := itemIDs(trending); len(ids) != 1 || ids[0] != "fresh" {
		t.Errorf("TrendingItems = %v, want [fresh]", ids)
	}

	random, err := s.RandomItems(ctx, 5, "heavy", rand.New(rand.NewPCG(3, 4)))
	if err != nil {
		t.Fatalf("RandomItems: %v", err)
	}
	if ids := itemIDs(random); len(ids) != 1 || ids[0] != "fresh" {
		t.Errorf("RandomItems = %v, want [fresh]", ids)
	}
}

func TestListApprovedWithoutEmbedding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	saveTestItem(t, s, ContentItem{ID: "a", Title: "a"})
	saveTestItem(t, s, ContentItem{ID: "b", Title: "b"})
	saveTestItem(t, s, ContentItem{ID: "p", Title: "p", Status: StatusPending})
	if err := s.UpdateItemEmbedding(ctx, "b", []float32{1}, time.Time{}); err != nil {
		t.Fatalf("UpdateItemEmbedding: %v", err)
	}

	got, err := s.ListApprovedWithoutEmbedding(ctx)
	if err != nil {
		t.Fatalf("ListApprovedWithoutEmbedding: %v", err)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("ListApprovedWithoutEmbedding = %v, want [a]", got)
	}
}

func itemIDs(items []ContentItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
