package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConversationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fixedClock(s, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	c, err := s.CreateConversation(ctx, Conversation{ID: "c1", UserID: "u1", Title: "cooking"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	// All turns share one timestamp; insertion order must still hold.
	for i, role := range []string{RoleUser, RoleAssistant, RoleUser, RoleAssistant} {
		_, err := s.AppendTurn(ctx, Turn{
			ID: string(rune('a' + i)), ConversationID: c.ID, Role: role, Content: role,
		})
		if err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}
	advance(time.Minute)
	if _, err := s.AppendTurn(ctx, Turn{ID: "e", ConversationID: c.ID, Role: RoleUser, Content: "last", VideoIDs: []string{"v1", "v2"}}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	turns, err := s.ListTurns(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e"}
	if len(turns) != len(want) {
		t.Fatalf("got %d turns, want %d", len(turns), len(want))
	}
	for i, id := range want {
		if turns[i].ID != id {
			t.Errorf("turns[%d].ID = %s, want %s", i, turns[i].ID, id)
		}
	}
	if len(turns[4].VideoIDs) != 2 || turns[4].VideoIDs[1] != "v2" {
		t.Errorf("VideoIDs = %v", turns[4].VideoIDs)
	}
	if turns[0].VideoIDs == nil {
		t.Error("VideoIDs should be empty, not nil")
	}

	got, err := s.GetConversation(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !got.UpdatedAt.Equal(time.Date(2025, 3, 1, 9, 1, 0, 0, time.UTC)) {
		t.Errorf("UpdatedAt = %v, want touched by last turn", got.UpdatedAt)
	}
}

func TestGetConversation_ForeignUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateConversation(ctx, Conversation{ID: "c1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := s.GetConversation(ctx, "intruder", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation(foreign) = %v, want ErrNotFound", err)
	}
}

func TestRecentTurns_OldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateConversation(ctx, Conversation{ID: "c1", UserID: "u1"})
	for i := 0; i < 12; i++ {
		if _, err := s.AppendTurn(ctx, Turn{ID: string(rune('a' + i)), ConversationID: "c1", Role: RoleUser, Content: "x"}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	got, err := s.RecentTurns(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d turns, want 10", len(got))
	}
	if got[0].ID != "c" || got[9].ID != "l" {
		t.Errorf("RecentTurns window = %s..%s, want c..l", got[0].ID, got[9].ID)
	}
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fixedClock(s, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	s.CreateConversation(ctx, Conversation{ID: "old", UserID: "u1"})
	advance(time.Minute)
	s.CreateConversation(ctx, Conversation{ID: "new", UserID: "u1"})
	advance(time.Minute)
	s.CreateConversation(ctx, Conversation{ID: "other", UserID: "u2"})
	advance(time.Minute)
	s.AppendTurn(ctx, Turn{ID: "t1", ConversationID: "old", Role: RoleUser, Content: "bump"})

	got, err := s.ListConversations(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(got) != 2 || got[0].ID != "old" || got[1].ID != "new" {
		t.Errorf("ListConversations = %+v", got)
	}
}

func TestDeleteConversation_RemovesTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateConversation(ctx, Conversation{ID: "c1", UserID: "u1"})
	s.AppendTurn(ctx, Turn{ID: "t1", ConversationID: "c1", Role: RoleUser, Content: "hi"})

	if err := s.DeleteConversation(ctx, "u2", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteConversation(foreign) = %v, want ErrNotFound", err)
	}
	if err := s.DeleteConversation(ctx, "u1", "c1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	turns, err := s.ListTurns(ctx, "c1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected turns to be deleted, got %d", len(turns))
	}
	if _, err := s.GetConversation(ctx, "u1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation after delete = %v, want ErrNotFound", err)
	}
}

func TestAppendTurn_UnknownConversation(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendTurn(context.Background(), Turn{ID: "t1", ConversationID: "nope", Role: RoleUser, Content: "x"})
	if err == nil {
		t.Error("expected error appending to unknown conversation")
	}
}
