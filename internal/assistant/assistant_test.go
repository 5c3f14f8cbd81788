package assistant

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kalambet/reelsense/internal/engine"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/storage"
)

type fakeSearcher struct {
	hits  []retrieval.SearchResult
	err   error
	calls int
	limit int
	th    float64
}

func (f *fakeSearcher) Search(_ context.Context, _ string, limit int, threshold float64) ([]retrieval.SearchResult, error) {
	f.calls++
	f.limit, f.th = limit, threshold
	return f.hits, f.err
}

type fakeStream struct {
	deltas []string
	err    error // returned after deltas instead of io.EOF
	i      int
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.i < len(s.deltas) {
		s.i++
		return s.deltas[s.i-1], nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeGenerator struct {
	reply   string
	err     error
	deltas  []string
	recvErr error
	openErr error

	calls   [][]engine.Message
	opts    engine.GenerateOptions
	streams []*fakeStream
}

func (g *fakeGenerator) Complete(_ context.Context, msgs []engine.Message, opts engine.GenerateOptions) (string, error) {
	g.calls = append(g.calls, msgs)
	g.opts = opts
	return g.reply, g.err
}

func (g *fakeGenerator) Stream(_ context.Context, msgs []engine.Message, opts engine.GenerateOptions) (engine.Stream, error) {
	g.calls = append(g.calls, msgs)
	g.opts = opts
	if g.openErr != nil {
		return nil, g.openErr
	}
	s := &fakeStream{deltas: g.deltas, err: g.recvErr}
	g.streams = append(g.streams, s)
	return s, nil
}

var sunsetHits = []retrieval.SearchResult{
	{ID: "v1", Title: "Sunset Drive", Similarity: 0.9},
	{ID: "v2", Title: "Sunset Cruise", Similarity: 0.6},
}

func newTestAssistant(t *testing.T, gen engine.Generator, searcher *fakeSearcher) (*Assistant, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if searcher == nil {
		searcher = &fakeSearcher{}
	}
	return New(s, searcher, gen, nil), s
}

func turnsOf(t *testing.T, s *storage.Store, convID string) []storage.Turn {
	t.Helper()
	turns, err := s.ListTurns(context.Background(), convID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	return turns
}

// turnlessStore refuses every turn.
type turnlessStore struct {
	*storage.Store
}

func (turnlessStore) AppendTurn(context.Context, storage.Turn) (storage.Turn, error) {
	return storage.Turn{}, errors.New("disk full")
}

func TestSend_FailedFirstTurnLeavesNoConversation(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	gen := &fakeGenerator{reply: "unused"}
	a := New(turnlessStore{s}, &fakeSearcher{}, gen, nil)
	ctx := context.Background()

	if _, err := a.Send(ctx, "u1", "hi", ""); err == nil {
		t.Fatal("expected error when the user turn cannot be stored")
	}
	if _, err := a.Stream(ctx, "u1", "hi again", ""); err == nil {
		t.Fatal("expected error from Stream when the user turn cannot be stored")
	}

	convs, err := s.ListConversations(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("conversations = %v, want none", convs)
	}
	if len(gen.calls) != 0 {
		t.Errorf("provider called %d times", len(gen.calls))
	}
}

func TestSend_ConversationRoundTrip(t *testing.T) {
	gen := &fakeGenerator{reply: "Try Sunset Drive."}
	a, _ := newTestAssistant(t, gen, &fakeSearcher{hits: sunsetHits})
	ctx := context.Background()

	first, err := a.Send(ctx, "u1", "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if first.Role != storage.RoleAssistant || first.Content != "Try Sunset Drive." {
		t.Errorf("first reply = %+v", first)
	}
	if len(first.VideoIDs) != 2 || first.VideoIDs[0] != "v1" {
		t.Errorf("video ids = %v", first.VideoIDs)
	}

	second, err := a.Send(ctx, "u1", "more", first.ConversationID)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatal("second send created a new conversation")
	}

	convs, err := a.Conversations(ctx, "u1", 0)
	if err != nil || len(convs) != 1 {
		t.Fatalf("Conversations = %v, %v; want one", convs, err)
	}
	if convs[0].Title != "hi" {
		t.Errorf("title = %q", convs[0].Title)
	}

	conv, err := a.Conversation(ctx, "u1", first.ConversationID)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	wantRoles := []string{storage.RoleUser, storage.RoleAssistant, storage.RoleUser, storage.RoleAssistant}
	wantContent := []string{"hi", "Try Sunset Drive.", "more", "Try Sunset Drive."}
	if len(conv.Turns) != 4 {
		t.Fatalf("got %d turns, want 4", len(conv.Turns))
	}
	for i, turn := range conv.Turns {
		if turn.Role != wantRoles[i] || turn.Content != wantContent[i] {
			t.Errorf("turn %d = %s %q, want %s %q", i, turn.Role, turn.Content, wantRoles[i], wantContent[i])
		}
	}
}

func TestSend_ContextWindowAndOptions(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	searcher := &fakeSearcher{hits: sunsetHits}
	a, _ := newTestAssistant(t, gen, searcher)
	ctx := context.Background()

	first, _ := a.Send(ctx, "u1", "sunsets please", "")
	if _, err := a.Send(ctx, "u1", "another", first.ConversationID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := gen.calls[1]
	// preamble, 2 prior turns, grounding note, new text
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[1].Content != "sunsets please" || msgs[2].Role != engine.RoleAssistant {
		t.Errorf("history = %+v", msgs[1:3])
	}
	if msgs[3].Role != engine.RoleSystem || !strings.Contains(msgs[3].Content, "Sunset Cruise") {
		t.Errorf("grounding note = %+v", msgs[3])
	}
	if msgs[4].Content != "another" {
		t.Errorf("last message = %+v", msgs[4])
	}
	if gen.opts.Temperature != temperature || gen.opts.MaxTokens != maxTokens {
		t.Errorf("options = %+v", gen.opts)
	}
	if searcher.limit != groundingLimit || searcher.th != groundingThreshold {
		t.Errorf("grounding search limit=%d threshold=%v", searcher.limit, searcher.th)
	}
}

func TestSend_HistoryCappedAtTenTurns(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	a, _ := newTestAssistant(t, gen, nil)
	ctx := context.Background()

	first, _ := a.Send(ctx, "u1", "m0", "")
	for _, m := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
		if _, err := a.Send(ctx, "u1", m, first.ConversationID); err != nil {
			t.Fatalf("Send(%s): %v", m, err)
		}
	}
	last := gen.calls[len(gen.calls)-1]
	// preamble + 10 turns + new text; no grounding hits.
	if len(last) != 12 {
		t.Fatalf("got %d messages, want 12", len(last))
	}
	if last[1].Content != "m1" {
		t.Errorf("oldest history message = %q, want m1", last[1].Content)
	}
}

func TestSend_Validation(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	searcher := &fakeSearcher{}
	a, _ := newTestAssistant(t, gen, searcher)
	ctx := context.Background()

	if _, err := a.Send(ctx, "u1", "  ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message: %v", err)
	}
	if _, err := a.Send(ctx, "u1", strings.Repeat("é", MaxMessageChars+1), ""); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("long message: %v", err)
	}
	if _, err := a.Send(ctx, "u1", strings.Repeat("é", MaxMessageChars), ""); err != nil {
		t.Errorf("message at the limit: %v", err)
	}
	if len(gen.calls) != 1 || searcher.calls != 1 {
		t.Errorf("provider calls = %d, searches = %d; want 1 each", len(gen.calls), searcher.calls)
	}
	convs, _ := a.Conversations(ctx, "u1", 0)
	if len(convs) != 1 {
		t.Errorf("conversations = %d, want 1", len(convs))
	}
}

func TestSend_UnknownOrForeignConversation(t *testing.T) {
	a, _ := newTestAssistant(t, &fakeGenerator{reply: "ok"}, nil)
	ctx := context.Background()

	if _, err := a.Send(ctx, "u1", "hi", "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown conversation: %v", err)
	}
	owned, _ := a.Send(ctx, "owner", "hi", "")
	if _, err := a.Send(ctx, "intruder", "hi", owned.ConversationID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("foreign conversation: %v", err)
	}
	if _, err := a.Conversation(ctx, "intruder", owned.ConversationID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("foreign Conversation: %v", err)
	}
}

func TestSend_ProviderFailureApologizes(t *testing.T) {
	gen := &fakeGenerator{err: engine.ErrTimeout}
	a, s := newTestAssistant(t, gen, &fakeSearcher{hits: sunsetHits})

	turn, err := a.Send(context.Background(), "u1", "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if turn.Content != ApologyText || turn.Role != storage.RoleAssistant {
		t.Errorf("turn = %+v", turn)
	}
	if len(turn.VideoIDs) != 2 {
		t.Errorf("apology lost grounding ids: %v", turn.VideoIDs)
	}
	if got := turnsOf(t, s, turn.ConversationID); len(got) != 2 {
		t.Errorf("stored %d turns, want 2", len(got))
	}
}

func TestSend_UnconfiguredGenerator(t *testing.T) {
	a, _ := newTestAssistant(t, nil, nil)
	turn, err := a.Send(context.Background(), "u1", "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if turn.Content != ApologyText {
		t.Errorf("content = %q, want apology", turn.Content)
	}
}

func TestSend_GroundingFailureStillAnswers(t *testing.T) {
	gen := &fakeGenerator{reply: "hello"}
	a, _ := newTestAssistant(t, gen, &fakeSearcher{err: errors.New("store down")})
	turn, err := a.Send(context.Background(), "u1", "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if turn.Content != "hello" || len(turn.VideoIDs) != 0 {
		t.Errorf("turn = %+v", turn)
	}
}

func TestDeleteConversation(t *testing.T) {
	a, s := newTestAssistant(t, &fakeGenerator{reply: "ok"}, nil)
	ctx := context.Background()
	turn, _ := a.Send(ctx, "u1", "hi", "")

	if err := a.DeleteConversation(ctx, "other", turn.ConversationID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("delete by other user: %v", err)
	}
	if err := a.DeleteConversation(ctx, "u1", turn.ConversationID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := a.Conversation(ctx, "u1", turn.ConversationID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after delete: %v", err)
	}
	if got := turnsOf(t, s, turn.ConversationID); len(got) != 0 {
		t.Errorf("%d turns survived delete", len(got))
	}
}

func TestTitle(t *testing.T) {
	long := strings.Repeat("a", 60)
	if got := title(long); got != strings.Repeat("a", titleChars) {
		t.Errorf("title(long) = %q", got)
	}
	if got := title("  short  "); got != "short" {
		t.Errorf("title(short) = %q", got)
	}
	if got := title(strings.Repeat("ж", 51)); got != strings.Repeat("ж", 50) {
		t.Errorf("title(cyrillic) = %q", got)
	}
}
