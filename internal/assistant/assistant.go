// Package assistant runs grounded chat turns over a user's conversations.
//
// A turn moves through RECEIVED (user turn stored), GROUNDING (catalog
// search), GENERATING (provider call) and PERSISTED (assistant turn stored).
// Provider failures never surface to callers: they end in an assistant turn
// carrying ApologyText.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/reelsense/internal/composer"
	"github.com/kalambet/reelsense/internal/engine"
	"github.com/kalambet/reelsense/internal/metrics"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/storage"
)

const (
	MaxMessageChars = 4000
	titleChars      = 50

	groundingLimit     = 5
	groundingThreshold = 0.3

	temperature = 0.7
	maxTokens   = 1000
)

// ApologyText replaces a reply the provider could not produce.
const ApologyText = "Sorry, I'm having trouble answering right now. Please try again in a moment."

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageChars)
)

// Store persists conversations and their turns.
type Store interface {
	CreateConversation(ctx context.Context, c storage.Conversation) (storage.Conversation, error)
	GetConversation(ctx context.Context, userID, id string) (storage.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]storage.Conversation, error)
	DeleteConversation(ctx context.Context, userID, id string) error
	AppendTurn(ctx context.Context, t storage.Turn) (storage.Turn, error)
	ListTurns(ctx context.Context, conversationID string) ([]storage.Turn, error)
	RecentTurns(ctx context.Context, conversationID string, n int) ([]storage.Turn, error)
}

// Searcher grounds replies in catalog items.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, threshold float64) ([]retrieval.SearchResult, error)
}

// Assistant answers chat messages. A nil generator means the generation
// provider is not configured; every reply is then the apology.
type Assistant struct {
	store     Store
	searcher  Searcher
	generator engine.Generator
	composer  *composer.Composer
	logger    *slog.Logger
	newID     func() string
}

func New(store Store, searcher Searcher, generator engine.Generator, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		store:     store,
		searcher:  searcher,
		generator: generator,
		composer:  composer.New(0),
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// prepared is a turn that has been received and grounded.
type prepared struct {
	conv     storage.Conversation
	hits     []retrieval.SearchResult
	messages []engine.Message
}

func (p *prepared) videoIDs() []string {
	ids := make([]string, len(p.hits))
	for i, h := range p.hits {
		ids[i] = h.ID
	}
	return ids
}

func validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return ErrMessageTooLong
	}
	return nil
}

// prepare validates text, resolves the conversation, stores the user turn
// and runs grounding. Nothing is written when validation or resolution fails,
// and a conversation created here is removed if its first turn is not stored.
func (a *Assistant) prepare(ctx context.Context, userID, text, conversationID string) (*prepared, error) {
	if err := validate(text); err != nil {
		return nil, err
	}

	var conv storage.Conversation
	var history []storage.Turn
	var err error
	if conversationID == "" {
		conv, err = a.store.CreateConversation(ctx, storage.Conversation{
			ID:     a.newID(),
			UserID: userID,
			Title:  title(text),
		})
		if err != nil {
			return nil, err
		}
	} else {
		conv, err = a.store.GetConversation(ctx, userID, conversationID)
		if err != nil {
			return nil, err
		}
		history, err = a.store.RecentTurns(ctx, conv.ID, composer.MaxHistoryTurns)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
	}

	if _, err := a.store.AppendTurn(ctx, storage.Turn{
		ID:             a.newID(),
		ConversationID: conv.ID,
		Role:           storage.RoleUser,
		Content:        text,
	}); err != nil {
		if conversationID == "" {
			a.discard(ctx, conv)
		}
		return nil, fmt.Errorf("storing user turn: %w", err)
	}

	hits, err := a.searcher.Search(ctx, text, groundingLimit, groundingThreshold)
	if err != nil {
		a.logger.Warn("grounding search failed, replying without videos", "conversation_id", conv.ID, "error", err)
		hits = nil
	}

	return &prepared{
		conv:     conv,
		hits:     hits,
		messages: a.composer.Compose(history, hits, text),
	}, nil
}

// discard deletes a conversation left without turns. It runs even when ctx
// is already cancelled.
func (a *Assistant) discard(ctx context.Context, conv storage.Conversation) {
	if err := a.store.DeleteConversation(context.WithoutCancel(ctx), conv.UserID, conv.ID); err != nil {
		a.logger.Warn("removing empty conversation", "conversation_id", conv.ID, "error", err)
	}
}

func (a *Assistant) persistReply(ctx context.Context, p *prepared, content string) (storage.Turn, error) {
	t, err := a.store.AppendTurn(ctx, storage.Turn{
		ID:             a.newID(),
		ConversationID: p.conv.ID,
		Role:           storage.RoleAssistant,
		Content:        content,
		VideoIDs:       p.videoIDs(),
	})
	if err != nil {
		return storage.Turn{}, fmt.Errorf("storing assistant turn: %w", err)
	}
	return t, nil
}

func generateOptions() engine.GenerateOptions {
	return engine.GenerateOptions{Temperature: temperature, MaxTokens: maxTokens}
}

// Send answers text in one shot and returns the stored assistant turn. An
// empty conversationID starts a new conversation.
func (a *Assistant) Send(ctx context.Context, userID, text, conversationID string) (storage.Turn, error) {
	p, err := a.prepare(ctx, userID, text, conversationID)
	if err != nil {
		return storage.Turn{}, err
	}

	outcome := "ok"
	reply, err := a.complete(ctx, p.messages)
	if err != nil {
		if ctx.Err() != nil {
			metrics.ChatTurnsTotal.WithLabelValues("send", "cancelled").Inc()
			return storage.Turn{}, ctx.Err()
		}
		a.logger.Error("generation failed, sending apology", "conversation_id", p.conv.ID, "error", err)
		reply, outcome = ApologyText, "apology"
	}

	t, err := a.persistReply(ctx, p, reply)
	if err != nil {
		return storage.Turn{}, err
	}
	metrics.ChatTurnsTotal.WithLabelValues("send", outcome).Inc()
	return t, nil
}

var errNoGenerator = errors.New("generation provider not configured")

func (a *Assistant) complete(ctx context.Context, msgs []engine.Message) (string, error) {
	if a.generator == nil {
		return "", errNoGenerator
	}
	reply, err := a.generator.Complete(ctx, msgs, generateOptions())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("provider returned an empty reply")
	}
	return reply, nil
}

// Conversations lists the user's conversations, most recently active first.
func (a *Assistant) Conversations(ctx context.Context, userID string, limit int) ([]storage.Conversation, error) {
	convs, err := a.store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []storage.Conversation{}
	}
	return convs, nil
}

// Conversation returns one conversation with all its turns in order.
func (a *Assistant) Conversation(ctx context.Context, userID, id string) (storage.Conversation, error) {
	conv, err := a.store.GetConversation(ctx, userID, id)
	if err != nil {
		return storage.Conversation{}, err
	}
	turns, err := a.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("loading turns: %w", err)
	}
	if turns == nil {
		turns = []storage.Turn{}
	}
	conv.Turns = turns
	return conv, nil
}

func (a *Assistant) DeleteConversation(ctx context.Context, userID, id string) error {
	return a.store.DeleteConversation(ctx, userID, id)
}

// title is the first titleChars characters of the message, trimmed.
func title(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= titleChars {
		return text
	}
	n := 0
	for i := range text {
		if n == titleChars {
			return strings.TrimSpace(text[:i])
		}
		n++
	}
	return text
}
