package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Item moderation states.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentItem is a short-form video in the catalog. Embedding is nil until
// the item has been indexed.
type ContentItem struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	VideoURL           string     `json:"videoUrl,omitempty"`
	ThumbnailURL       string     `json:"thumbnailUrl,omitempty"`
	Status             string     `json:"status"`
	CreatorID          string     `json:"creatorId"`
	VoteCount          int        `json:"voteCount"`
	CreatedAt          time.Time  `json:"createdAt"`
	Embedding          []float32  `json:"-"`
	EmbeddingUpdatedAt *time.Time `json:"embeddingUpdatedAt,omitempty"`
}

// HasEmbedding reports whether the item has been indexed.
func (c ContentItem) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Turns     []Turn    `json:"turns,omitempty"`
}

// Turn is one immutable message within a conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	VideoIDs       []string  `json:"videoIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
