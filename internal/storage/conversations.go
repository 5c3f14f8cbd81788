package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation header without turns.
// A conversation owned by a different user is reported as ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, userID, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC, id ASC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and all its turns.
func (s *Store) DeleteConversation(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	// foreign_keys may be off on databases opened by other tools.
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting turns of %s: %w", id, err)
	}
	return tx.Commit()
}

// AppendTurn persists a turn and touches the conversation's updated_at.
func (s *Store) AppendTurn(ctx context.Context, t Turn) (Turn, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.VideoIDs == nil {
		t.VideoIDs = []string{}
	}
	ids, err := json.Marshal(t.VideoIDs)
	if err != nil {
		return Turn{}, fmt.Errorf("encoding video ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, content, video_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, t.Role, t.Content, string(ids), formatTime(t.CreatedAt)); err != nil {
		return Turn{}, fmt.Errorf("inserting turn: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(t.CreatedAt), t.ConversationID)
	if err != nil {
		return Turn{}, fmt.Errorf("touching conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Turn{}, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, err
	}
	return t, nil
}

// ListTurns returns every turn of a conversation in insertion order.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, video_ids, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	return scanTurns(rows)
}

// RecentTurns returns the last n turns of a conversation, oldest first.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, n int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, video_ids, created_at FROM (
			SELECT seq, id, conversation_id, role, content, video_ids, created_at
			FROM turns WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("querying recent turns: %w", err)
	}
	return scanTurns(rows)
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at for conversation %s: %w", c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at for conversation %s: %w", c.ID, err)
	}
	return c, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var turns []Turn
	for rows.Next() {
		var t Turn
		var ids, createdAt string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &ids, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &t.VideoIDs); err != nil {
			return nil, fmt.Errorf("decoding video ids for turn %s: %w", t.ID, err)
		}
		if t.VideoIDs == nil {
			t.VideoIDs = []string{}
		}
		var err error
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for turn %s: %w", t.ID, err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
