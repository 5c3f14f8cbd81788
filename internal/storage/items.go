package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

const itemColumns = `id, title, description, video_url, thumbnail_url, status, creator_id, vote_count, created_at, embedding, embedding_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (ContentItem, error) {
	var c ContentItem
	var createdAt string
	var blob []byte
	var embeddedAt sql.NullString
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &c.VideoURL, &c.ThumbnailURL, &c.Status,
		&c.CreatorID, &c.VoteCount, &createdAt, &blob, &embeddedAt); err != nil {
		return ContentItem{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return ContentItem{}, fmt.Errorf("parsing created_at for item %s: %w", c.ID, err)
	}
	c.CreatedAt = t
	if len(blob) > 0 {
		vec, err := DecodeVector(blob)
		if err != nil {
			return ContentItem{}, fmt.Errorf("decoding embedding for item %s: %w", c.ID, err)
		}
		c.Embedding = vec
	}
	if embeddedAt.Valid && embeddedAt.String != "" {
		at, err := parseTime(embeddedAt.String)
		if err != nil {
			return ContentItem{}, fmt.Errorf("parsing embedding_updated_at for item %s: %w", c.ID, err)
		}
		c.EmbeddingUpdatedAt = &at
	}
	return c, nil
}

func scanItems(rows *sql.Rows) ([]ContentItem, error) {
	defer rows.Close()
	var items []ContentItem
	for rows.Next() {
		c, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// SaveItem inserts or replaces a catalog item. Editing title or description
// clears the stored embedding so the item is re-indexed.
func (s *Store) SaveItem(ctx context.Context, c ContentItem) error {
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	var blob any
	var embeddedAt sql.NullString
	if c.HasEmbedding() {
		blob = EncodeVector(c.Embedding)
		at := s.now()
		if c.EmbeddingUpdatedAt != nil {
			at = *c.EmbeddingUpdatedAt
		}
		embeddedAt = sql.NullString{String: formatTime(at), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			video_url = excluded.video_url,
			thumbnail_url = excluded.thumbnail_url,
			status = excluded.status,
			creator_id = excluded.creator_id,
			vote_count = excluded.vote_count,
			embedding = CASE
				WHEN excluded.embedding IS NOT NULL THEN excluded.embedding
				WHEN content_items.title = excluded.title AND content_items.description = excluded.description THEN content_items.embedding
				ELSE NULL END,
			embedding_updated_at = CASE
				WHEN excluded.embedding IS NOT NULL THEN excluded.embedding_updated_at
				WHEN content_items.title = excluded.title AND content_items.description = excluded.description THEN content_items.embedding_updated_at
				ELSE NULL END`,
		c.ID, c.Title, c.Description, c.VideoURL, c.ThumbnailURL, c.Status, c.CreatorID, c.VoteCount,
		formatTime(c.CreatedAt), blob, embeddedAt,
	)
	if err != nil {
		return fmt.Errorf("saving item %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id string) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id = ?`, id)
	c, err := scanItem(row)
	if err == sql.ErrNoRows {
		return ContentItem{}, ErrNotFound
	}
	if err != nil {
		return ContentItem{}, err
	}
	return c, nil
}

// GetItems returns the items with the given IDs in unspecified order.
// Unknown IDs are silently skipped.
func (s *Store) GetItems(ctx context.Context, ids []string) ([]ContentItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM content_items WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying items by IDs: %w", err)
	}
	return scanItems(rows)
}

// ListApprovedWithoutEmbedding returns IDs of approved items that have not
// been indexed yet, oldest first.
func (s *Store) ListApprovedWithoutEmbedding(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM content_items
		WHERE status = 'approved' AND embedding IS NULL
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying unindexed items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchLexical is a case-insensitive substring match on title and
// description over approved items, newest first.
func (s *Store) SearchLexical(ctx context.Context, query string, limit int) ([]ContentItem, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM content_items
		WHERE status = 'approved'
			AND (unicode_lower(title) LIKE ? ESCAPE '\' OR unicode_lower(description) LIKE ? ESCAPE '\')
		ORDER BY created_at DESC, id ASC
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return scanItems(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// FollowedCreatorItems returns the newest approved items by creators the
// user follows.
func (s *Store) FollowedCreatorItems(ctx context.Context, userID string, limit int) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("c", itemColumns)+` FROM content_items c
		JOIN follows f ON f.followee_id = c.creator_id
		WHERE f.follower_id = ? AND c.status = 'approved'
		ORDER BY c.created_at DESC, c.id ASC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying followed creator items: %w", err)
	}
	return scanItems(rows)
}

// TrendingItems returns approved items created at or after since, most voted
// first, leaving out items the user has voted on.
func (s *Store) TrendingItems(ctx context.Context, since time.Time, limit int, userID string) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM content_items
		WHERE status = 'approved' AND created_at >= ?`+notVotedBy+`
		ORDER BY vote_count DESC, created_at DESC, id ASC
		LIMIT ?`, formatTime(since), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying trending items: %w", err)
	}
	return scanItems(rows)
}

// notVotedBy filters out the items voted on by the user bound to its
// parameter.
const notVotedBy = ` AND id NOT IN (SELECT item_id FROM votes WHERE user_id = ?)`

// PopularItems returns approved items ordered by votes then recency.
func (s *Store) PopularItems(ctx context.Context, limit int) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM content_items
		WHERE status = 'approved'
		ORDER BY vote_count DESC, created_at DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying popular items: %w", err)
	}
	return scanItems(rows)
}

// RandomItems returns up to limit approved items the user has not voted on,
// starting at a random offset. The count and the fetch run in one read transaction so the offset
// is computed against the same snapshot it is applied to.
func (s *Store) RandomItems(ctx context.Context, limit int, userID string, rng *rand.Rand) ([]ContentItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning discovery read: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_items WHERE status = 'approved'`+notVotedBy, userID).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting discovery candidates: %w", err)
	}
	if total == 0 {
		return nil, nil
	}

	offset := 0
	if span := total - limit; span > 0 {
		offset = rng.IntN(span + 1)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM content_items
		WHERE status = 'approved'`+notVotedBy+`
		ORDER BY id ASC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying discovery items: %w", err)
	}
	return scanItems(rows)
}

// --- Social graph ---

func (s *Store) SaveFollow(ctx context.Context, followerID, followeeID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(follower_id, followee_id) DO NOTHING`,
		followerID, followeeID, formatTime(s.now()))
	return err
}

// SaveVote records an endorsement and bumps the item's vote counter.
func (s *Store) SaveVote(ctx context.Context, userID, itemID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO votes (user_id, item_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, item_id) DO NOTHING`, userID, itemID, formatTime(at))
	if err != nil {
		return fmt.Errorf("inserting vote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.ExecContext(ctx, `UPDATE content_items SET vote_count = vote_count + 1 WHERE id = ?`, itemID); err != nil {
			return fmt.Errorf("bumping vote count: %w", err)
		}
	}
	return tx.Commit()
}

// VotedItemIDs returns the IDs of items the user has endorsed, most recent first.
// limit <= 0 returns all of them.
func (s *Store) VotedItemIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	query := `SELECT item_id FROM votes WHERE user_id = ? ORDER BY created_at DESC, item_id ASC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying votes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
