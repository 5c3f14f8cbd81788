package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// EncodeVector serializes a float32 slice to little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 slice.
func DecodeVector(b []byte) ([]float32, error) {
	return decodeVectorInto(nil, b)
}

// decodeVectorInto reuses buf when it is large enough.
func decodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// ScanVectors calls fn for every approved item that has an embedding.
// The vector passed to fn is only valid for the duration of the call.
// fn must not use the Store: the scan holds the only connection.
func (s *Store) ScanVectors(ctx context.Context, fn func(id string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM content_items
		WHERE status = 'approved' AND embedding IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("scanning vector row: %w", err)
		}
		buf, err = decodeVectorInto(buf, blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if err := fn(id, buf); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ItemVector returns the stored embedding of an item, or nil if it has not
// been indexed. Unknown items yield ErrNotFound.
func (s *Store) ItemVector(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT embedding FROM content_items WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying vector for %s: %w", id, err)
	}
	if len(blob) == 0 {
		return nil, nil
	}
	return DecodeVector(blob)
}

// UpdateItemEmbedding stores the vector and its timestamp in a single statement.
func (s *Store) UpdateItemEmbedding(ctx context.Context, id string, vec []float32, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_items SET embedding = ?, embedding_updated_at = ? WHERE id = ?`,
		EncodeVector(vec), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating embedding for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IndexStats summarizes catalog coverage.
type IndexStats struct {
	Items    int `json:"items"`
	Approved int `json:"approved"`
	Indexed  int `json:"indexed"`
}

func (s *Store) IndexStats(ctx context.Context) (IndexStats, error) {
	var st IndexStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'approved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'approved' AND embedding IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM content_items`).Scan(&st.Items, &st.Approved, &st.Indexed)
	if err != nil {
		return IndexStats{}, fmt.Errorf("counting items: %w", err)
	}
	return st, nil
}
