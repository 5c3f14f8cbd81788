package assistant

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/kalambet/reelsense/internal/engine"
	"github.com/kalambet/reelsense/internal/metrics"
	"github.com/kalambet/reelsense/internal/retrieval"
)

// Chunk types emitted by a Stream, in order: one videos chunk, any number
// of content chunks, one done chunk.
const (
	ChunkVideos  = "videos"
	ChunkContent = "content"
	ChunkDone    = "done"
)

type Chunk struct {
	Type           string                   `json:"type"`
	Content        string                   `json:"content,omitempty"`
	Videos         []retrieval.SearchResult `json:"videos,omitzero"`
	TurnID         string                   `json:"turnId,omitempty"`
	ConversationID string                   `json:"conversationId,omitempty"`
}

type phase int

const (
	phaseVideos phase = iota
	phaseContent
	phaseApology
	phaseClosed
)

// Stream delivers one assistant reply incrementally. It is not safe for
// concurrent use and cannot be restarted.
//
// The assistant turn is stored exactly once, after the provider stream has
// been drained, and only if the consumer keeps calling Next until the done
// chunk. Close or a cancelled context before that stores nothing.
type Stream struct {
	a        *Assistant
	p        *prepared
	phase    phase
	upstream engine.Stream
	opened   bool
	reply    strings.Builder
	apology  string
}

// Stream prepares a reply and returns a Stream positioned before the videos
// chunk. The user turn is already stored when Stream returns.
func (a *Assistant) Stream(ctx context.Context, userID, text, conversationID string) (*Stream, error) {
	p, err := a.prepare(ctx, userID, text, conversationID)
	if err != nil {
		return nil, err
	}
	return &Stream{a: a, p: p}, nil
}

// ConversationID is the conversation the reply belongs to.
func (s *Stream) ConversationID() string {
	return s.p.conv.ID
}

// Next returns the next chunk, or io.EOF after the done chunk. A cancelled
// ctx closes the stream without storing a reply and returns ctx.Err().
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	if s.phase == phaseClosed {
		return Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.cancel()
		return Chunk{}, err
	}

	switch s.phase {
	case phaseVideos:
		s.phase = phaseContent
		videos := s.p.hits
		if videos == nil {
			videos = []retrieval.SearchResult{}
		}
		return Chunk{Type: ChunkVideos, Videos: videos}, nil

	case phaseContent:
		delta, err := s.recv(ctx)
		if err == nil {
			s.reply.WriteString(delta)
			return Chunk{Type: ChunkContent, Content: delta}, nil
		}
		if ctx.Err() != nil {
			s.cancel()
			return Chunk{}, ctx.Err()
		}
		s.closeUpstream()
		if err == io.EOF && strings.TrimSpace(s.reply.String()) != "" {
			return s.finish(ctx, "ok")
		}
		if err == io.EOF {
			err = errors.New("provider returned an empty reply")
		}
		s.a.logger.Error("streamed generation failed, sending apology",
			"conversation_id", s.p.conv.ID, "error", err)
		s.apology = ApologyText
		if s.reply.Len() > 0 {
			s.apology = "\n\n" + ApologyText
		}
		s.phase = phaseApology
		return Chunk{Type: ChunkContent, Content: s.apology}, nil

	case phaseApology:
		s.reply.WriteString(s.apology)
		return s.finish(ctx, "apology")
	}
	return Chunk{}, io.EOF
}

// recv opens the provider stream on first use and returns the next delta.
func (s *Stream) recv(ctx context.Context) (string, error) {
	if !s.opened {
		s.opened = true
		if s.a.generator == nil {
			return "", errNoGenerator
		}
		up, err := s.a.generator.Stream(ctx, s.p.messages, generateOptions())
		if err != nil {
			return "", err
		}
		s.upstream = up
	}
	if s.upstream == nil {
		return "", io.EOF
	}
	return s.upstream.Recv()
}

// finish stores the accumulated reply and returns the done chunk. The
// stream is closed afterwards whether or not the write succeeded.
func (s *Stream) finish(ctx context.Context, outcome string) (Chunk, error) {
	s.phase = phaseClosed
	t, err := s.a.persistReply(ctx, s.p, s.reply.String())
	if err != nil {
		return Chunk{}, err
	}
	metrics.ChatTurnsTotal.WithLabelValues("stream", outcome).Inc()
	return Chunk{Type: ChunkDone, TurnID: t.ID, ConversationID: t.ConversationID}, nil
}

func (s *Stream) cancel() {
	if s.phase != phaseClosed {
		metrics.ChatTurnsTotal.WithLabelValues("stream", "cancelled").Inc()
	}
	s.closeUpstream()
	s.phase = phaseClosed
}

func (s *Stream) closeUpstream() {
	if s.upstream != nil {
		s.upstream.Close()
		s.upstream = nil
	}
}

// Close abandons the stream. If the done chunk has not been returned yet, no
// assistant turn is stored. Close is idempotent.
func (s *Stream) Close() error {
	if s.phase != phaseClosed {
		s.cancel()
	}
	return nil
}
