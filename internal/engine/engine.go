package engine

import (
	"context"
	"errors"
	"unicode/utf8"
)

// MaxInputChars is the longest text handed to an embedding provider.
const MaxInputChars = 8000

// ErrTimeout is returned when a provider call exceeds its deadline while the
// caller's own context is still live.
var ErrTimeout = errors.New("provider timed out")

// Embedder turns text into vectors. Implementations are safe for concurrent use.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedMany returns one vector per input, in input order.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces chat replies.
type Generator interface {
	// Complete returns the full reply in one call.
	Complete(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)

	// Stream opens an incremental reply. The caller must Close it.
	Stream(ctx context.Context, messages []Message, opts GenerateOptions) (Stream, error)
}

// Stream yields content deltas of a reply being generated.
type Stream interface {
	// Recv returns the next delta, or io.EOF once the reply is complete.
	Recv() (string, error)
	Close() error
}

// TruncateInput cuts s to MaxInputChars characters without splitting a rune.
func TruncateInput(s string) string {
	if utf8.RuneCountInString(s) <= MaxInputChars {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxInputChars {
			return s[:i]
		}
		n++
	}
	return s
}
