package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kalambet/reelsense/internal/engine"
)

var _ engine.Generator = (*Generator)(nil)

// Generator implements engine.Generator on top of the OpenRouter client.
type Generator struct {
	client *Client
	model  string
}

func NewGenerator(client *Client, model string) *Generator {
	return &Generator{client: client, model: model}
}

func (g *Generator) request(messages []engine.Message, opts engine.GenerateOptions, stream bool) ChatRequest {
	req := ChatRequest{
		Model:     g.model,
		Messages:  messages,
		Stream:    stream,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature != 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	return req
}

func (g *Generator) Complete(ctx context.Context, messages []engine.Message, opts engine.GenerateOptions) (string, error) {
	rc, err := g.client.Chat(ctx, g.request(messages, opts, false))
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var resp completionResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return "", fmt.Errorf("decoding completion: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("completion error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Generator) Stream(ctx context.Context, messages []engine.Message, opts engine.GenerateOptions) (engine.Stream, error) {
	rc, err := g.client.Chat(ctx, g.request(messages, opts, true))
	if err != nil {
		return nil, err
	}
	return &sseStream{body: rc, r: bufio.NewReader(rc)}, nil
}

// sseStream decodes an OpenAI-style server-sent event stream.
type sseStream struct {
	body     io.ReadCloser
	r        *bufio.Reader
	finished bool
	done     bool
}

func (s *sseStream) Recv() (string, error) {
	for !s.done {
		line, err := s.r.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			if err == io.EOF {
				s.done = true
				if s.finished {
					return "", io.EOF
				}
				return "", io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("reading stream: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		// Blank separators and ": keep-alive" comments carry no data.
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("stream error: %s", chunk.Error.Message)
		}
		var delta string
		for _, c := range chunk.Choices {
			delta += c.Delta.Content
			if c.FinishReason != nil && *c.FinishReason != "" {
				s.finished = true
			}
		}
		if delta != "" {
			return delta, nil
		}
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
