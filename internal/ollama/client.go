// Package ollama is a small client for the local Ollama HTTP API: model
// management, chat and embeddings.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options is the "options" object of /api/chat.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// PullProgress is one line of a streamed /api/pull reply.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

type (
	tagsResponse struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	pullRequest struct {
		Name   string `json:"name"`
		Stream bool   `json:"stream"`
	}
	chatRequest struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
		Stream   bool      `json:"stream"`
		Options  *Options  `json:"options,omitempty"`
	}
	// chatResponse is a whole reply, or one line of a streamed reply with
	// Done set on the last.
	chatResponse struct {
		Message Message `json:"message"`
		Done    bool    `json:"done"`
		Error   string  `json:"error,omitempty"`
	}
	// embedRequest.Input is a string or a []string.
	embedRequest struct {
		Model string `json:"model"`
		Input any    `json:"input"`
	}
	embedResponse struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
)

// Client has no overall timeout; pulls and streams run as long as their
// context allows.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

// call sends in as JSON (nil for no body) and returns the response when the
// status is 200. Other statuses are returned as errors carrying Ollama's
// error message.
func (c *Client) call(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var e struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e) == nil && e.Error != "" {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, e.Error)
	}
	return nil, fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
}

func (c *Client) callJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.call(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", path, err)
	}
	return nil
}

// IsRunning reports whether the server answers within two seconds.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.call(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ListModels returns the installed model names, tags included.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tags tagsResponse
	if err := c.callJSON(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is installed. A bare name matches any tag of
// it, so "nomic-embed-text" finds "nomic-embed-text:latest".
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(models, func(m string) bool {
		return m == name || strings.HasPrefix(m, name+":")
	})
}

// PullModel downloads name, passing each progress line to onProgress when it
// is non-nil, and returns once the pull stream ends.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.call(ctx, http.MethodPost, "/api/pull", pullRequest{Name: name, Stream: true})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", name, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

// Chat returns the complete reply of model to messages.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts *Options) (string, error) {
	var out chatResponse
	if err := c.callJSON(ctx, http.MethodPost, "/api/chat", chatRequest{Model: model, Messages: messages, Options: opts}, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("chat: %s", out.Error)
	}
	return out.Message.Content, nil
}

// ChatStream is an open streamed reply. Close it when done.
type ChatStream struct {
	body io.ReadCloser
	dec  *json.Decoder
	done bool
}

func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, opts *Options) (*ChatStream, error) {
	resp, err := c.call(ctx, http.MethodPost, "/api/chat", chatRequest{Model: model, Messages: messages, Stream: true, Options: opts})
	if err != nil {
		return nil, err
	}
	return &ChatStream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

// Recv returns the next non-empty delta. It returns io.EOF after the line
// marked done and io.ErrUnexpectedEOF if the body ends before it.
func (s *ChatStream) Recv() (string, error) {
	for !s.done {
		var line chatResponse
		switch err := s.dec.Decode(&line); {
		case errors.Is(err, io.EOF):
			return "", io.ErrUnexpectedEOF
		case err != nil:
			return "", fmt.Errorf("reading chat stream: %w", err)
		case line.Error != "":
			return "", fmt.Errorf("chat stream: %s", line.Error)
		}
		s.done = line.Done
		if line.Message.Content != "" {
			return line.Message.Content, nil
		}
	}
	return "", io.EOF
}

func (s *ChatStream) Close() error {
	return s.body.Close()
}

func (c *Client) embed(ctx context.Context, model string, input any) ([][]float32, error) {
	var out embedResponse
	if err := c.callJSON(ctx, http.MethodPost, "/api/embed", embedRequest{Model: model, Input: input}, &out); err != nil {
		return nil, err
	}
	return out.Embeddings, nil
}

func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, model, text)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("embed: no vector returned")
	}
	return vecs[0], nil
}

// EmbedMany embeds texts in a single request, one vector per input in input
// order.
func (c *Client) EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.embed(ctx, model, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}
