package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"

	completeTimeout = 60 * time.Second
	streamTimeout   = 5 * time.Minute

	// 429 handling: up to chatAttempts requests, doubling the wait from
	// firstBackoff unless the server sends Retry-After.
	chatAttempts = 3
	firstBackoff = 500 * time.Millisecond
	maxBackoff   = 10 * time.Second
)

// Client talks to an OpenAI-compatible chat completions endpoint, by default
// OpenRouter.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	headers http.Header
}

type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible endpoint. An
// empty u keeps the default.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		// No client-wide timeout: each call derives its own deadline so
		// long streams survive.
		http: &http.Client{},
		headers: http.Header{
			"HTTP-Referer": {"https://github.com/kalambet/reelsense"},
			"X-Title":      {"reelsense"},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError is a non-2xx reply from the provider.
type StatusError struct {
	Code    int
	Message string
	// RetryAfter is the server's requested wait on 429, zero if absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Code == http.StatusTooManyRequests {
		return fmt.Sprintf("rate limited (HTTP %d)", e.Code)
	}
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Chat posts req and returns the open response body: one JSON document, or
// an SSE stream when req.Stream is set. The caller closes it. Rate-limited
// requests are retried.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	timeout := completeTimeout
	if req.Stream {
		timeout = streamTimeout
	}

	wait := firstBackoff
	for attempt := 1; ; attempt++ {
		body, err := c.post(ctx, payload, timeout)
		var se *StatusError
		if err == nil || !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
			return body, err
		}
		if attempt == chatAttempts {
			return nil, fmt.Errorf("rate limited after %d attempts: %w", attempt, err)
		}

		d := wait
		if se.RetryAfter > 0 {
			d = min(se.RetryAfter, maxBackoff)
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, maxBackoff)
	}
}

func (c *Client) post(ctx context.Context, payload []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// statusError reads the provider's error envelope when there is one and
// falls back to the raw body.
func statusError(resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var env struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error != nil && env.Error.Message != "" {
		se.Message = env.Error.Message
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		se.RetryAfter = time.Duration(secs) * time.Second
	}
	return se
}

// cancelOnClose releases the request deadline together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
