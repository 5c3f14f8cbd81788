package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/reelsense/internal/engine"
)

var hello = []engine.Message{{Role: engine.RoleUser, Content: "hi"}}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(b)
}

func TestChat_ReturnsBodyAndHeaders(t *testing.T) {
	const sse = "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: [DONE]\n\n"

	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	}))
	defer srv.Close()

	rc, err := NewClient("test-key", WithBaseURL(srv.URL+"/")).Chat(context.Background(), ChatRequest{
		Model: "openai/gpt-4o-mini", Messages: hello, Stream: true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if body := readAll(t, rc); body != sse {
		t.Errorf("body = %q, want %q", body, sse)
	}

	if got.URL.Path != "/chat/completions" {
		t.Errorf("path = %q", got.URL.Path)
	}
	for h, want := range map[string]string{
		"Authorization": "Bearer test-key",
		"Content-Type":  "application/json",
		"X-Title":       "reelsense",
	} {
		if v := got.Header.Get(h); v != want {
			t.Errorf("%s = %q, want %q", h, v, want)
		}
	}
}

func TestChat_SendsGenerationOptions(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	temp := 0.7
	rc, err := NewClient("k", WithBaseURL(srv.URL)).Chat(context.Background(), ChatRequest{
		Model: "m", Messages: hello, Temperature: &temp, MaxTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if got["temperature"] != 0.7 || got["max_tokens"] != float64(1000) {
		t.Errorf("request body = %v", got)
	}
	if _, ok := got["stream"]; ok {
		t.Error("stream should be omitted for non-streaming requests")
	}
}

func TestChat_StatusErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"provider envelope", http.StatusUnauthorized, `{"error":{"message":"No auth credentials found","code":401}}`, "No auth credentials found"},
		{"plain body", http.StatusBadGateway, "upstream down\n", "upstream down"},
		{"empty body", http.StatusInternalServerError, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewClient("k", WithBaseURL(srv.URL)).Chat(context.Background(), ChatRequest{Model: "m", Messages: hello})
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StatusError", err)
			}
			if se.Code != tc.status || se.Message != tc.wantMsg {
				t.Errorf("StatusError = %+v, want code %d message %q", se, tc.status, tc.wantMsg)
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("calls = %d, want 1 (no retry)", n)
			}
		})
	}
}

func TestChat_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	start := time.Now()
	rc, err := NewClient("k", WithBaseURL(srv.URL)).Chat(context.Background(), ChatRequest{Model: "m", Messages: hello})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
	if waited := time.Since(start); waited < time.Second {
		t.Errorf("waited %v, want Retry-After of 1s honoured", waited)
	}
}

func TestChat_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Chat(context.Background(), ChatRequest{Model: "m", Messages: hello})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if n := calls.Load(); n != chatAttempts {
		t.Errorf("calls = %d, want %d", n, chatAttempts)
	}
}

func TestChat_CancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Chat(ctx, ChatRequest{Model: "m", Messages: hello})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestChat_CancelMidStream(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		rc, err := NewClient("k", WithBaseURL(srv.URL)).Chat(ctx, ChatRequest{Model: "m", Messages: hello, Stream: true})
		if err != nil {
			done <- err
			return
		}
		defer rc.Close()
		_, err = io.ReadAll(rc)
		done <- err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream read did not stop after cancellation")
	}
}
