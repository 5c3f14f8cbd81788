package proxy

import "github.com/kalambet/reelsense/internal/engine"

// ChatRequest is the OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []engine.Message `json:"messages"`
	Stream      bool             `json:"stream,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// completionResponse is the non-streaming chat completion body.
type completionResponse struct {
	Choices []struct {
		Message engine.Message `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

// streamChunk is the payload of one SSE "data:" line.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}
