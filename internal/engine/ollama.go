package engine

import (
	"context"

	"github.com/kalambet/reelsense/internal/ollama"
)

var (
	_ Embedder     = (*OllamaEngine)(nil)
	_ Generator    = (*OllamaEngine)(nil)
	_ ModelManager = (*OllamaEngine)(nil)
)

// OllamaEngine adapts the internal/ollama.Client to Embedder and Generator.
// Either model may be empty when the engine serves only one role.
type OllamaEngine struct {
	client     *ollama.Client
	chatModel  string
	embedModel string
}

func NewOllamaEngine(baseURL, chatModel, embedModel string) *OllamaEngine {
	return &OllamaEngine{
		client:     ollama.New(baseURL),
		chatModel:  chatModel,
		embedModel: embedModel,
	}
}

func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.embedModel, TruncateInput(text))
}

func (e *OllamaEngine) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	in := make([]string, len(texts))
	for i, t := range texts {
		in[i] = TruncateInput(t)
	}
	return e.client.EmbedMany(ctx, e.embedModel, in)
}

func (e *OllamaEngine) Complete(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	return e.client.Chat(ctx, e.chatModel, toOllamaMessages(messages), toOllamaOptions(opts))
}

func (e *OllamaEngine) Stream(ctx context.Context, messages []Message, opts GenerateOptions) (Stream, error) {
	s, err := e.client.ChatStream(ctx, e.chatModel, toOllamaMessages(messages), toOllamaOptions(opts))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) { onProgress(PullProgress(p)) }
	}
	return e.client.PullModel(ctx, name, cb)
}

func toOllamaMessages(messages []Message) []ollama.Message {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

func toOllamaOptions(opts GenerateOptions) *ollama.Options {
	if opts == (GenerateOptions{}) {
		return nil
	}
	return &ollama.Options{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
}
