package engine

// Message is one chat turn in the OpenAI role/content shape every backend
// accepts.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerateOptions tune a single generation call. Zero values leave the
// provider default in place.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// PullProgress is one progress report of a local model download. Total is
// zero for status-only steps.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
