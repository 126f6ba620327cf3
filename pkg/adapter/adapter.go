package adapter

import "context"

// Adapter defines the interface for LLM provider backends.
type Adapter interface {
	// Generate sends a request to the model and returns the full response.
	Generate(ctx context.Context, model string, req Request) (*Response, error)

	// GenerateStream sends a request and forwards output deltas to onDelta
	// as they arrive. The returned Response carries the accumulated content.
	// An error from onDelta aborts the stream.
	GenerateStream(ctx context.Context, model string, req Request, onDelta func(delta string) error) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Request carries the generation inputs common to all providers.
type Request struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	// Endpoint overrides the adapter's default API base URL for this call.
	// The dispatcher sets it when a specific inference node was picked.
	// Adapters whose SDK owns the connection ignore it.
	Endpoint string `json:"-"`
}

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response wraps a provider output and optional usage data.
type Response struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    *Usage `json:"usage,omitempty"`
}

const defaultMaxTokens = 4096

func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return defaultMaxTokens
}
