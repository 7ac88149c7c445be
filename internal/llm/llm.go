// Package llm wraps the OpenAI-compatible endpoints used for embeddings and
// answer generation behind a small capability interface.
package llm

import "context"

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string
	Content string
}

// Chat roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ChatOptions tune one generation call.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// Client is the embedding and generation capability the pipeline depends on.
// Implementations classify upstream failures as transient or permanent so
// callers can retry sensibly.
type Client interface {
	// Embed returns the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Chat runs a completion over the messages and returns the assistant text.
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error)
}
