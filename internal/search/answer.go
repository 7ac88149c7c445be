package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/llm"
)

// snippetMaxChars caps the source excerpt returned with an answer.
const snippetMaxChars = 200

// Source points an answer back at one retrieved chunk.
type Source struct {
	Snippet  string         `json:"snippet"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Answer is a generated reply with its supporting chunks.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// GenerateOptions tune one generation call. Zero values fall back to the
// collection or global defaults.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// AnswerGenerator turns a query plus reranked chunks into a grounded answer.
type AnswerGenerator struct {
	llm    llm.Client
	cfg    *config.Config
	retry  errors.RetryConfig
	logger *slog.Logger
}

// NewAnswerGenerator wires the generation step.
func NewAnswerGenerator(client llm.Client, cfg *config.Config, logger *slog.Logger) *AnswerGenerator {
	return &AnswerGenerator{
		llm:    client,
		cfg:    cfg,
		retry:  errors.DefaultRetryConfig(),
		logger: logger,
	}
}

// Generate answers query from chunks only. Transient LLM failures retry
// with backoff; an empty chunk list produces the insufficient-context
// answer without calling the model.
func (g *AnswerGenerator) Generate(ctx context.Context, query, collection string, chunks []Chunk, opts GenerateOptions) (Answer, error) {
	if strings.TrimSpace(query) == "" {
		return Answer{}, errors.InvalidArgument("query is empty")
	}
	if len(chunks) == 0 {
		return Answer{
			Text:    "I don't have enough information in the indexed documents to answer that.",
			Sources: []Source{},
		}, nil
	}

	var contextBlock strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&contextBlock, "[Document %d]\n%s\n", i+1, c.Text)
	}

	userPrompt := fmt.Sprintf(
		"Answer the question using only the documents below. "+
			"If they do not contain the answer, say the information is not available.\n\n%s\nQuestion: %s",
		contextBlock.String(), query)

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = g.cfg.TemperatureFor(collection)
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.cfg.LLM.MaxTokens
	}

	messages := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: g.cfg.SystemPromptFor(collection)},
		{Role: llm.RoleUser, Content: userPrompt},
	}

	var text string
	err := errors.Retry(ctx, g.retry, func() error {
		var chatErr error
		text, chatErr = g.llm.Chat(ctx, messages, llm.ChatOptions{
			Temperature: temperature,
			MaxTokens:   maxTokens,
		})
		return chatErr
	})
	if err != nil {
		return Answer{}, err
	}

	sources := make([]Source, len(chunks))
	for i, c := range chunks {
		sources[i] = Source{
			Snippet:  snippet(c.Text),
			Score:    c.Score,
			Metadata: c.Metadata,
		}
	}

	g.logger.Info("answer_generated",
		slog.String("collection", collection),
		slog.Int("sources", len(sources)),
		slog.Int("answer_chars", len(text)))
	return Answer{Text: text, Sources: sources}, nil
}

// snippet truncates text to the snippet budget on a rune boundary.
func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetMaxChars {
		return text
	}
	return string(runes[:snippetMaxChars])
}
