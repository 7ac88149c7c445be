package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/errors"
)

// OpenAIClient implements Client against any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client     openaisdk.Client
	chatModel  string
	embedModel string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client from the LLM config section.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout.Std()))
	}
	// The SDK retries internally; our retry layer owns backoff instead.
	opts = append(opts, option.WithMaxRetries(0))

	return &OpenAIClient{
		client:     openaisdk.NewClient(opts...),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
	}
}

// Embed returns the embedding for one text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one embedding per input text, in order.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	params := openaisdk.EmbeddingNewParams{
		Model: openaisdk.EmbeddingModel(c.embedModel),
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify("embeddings request failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Transient(
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)), nil)
	}

	out := make([][]float32, len(resp.Data))
	for i, emb := range resp.Data {
		vec := make([]float32, len(emb.Embedding))
		for j, v := range emb.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// Chat runs a completion over the messages and returns the assistant text.
func (c *OpenAIClient) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error) {
	converted := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			converted = append(converted, openaisdk.SystemMessage(msg.Content))
		default:
			converted = append(converted, openaisdk.UserMessage(msg.Content))
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Messages: converted,
		Model:    openaisdk.ChatModel(c.chatModel),
	}
	if opts.Temperature > 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify("chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Transient("chat completion returned no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps SDK errors onto the retry taxonomy: rate limits, 5xx and
// network failures are transient; other API rejections are permanent.
func classify(message string, err error) error {
	var apierr *openaisdk.Error
	if stderrors.As(err, &apierr) {
		if apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return errors.Transient(message, err)
		}
		return errors.Permanent(message, err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Timeout(message, err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout(message, err)
	}
	return errors.Transient(message, err)
}
