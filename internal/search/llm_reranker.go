package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/inboxlab/mailrag/internal/llm"
)

// llmRerankConcurrency bounds parallel scoring calls for one rerank batch.
const llmRerankConcurrency = 4

const llmRerankSystemPrompt = "You score how relevant a passage is to a question. " +
	"Reply with a single number between 0 and 10, nothing else."

// LLMReranker scores each (query, passage) pair with a chat completion.
// Slower and costlier than a dedicated cross-encoder service, but works
// against any OpenAI-compatible endpoint, so it is the fallback when no
// rerank_url is configured.
type LLMReranker struct {
	client llm.Client
}

var _ Reranker = (*LLMReranker)(nil)

// NewLLMReranker creates a chat-based reranker.
func NewLLMReranker(client llm.Client) *LLMReranker {
	return &LLMReranker{client: client}
}

// Rerank scores every passage, in parallel up to a bound. The error of the
// first failing pair propagates with its transient/permanent classification
// intact.
func (r *LLMReranker) Rerank(ctx context.Context, query string, passages []string) ([]RerankResult, error) {
	if len(passages) == 0 {
		return []RerankResult{}, nil
	}

	var mu sync.Mutex
	results := make([]RerankResult, len(passages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(llmRerankConcurrency)
	for i, passage := range passages {
		g.Go(func() error {
			prompt := fmt.Sprintf("Question: %s\n\nPassage:\n%s\n\nRelevance score (0-10):", query, passage)
			reply, err := r.client.Chat(gctx, []llm.ChatMessage{
				{Role: llm.RoleSystem, Content: llmRerankSystemPrompt},
				{Role: llm.RoleUser, Content: prompt},
			}, llm.ChatOptions{Temperature: 0, MaxTokens: 8})
			if err != nil {
				return err
			}

			score := parseScore(reply)
			mu.Lock()
			results[i] = RerankResult{Index: i, Score: score}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortRerankResults(results)
	return results, nil
}

// parseScore extracts the leading number from a model reply and normalizes
// it to [0, 1]. Unparseable replies score zero rather than failing the
// whole batch.
func parseScore(reply string) float64 {
	fields := strings.Fields(strings.TrimSpace(reply))
	if len(fields) == 0 {
		return 0
	}
	raw := strings.TrimSuffix(fields[0], ".")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	if value < 0 {
		value = 0
	}
	if value > 10 {
		value = 10
	}
	return value / 10
}
