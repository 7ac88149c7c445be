package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClient embeds deterministically and counts upstream calls.
type countingClient struct {
	embedCalls int
	batchCalls int
	chatCalls  int
}

func (c *countingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedCalls++
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchCalls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (c *countingClient) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error) {
	c.chatCalls++
	return fmt.Sprintf("reply-%d", c.chatCalls), nil
}

func TestCachedClient_EmbedHitsCacheOnRepeat(t *testing.T) {
	inner := &countingClient{}
	cached := NewCachedClient(inner, "test-model", 10)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.embedCalls)
}

func TestCachedClient_EmbedBatchOnlyFetchesMisses(t *testing.T) {
	inner := &countingClient{}
	cached := NewCachedClient(inner, "test-model", 10)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "aa")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"aa", "bbb", "aa"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	// Order preserved: lengths 2, 3, 2.
	assert.Equal(t, float32(2), vecs[0][0])
	assert.Equal(t, float32(3), vecs[1][0])
	assert.Equal(t, float32(2), vecs[2][0])

	// One batch call covering only the miss.
	assert.Equal(t, 1, inner.batchCalls)

	// Everything is cached now.
	_, err = cached.EmbedBatch(ctx, []string{"aa", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.batchCalls)
}

func TestCachedClient_ModelIsPartOfKey(t *testing.T) {
	inner := &countingClient{}
	ctx := context.Background()

	a := NewCachedClient(inner, "model-a", 10)
	_, err := a.Embed(ctx, "hello")
	require.NoError(t, err)

	b := NewCachedClient(inner, "model-b", 10)
	_, err = b.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.embedCalls)
}

func TestCachedClient_ChatIsNeverCached(t *testing.T) {
	inner := &countingClient{}
	cached := NewCachedClient(inner, "test-model", 10)
	ctx := context.Background()

	msgs := []ChatMessage{{Role: RoleUser, Content: "hi"}}
	first, err := cached.Chat(ctx, msgs, ChatOptions{})
	require.NoError(t, err)
	second, err := cached.Chat(ctx, msgs, ChatOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, inner.chatCalls)
}

func TestCachedClient_EmptyBatch(t *testing.T) {
	inner := &countingClient{}
	cached := NewCachedClient(inner, "test-model", 10)

	vecs, err := cached.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, inner.batchCalls)
}
