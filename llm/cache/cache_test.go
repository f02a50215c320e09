package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/internal/kvstore"
	"github.com/peoplecore/llmgateway/llm"
)

func newTestCache(t *testing.T, cfg Config) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kvstore.NewWithClient(client, zap.NewNop())
	return New(store, cfg, zap.NewNop()), mr
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	req := llm.NewCompletion("what is a payslip?").WithModel("gpt-4o-mini")
	resp := llm.NewResponse("a payslip is a document", "gpt-4o-mini", "openai")
	resp.Usage = llm.Usage{PromptTokens: 12, CompletionTokens: 8}

	_, ok := c.Get(ctx, req)
	require.False(t, ok)

	c.Put(ctx, req, resp)

	got, ok := c.Get(ctx, req)
	require.True(t, ok)
	assert.Equal(t, "a payslip is a document", got.Content)
	assert.Equal(t, "openai", got.Provider)
	assert.Equal(t, 20, got.TokensUsed())
	assert.Equal(t, true, got.Metadata["cached"])
	assert.NotEmpty(t, got.Metadata["cached_at"])
}

func TestCacheDisabled(t *testing.T) {
	c, _ := newTestCache(t, Config{Enabled: false})
	ctx := context.Background()

	req := llm.NewCompletion("hello")
	c.Put(ctx, req, llm.NewResponse("hi", "m", "p"))

	_, ok := c.Get(ctx, req)
	assert.False(t, ok)
}

func TestCacheSkipsErrorResponses(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	req := llm.NewCompletion("hello")
	c.Put(ctx, req, llm.NewErrorResponse("boom", "m", "p"))

	_, ok := c.Get(ctx, req)
	assert.False(t, ok)
}

func TestCacheSimilarityMatch(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	stored := llm.NewCompletion("What Is  The Capital of France?")
	c.Put(ctx, stored, llm.NewResponse("Paris", "m", "openai"))

	// Same content modulo case and whitespace: identical similarity
	// hash, so the bucket scan finds it even though the exact key
	// differs (different prompt string).
	lookup := llm.NewCompletion("what is the capital of france?")
	require.NotEqual(t, stored.CacheKey(), lookup.CacheKey())

	got, ok := c.Get(ctx, lookup)
	require.True(t, ok)
	assert.Equal(t, "Paris", got.Content)
	assert.Equal(t, 1.0, got.Metadata["similarity_score"])
}

func TestCacheSimilarityRespectsThreshold(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	stored := llm.NewCompletion("what is the capital of france?")
	c.Put(ctx, stored, llm.NewResponse("Paris", "m", "openai"))

	// Different content hashes to an unrelated sha256, far below 0.95.
	lookup := llm.NewCompletion("what is the capital of germany?")
	_, ok := c.Get(ctx, lookup)
	assert.False(t, ok)
}

func TestCacheSimilarityBucketSeparatesTypes(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	stored := llm.NewCompletion("hello there")
	c.Put(ctx, stored, llm.NewResponse("hi", "m", "p"))

	chat := llm.NewChat(llm.Message{Role: "user", Content: "hello there"})
	_, ok := c.Get(ctx, chat)
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c, mr := newTestCache(t, Config{Enabled: true, TTL: time.Minute, SimilarityThreshold: 0.95})
	ctx := context.Background()

	req := llm.NewCompletion("ephemeral")
	c.Put(ctx, req, llm.NewResponse("gone soon", "m", "p"))

	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(ctx, req)
	assert.False(t, ok)
}

func TestCacheForgetAndFlush(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	a := llm.NewCompletion("a")
	b := llm.NewCompletion("b")
	c.Put(ctx, a, llm.NewResponse("ra", "m", "p"))
	c.Put(ctx, b, llm.NewResponse("rb", "m", "p"))

	c.Forget(ctx, a)
	_, ok := c.Get(ctx, a)
	assert.False(t, ok)
	_, ok = c.Get(ctx, b)
	assert.True(t, ok)

	c.Flush(ctx)
	_, ok = c.Get(ctx, b)
	assert.False(t, ok)
}

func TestCacheStats(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	req := llm.NewCompletion("hello")
	c.Get(ctx, req) // miss
	c.Put(ctx, req, llm.NewResponse("hi", "m", "p"))
	c.Get(ctx, req) // hit

	stats := c.GetStats(ctx)
	assert.True(t, stats.Enabled)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestCacheWarmup(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	good := llm.NewCompletion("good")
	bad := llm.NewCompletion("bad")

	calls := 0
	c.Warmup(ctx, []*llm.Request{good, bad}, func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		calls++
		if req.Prompt == "bad" {
			return nil, errors.New("upstream down")
		}
		return llm.NewResponse("warm", "m", "p"), nil
	})

	assert.Equal(t, 2, calls)
	_, ok := c.Get(ctx, good)
	assert.True(t, ok)
	_, ok = c.Get(ctx, bad)
	assert.False(t, ok)
}

func TestSimilarityMetric(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("abcd", "abcd"))
	assert.Equal(t, 0.75, Similarity("abcd", "abcx"))
	assert.Equal(t, 0.0, Similarity("", "abcd"))
	// Compared over the shorter string.
	assert.Equal(t, 1.0, Similarity("ab", "abcd"))
}

func TestCacheSimilarityFirstMatchWins(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	// Same normalized content, distinct exact keys via max_tokens: both
	// bucket entries score 1.0 against the lookup.
	first := llm.NewCompletion("what is the capital of france?").WithMaxTokens(100)
	second := llm.NewCompletion("what is the capital of france?").WithMaxTokens(200)
	c.Put(ctx, first, llm.NewResponse("Paris (first)", "m", "openai"))
	c.Put(ctx, second, llm.NewResponse("Paris (second)", "m", "openai"))

	lookup := llm.NewCompletion("What is the capital of France?").WithMaxTokens(300)
	require.NotEqual(t, first.CacheKey(), lookup.CacheKey())
	require.NotEqual(t, second.CacheKey(), lookup.CacheKey())

	got, ok := c.Get(ctx, lookup)
	require.True(t, ok)
	assert.Equal(t, "Paris (first)", got.Content)
}
