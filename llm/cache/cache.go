// Package cache stores completed responses for reuse. Lookups try an
// exact request match first, then scan a similarity bucket of requests
// sharing the same type and system prompt. Every store failure degrades
// to a miss; the cache can never break a completion.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/internal/kvstore"
	"github.com/peoplecore/llmgateway/llm"
)

const (
	simKeyPrefix    = "llm:sim:"
	exactKeyPrefix  = "llm:req:"
	hitCounterKey   = "llm:cache:hits"
	missCounterKey  = "llm:cache:misses"
	counterWindow   = 24 * time.Hour
	defaultTTL      = time.Hour
	defaultSimThres = 0.95
)

// Config controls caching behavior.
type Config struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	TTL                 time.Duration `yaml:"ttl" json:"ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" json:"similarity_threshold"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		TTL:                 defaultTTL,
		SimilarityThreshold: defaultSimThres,
	}
}

// ResponseCache is the exact + similarity response cache.
type ResponseCache struct {
	store  *kvstore.Store
	cfg    Config
	logger *zap.Logger
}

// New builds a cache over store.
func New(store *kvstore.Store, cfg Config, logger *zap.Logger) *ResponseCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultSimThres
	}
	return &ResponseCache{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "cache")),
	}
}

// entry is the stored response envelope.
type entry struct {
	Response *llm.Response `json:"response"`
	CachedAt time.Time     `json:"cached_at"`
}

// bucketEntry indexes one cached request inside a similarity bucket.
type bucketEntry struct {
	CacheKey  string `json:"cache_key"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

// bucketKey groups requests by type and system prompt so the similarity
// scan only compares requests with the same framing.
func bucketKey(req *llm.Request) string {
	sum := sha256.Sum256([]byte(string(req.Type) + "|" + req.SystemPrompt))
	return simKeyPrefix + hex.EncodeToString(sum[:])
}

// Get returns a cached response for req, via exact or similarity match.
func (c *ResponseCache) Get(ctx context.Context, req *llm.Request) (*llm.Response, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}

	if resp, ok := c.lookup(ctx, req.CacheKey()); ok {
		c.bump(ctx, hitCounterKey)
		return resp, true
	}

	if resp, ok := c.findSimilar(ctx, req); ok {
		c.bump(ctx, hitCounterKey)
		return resp, true
	}

	c.bump(ctx, missCounterKey)
	return nil, false
}

func (c *ResponseCache) lookup(ctx context.Context, key string) (*llm.Response, bool) {
	var e entry
	if err := c.store.GetJSON(ctx, key, &e); err != nil {
		if !kvstore.IsNotFound(err) {
			c.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if e.Response == nil {
		return nil, false
	}
	e.Response.SetMeta("cached", true)
	e.Response.SetMeta("cached_at", e.CachedAt.Format(time.RFC3339))
	return e.Response, true
}

// findSimilar scans the request's similarity bucket and takes the first
// hash match at or above the threshold, in bucket insertion order.
func (c *ResponseCache) findSimilar(ctx context.Context, req *llm.Request) (*llm.Response, bool) {
	var bucket []bucketEntry
	if err := c.store.GetJSON(ctx, bucketKey(req), &bucket); err != nil {
		if !kvstore.IsNotFound(err) {
			c.logger.Warn("similarity bucket read failed", zap.Error(err))
		}
		return nil, false
	}

	hash := req.SimilarityHash()
	for _, e := range bucket {
		score := Similarity(hash, e.Hash)
		if score < c.cfg.SimilarityThreshold {
			continue
		}
		resp, ok := c.lookup(ctx, e.CacheKey)
		if !ok {
			continue
		}
		resp.SetMeta("similarity_score", score)
		return resp, true
	}
	return nil, false
}

// Similarity compares two similarity hashes by positional character
// match over the shorter length. Deliberately crude: it is a hash
// comparison, not a semantic one, and downstream thresholds are tuned
// to exactly this metric.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	matches := 0
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(n)
}

// Put stores resp under req. Disabled caches and error responses are
// skipped silently.
func (c *ResponseCache) Put(ctx context.Context, req *llm.Request, resp *llm.Response) {
	if !c.cfg.Enabled || resp == nil || resp.IsError() {
		return
	}

	key := req.CacheKey()
	now := time.Now()
	if err := c.store.SetJSON(ctx, key, entry{Response: resp, CachedAt: now}, c.cfg.TTL); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return
	}

	c.indexSimilarity(ctx, req, key, now)
}

func (c *ResponseCache) indexSimilarity(ctx context.Context, req *llm.Request, key string, now time.Time) {
	bKey := bucketKey(req)

	var bucket []bucketEntry
	if err := c.store.GetJSON(ctx, bKey, &bucket); err != nil && !kvstore.IsNotFound(err) {
		c.logger.Warn("similarity bucket read failed", zap.Error(err))
		return
	}

	cutoff := now.Add(-c.cfg.TTL).Unix()
	pruned := make([]bucketEntry, 0, len(bucket)+1)
	for _, e := range bucket {
		if e.Timestamp >= cutoff && e.CacheKey != key {
			pruned = append(pruned, e)
		}
	}
	pruned = append(pruned, bucketEntry{CacheKey: key, Hash: req.SimilarityHash(), Timestamp: now.Unix()})

	if err := c.store.SetJSON(ctx, bKey, pruned, c.cfg.TTL); err != nil {
		c.logger.Warn("similarity bucket write failed", zap.Error(err))
	}
}

// Forget drops the cached response for req.
func (c *ResponseCache) Forget(ctx context.Context, req *llm.Request) {
	if err := c.store.Delete(ctx, req.CacheKey()); err != nil {
		c.logger.Warn("cache forget failed", zap.Error(err))
	}
}

// Flush drops all cached responses and similarity buckets.
func (c *ResponseCache) Flush(ctx context.Context) {
	for _, prefix := range []string{exactKeyPrefix, simKeyPrefix} {
		if _, err := c.store.DeletePrefix(ctx, prefix); err != nil {
			c.logger.Warn("cache flush failed", zap.String("prefix", prefix), zap.Error(err))
		}
	}
}

// Cleanup prunes stale entries from every similarity bucket. Redis
// expires the buckets on its own; this tightens buckets that are still
// alive but carry dead index entries.
func (c *ResponseCache) Cleanup(ctx context.Context) {
	keys, err := c.store.Keys(ctx, simKeyPrefix)
	if err != nil {
		c.logger.Warn("cache cleanup scan failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-c.cfg.TTL).Unix()
	for _, key := range keys {
		var bucket []bucketEntry
		if err := c.store.GetJSON(ctx, key, &bucket); err != nil {
			continue
		}
		pruned := bucket[:0]
		for _, e := range bucket {
			if e.Timestamp >= cutoff {
				pruned = append(pruned, e)
			}
		}
		if len(pruned) == len(bucket) {
			continue
		}
		if len(pruned) == 0 {
			_ = c.store.Delete(ctx, key)
			continue
		}
		if err := c.store.SetJSON(ctx, key, pruned, c.cfg.TTL); err != nil {
			c.logger.Warn("cache cleanup write failed", zap.Error(err))
		}
	}
}

// Warmup primes the cache by completing each request through fetch.
// Failures are logged and skipped; warmup never fails the caller.
func (c *ResponseCache) Warmup(ctx context.Context, reqs []*llm.Request, fetch func(context.Context, *llm.Request) (*llm.Response, error)) {
	if !c.cfg.Enabled {
		return
	}
	for _, req := range reqs {
		if _, ok := c.lookup(ctx, req.CacheKey()); ok {
			continue
		}
		resp, err := fetch(ctx, req)
		if err != nil {
			c.logger.Warn("cache warmup request failed", zap.Error(err))
			continue
		}
		c.Put(ctx, req, resp)
	}
}

// Stats describes the cache state.
type Stats struct {
	Enabled             bool          `json:"enabled"`
	TTL                 time.Duration `json:"ttl"`
	SimilarityThreshold float64       `json:"similarity_threshold"`
	Entries             int           `json:"entries"`
	Hits                int64         `json:"hits"`
	Misses              int64         `json:"misses"`
	HitRate             float64       `json:"hit_rate"`
}

// GetStats reports cache configuration and rolling hit counters.
func (c *ResponseCache) GetStats(ctx context.Context) Stats {
	stats := Stats{
		Enabled:             c.cfg.Enabled,
		TTL:                 c.cfg.TTL,
		SimilarityThreshold: c.cfg.SimilarityThreshold,
	}

	if keys, err := c.store.Keys(ctx, exactKeyPrefix); err == nil {
		stats.Entries = len(keys)
	}
	stats.Hits = c.counter(ctx, hitCounterKey)
	stats.Misses = c.counter(ctx, missCounterKey)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *ResponseCache) bump(ctx context.Context, key string) {
	if _, err := c.store.Incr(ctx, key, counterWindow); err != nil {
		c.logger.Debug("cache counter update failed", zap.Error(err))
	}
}

func (c *ResponseCache) counter(ctx context.Context, key string) int64 {
	val, err := c.store.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
