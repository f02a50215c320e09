// Package balancer selects a provider for each request. Routing metrics
// and cooldowns live in the shared store, so every gateway instance sees
// the same picture and round robin stays fair across processes.
package balancer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/internal/kvstore"
	"github.com/peoplecore/llmgateway/llm"
)

// Strategy names accepted in configuration.
type Strategy string

const (
	RoundRobin      Strategy = "round_robin"
	LeastCost       Strategy = "least_cost"
	FastestResponse Strategy = "fastest_response"
	Random          Strategy = "random"
	Weighted        Strategy = "weighted"
)

// KnownStrategies lists the valid strategy names for validation.
func KnownStrategies() []Strategy {
	return []Strategy{RoundRobin, LeastCost, FastestResponse, Random, Weighted}
}

// ErrNoProviders is returned when selection has no candidates.
var ErrNoProviders = errors.New("balancer: no providers available")

const (
	rrCounterKey      = "llm:lb:rr"
	metricsKeyPrefix  = "llm:lb:metrics:"
	cooldownKeyPrefix = "llm:cooldown:"

	metricsTTL   = time.Hour
	rrCounterTTL = time.Hour

	unhealthyErrorRate = 0.5
)

func metricsKey(provider string) string  { return metricsKeyPrefix + provider }
func cooldownKey(provider string) string { return cooldownKeyPrefix + provider }

// Config controls selection.
type Config struct {
	Strategy Strategy `yaml:"strategy" json:"strategy"`
}

// Balancer picks providers and tracks per-provider routing metrics.
type Balancer struct {
	store  *kvstore.Store
	cfg    Config
	logger *zap.Logger
}

// New builds a balancer over store.
func New(store *kvstore.Store, cfg Config, logger *zap.Logger) *Balancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = RoundRobin
	}
	return &Balancer{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "balancer")),
	}
}

// Metrics is the per-provider routing snapshot. Averages are derived
// from the raw counters at read time.
type Metrics struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	AvgResponseTime    float64 `json:"avg_response_time"` // seconds
	ErrorRate          float64 `json:"error_rate"`
	TotalCost          float64 `json:"total_cost"`
}

// Sample is one finished call reported back to the balancer.
type Sample struct {
	Duration time.Duration
	Success  bool
	Cost     float64
}

// Select picks a provider from candidates using the configured
// strategy. Candidates failing the health gate are filtered out first;
// if that leaves nothing, selection runs over the full list so a fully
// degraded fleet still routes somewhere. Candidate order must be
// deterministic (the registry's sorted order).
func (b *Balancer) Select(ctx context.Context, candidates []llm.Provider, req *llm.Request) (llm.Provider, error) {
	if len(candidates) == 0 {
		return nil, ErrNoProviders
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	healthy := make([]llm.Provider, 0, len(candidates))
	for _, c := range candidates {
		if b.Healthy(ctx, c.Name()) {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		b.logger.Warn("all providers unhealthy, selecting from full set")
		healthy = candidates
	}

	switch b.cfg.Strategy {
	case LeastCost:
		return b.selectLeastCost(ctx, healthy, req)
	case FastestResponse:
		return b.selectFastest(ctx, healthy), nil
	case Random:
		return healthy[rand.Intn(len(healthy))], nil
	case Weighted:
		return b.selectWeighted(ctx, healthy), nil
	case RoundRobin:
		return b.selectRoundRobin(ctx, healthy)
	default:
		b.logger.Warn("unknown strategy, falling back to round robin",
			zap.String("strategy", string(b.cfg.Strategy)))
		return b.selectRoundRobin(ctx, healthy)
	}
}

// selectRoundRobin cycles a shared counter over the candidate list.
func (b *Balancer) selectRoundRobin(ctx context.Context, candidates []llm.Provider) (llm.Provider, error) {
	n, err := b.store.Incr(ctx, rrCounterKey, rrCounterTTL)
	if err != nil {
		b.logger.Warn("round robin counter failed, using first candidate", zap.Error(err))
		return candidates[0], nil
	}
	return candidates[(n-1)%int64(len(candidates))], nil
}

// selectLeastCost picks the cheapest estimate. Candidates whose
// estimate errors (no pricing for the model) are skipped; if every
// candidate is skipped the choice degrades to round robin.
func (b *Balancer) selectLeastCost(ctx context.Context, candidates []llm.Provider, req *llm.Request) (llm.Provider, error) {
	var best llm.Provider
	bestCost := math.Inf(1)
	for _, c := range candidates {
		cost, err := c.EstimateCost(req)
		if err != nil {
			b.logger.Debug("cost estimate unavailable, skipping candidate",
				zap.String("provider", c.Name()), zap.Error(err))
			continue
		}
		if cost < bestCost {
			bestCost = cost
			best = c
		}
	}
	if best == nil {
		return b.selectRoundRobin(ctx, candidates)
	}
	return best, nil
}

// selectFastest picks the lowest recorded average latency. Providers
// with no samples count as infinitely slow, so untried ones sort last.
func (b *Balancer) selectFastest(ctx context.Context, candidates []llm.Provider) llm.Provider {
	best := candidates[0]
	bestLatency := math.Inf(1)
	for _, c := range candidates {
		latency := math.Inf(1)
		if m, ok := b.Metrics(ctx, c.Name()); ok && m.SuccessfulRequests > 0 {
			latency = m.AvgResponseTime
		}
		if latency < bestLatency {
			bestLatency = latency
			best = c
		}
	}
	return best
}

// selectWeighted draws proportionally to a score built from latency,
// error rate and capabilities.
func (b *Balancer) selectWeighted(ctx context.Context, candidates []llm.Provider) llm.Provider {
	weights := make([]int, len(candidates))
	total := 0
	for i, c := range candidates {
		m, _ := b.Metrics(ctx, c.Name())
		weights[i] = weightFor(m, c.Capabilities())
		total += weights[i]
	}

	r := rand.Intn(total)
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// weightFor scores a provider: base 100, latency and reliability
// adjustments, small bonuses for local execution and streaming, floored
// at 1 so no provider is ever fully starved.
func weightFor(m Metrics, caps llm.Capabilities) int {
	weight := 100

	if m.SuccessfulRequests > 0 {
		switch {
		case m.AvgResponseTime < 2:
			weight += 30
		case m.AvgResponseTime < 5:
			weight += 15
		case m.AvgResponseTime > 10:
			weight -= 20
		}
	}

	if m.TotalRequests > 0 {
		switch {
		case m.ErrorRate < 0.05:
			weight += 20
		case m.ErrorRate < 0.10:
			weight += 10
		case m.ErrorRate > 0.20:
			weight -= 30
		}
	}

	if caps.LocalExecution {
		weight += 10
	}
	if caps.Streaming {
		weight += 5
	}

	if weight < 1 {
		weight = 1
	}
	return weight
}

// RecordResult folds one finished call into the provider's metrics.
// All writes are atomic increments; the derived averages stay coherent
// under concurrent writers.
func (b *Balancer) RecordResult(ctx context.Context, provider string, s Sample) {
	key := metricsKey(provider)

	if _, err := b.store.HIncrBy(ctx, key, "total", 1); err != nil {
		b.logger.Warn("metrics update failed", zap.String("provider", provider), zap.Error(err))
		return
	}
	if s.Success {
		_, _ = b.store.HIncrBy(ctx, key, "success", 1)
		_, _ = b.store.HIncrByFloat(ctx, key, "total_time_ms", float64(s.Duration.Milliseconds()))
	} else {
		_, _ = b.store.HIncrBy(ctx, key, "failed", 1)
	}
	if s.Cost > 0 {
		_, _ = b.store.HIncrByFloat(ctx, key, "total_cost", s.Cost)
	}
	_ = b.store.Expire(ctx, key, metricsTTL)
}

// Metrics returns the routing snapshot for provider. ok is false when
// no samples have been recorded.
func (b *Balancer) Metrics(ctx context.Context, provider string) (Metrics, bool) {
	fields, err := b.store.HGetAll(ctx, metricsKey(provider))
	if err != nil || len(fields) == 0 {
		return Metrics{}, false
	}

	m := Metrics{
		TotalRequests:      parseInt(fields["total"]),
		SuccessfulRequests: parseInt(fields["success"]),
		FailedRequests:     parseInt(fields["failed"]),
		TotalCost:          parseFloat(fields["total_cost"]),
	}
	if m.SuccessfulRequests > 0 {
		totalMs := parseFloat(fields["total_time_ms"])
		m.AvgResponseTime = totalMs / float64(m.SuccessfulRequests) / 1000
	}
	if m.TotalRequests > 0 {
		m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)
	}
	return m, true
}

// Healthy applies the routing health gate: an error rate above 50% or
// an active cooldown takes the provider out of rotation.
func (b *Balancer) Healthy(ctx context.Context, provider string) bool {
	if m, ok := b.Metrics(ctx, provider); ok && m.ErrorRate > unhealthyErrorRate {
		return false
	}
	return !b.InCooldown(ctx, provider)
}

// SetCooldown takes provider out of rotation for d.
func (b *Balancer) SetCooldown(ctx context.Context, provider string, d time.Duration) error {
	return b.store.Set(ctx, cooldownKey(provider), time.Now().Format(time.RFC3339), d)
}

// RemoveCooldown returns provider to rotation immediately.
func (b *Balancer) RemoveCooldown(ctx context.Context, provider string) error {
	return b.store.Delete(ctx, cooldownKey(provider))
}

// InCooldown reports whether provider is cooling down. Store failures
// count as not cooling down, keeping routing alive when redis is out.
func (b *Balancer) InCooldown(ctx context.Context, provider string) bool {
	ok, err := b.store.Exists(ctx, cooldownKey(provider))
	if err != nil {
		b.logger.Warn("cooldown check failed", zap.String("provider", provider), zap.Error(err))
		return false
	}
	return ok
}

// ResetMetrics clears the routing metrics for provider.
func (b *Balancer) ResetMetrics(ctx context.Context, provider string) error {
	return b.store.Delete(ctx, metricsKey(provider))
}

// ResetAll clears routing metrics for every provider and the round
// robin counter.
func (b *Balancer) ResetAll(ctx context.Context) error {
	if _, err := b.store.DeletePrefix(ctx, metricsKeyPrefix); err != nil {
		return err
	}
	return b.store.Delete(ctx, rrCounterKey)
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
