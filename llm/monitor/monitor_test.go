package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/peoplecore/llmgateway/internal/kvstore"
	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/balancer"
)

func newTestStore(t *testing.T) (*kvstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kvstore.NewWithClient(client, zap.NewNop()), mr
}

func newTestLedger(t *testing.T) *GormLedger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	ledger, err := NewGormLedger(db)
	require.NoError(t, err)
	return ledger
}

func okResponse(provider string) *llm.Response {
	resp := llm.NewResponse("a perfectly fine answer", "test-model", provider)
	resp.Usage = llm.Usage{PromptTokens: 10, CompletionTokens: 20}
	resp.Cost = 0.005
	resp.ResponseTime = time.Second
	return resp
}

func TestRecordRequestUpdatesHealthAndLedger(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := newTestLedger(t)
	m := New(store, CostConfig{}, zap.NewNop(), WithLedger(ledger))
	ctx := context.Background()

	req := llm.NewCompletion("hello").WithModel("test-model")
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), 3*time.Second)

	h := m.Health(ctx, "openai")
	assert.Equal(t, int64(2), h.TotalRequests)
	assert.Equal(t, int64(2), h.SuccessfulRequests)
	assert.Equal(t, int64(0), h.ConsecutiveFailures)
	assert.InDelta(t, 2.0, h.AvgResponseTime, 0.001)
	assert.NotNil(t, h.LastSuccess)

	records, err := ledger.Since(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, EventRequest, records[0].EventType)
	assert.Equal(t, 30, records[0].TotalTokens)
	assert.Equal(t, 100, records[0].QualityScore)
	assert.True(t, records[0].Success)
}

func TestCircuitBreakerTripsAtThreeConsecutiveFailures(t *testing.T) {
	store, mr := newTestStore(t)
	b := balancer.New(store, balancer.Config{}, zap.NewNop())
	m := New(store, CostConfig{}, zap.NewNop(), WithCooldowns(b))
	ctx := context.Background()

	req := llm.NewCompletion("hello").WithModel("m")
	boom := errors.New("upstream exploded")

	m.RecordError(ctx, "openai", req, boom)
	m.RecordError(ctx, "openai", req, boom)
	assert.False(t, b.InCooldown(ctx, "openai"))
	assert.True(t, m.IsProviderHealthy(ctx, "openai"))

	m.RecordError(ctx, "openai", req, boom)
	// Third consecutive failure: 3*5 = 15 minute cooldown.
	assert.True(t, b.InCooldown(ctx, "openai"))
	assert.False(t, m.IsProviderHealthy(ctx, "openai"))

	mr.FastForward(16 * time.Minute)
	assert.False(t, b.InCooldown(ctx, "openai"))
	assert.True(t, m.IsProviderHealthy(ctx, "openai"))
}

func TestCooldownDurationIsCapped(t *testing.T) {
	store, mr := newTestStore(t)
	b := balancer.New(store, balancer.Config{}, zap.NewNop())
	m := New(store, CostConfig{}, zap.NewNop(), WithCooldowns(b))
	ctx := context.Background()

	req := llm.NewCompletion("hello")
	// 20 consecutive failures would be 100 minutes uncapped.
	for i := 0; i < 20; i++ {
		m.RecordError(ctx, "openai", req, errors.New("down"))
	}
	assert.True(t, b.InCooldown(ctx, "openai"))

	mr.FastForward(61 * time.Minute)
	assert.False(t, b.InCooldown(ctx, "openai"))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	store, _ := newTestStore(t)
	m := New(store, CostConfig{}, zap.NewNop())
	ctx := context.Background()

	req := llm.NewCompletion("hello").WithModel("test-model")
	m.RecordError(ctx, "openai", req, errors.New("down"))
	m.RecordError(ctx, "openai", req, errors.New("down"))
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)

	h := m.Health(ctx, "openai")
	assert.Equal(t, int64(0), h.ConsecutiveFailures)
	assert.Equal(t, int64(2), h.FailedRequests)
}

func TestUnhealthyAtFiveConsecutiveFailuresWithoutCooldowns(t *testing.T) {
	store, _ := newTestStore(t)
	m := New(store, CostConfig{}, zap.NewNop())
	ctx := context.Background()

	req := llm.NewCompletion("hello")
	for i := 0; i < 4; i++ {
		m.RecordError(ctx, "p", req, errors.New("down"))
	}
	assert.True(t, m.IsProviderHealthy(ctx, "p"))

	m.RecordError(ctx, "p", req, errors.New("down"))
	assert.False(t, m.IsProviderHealthy(ctx, "p"))
}

func TestRecordCacheHit(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := newTestLedger(t)
	m := New(store, CostConfig{}, zap.NewNop(), WithLedger(ledger))
	ctx := context.Background()

	req := llm.NewCompletion("hello")
	m.RecordCacheHit(ctx, req)
	m.RecordCacheHit(ctx, req)

	assert.Equal(t, int64(2), m.CacheHitCount(ctx))

	stats := m.UsageStatistics(ctx, 1)
	assert.Equal(t, 2, stats.CacheHits)
	assert.Equal(t, 0, stats.TotalRequests)
}

func TestUsageStatisticsAggregation(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := newTestLedger(t)
	m := New(store, CostConfig{}, zap.NewNop(), WithLedger(ledger))
	ctx := context.Background()

	req := llm.NewCompletion("hello").WithModel("test-model")
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	m.RecordRequest(ctx, "anthropic", req, okResponse("anthropic"), time.Second)
	m.RecordError(ctx, "openai", req, errors.New("down"))

	stats := m.UsageStatistics(ctx, 7)
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 2, stats.SuccessfulRequests)
	assert.Equal(t, 1, stats.FailedRequests)
	assert.Equal(t, 60, stats.TotalTokens)
	assert.InDelta(t, 0.01, stats.TotalCost, 0.0001)
	assert.Equal(t, 2, stats.RequestsByProvider["openai"])
	assert.Equal(t, 1, stats.RequestsByProvider["anthropic"])

	today := time.Now().Format("2006-01-02")
	assert.Equal(t, 3, stats.DailyBreakdown[today].Requests)
}

func TestUsageStatisticsWithoutLedgerReturnsZeros(t *testing.T) {
	store, _ := newTestStore(t)
	m := New(store, CostConfig{}, zap.NewNop())
	ctx := context.Background()

	stats := m.UsageStatistics(ctx, 7)
	assert.Equal(t, 0, stats.TotalRequests)
	assert.NotNil(t, stats.RequestsByProvider)
}

func TestCostAnalysisAndBudgetStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := newTestLedger(t)
	m := New(store, CostConfig{
		Enabled:          true,
		DailyBudgetLimit: 10,
	}, zap.NewNop(), WithLedger(ledger))
	ctx := context.Background()

	req := llm.NewCompletion("hello").WithModel("test-model")
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)

	analysis := m.AnalyzeCosts(ctx, 7)
	assert.InDelta(t, 0.01, analysis.TotalCost, 0.0001)
	assert.InDelta(t, 0.01/7, analysis.DailyAverage, 0.0001)
	assert.InDelta(t, 0.01, analysis.CostByProvider["openai"], 0.0001)
	assert.InDelta(t, 0.01, analysis.Budget.CurrentDaily, 0.0001)
	assert.InDelta(t, 0.01, analysis.Budget.CurrentMonthly, 0.0001)
	assert.Equal(t, 10.0, analysis.Budget.DailyLimit)
}

func TestBudgetAlertFiresOncePerPeriod(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := newTestLedger(t)

	var alerts []Alert
	m := New(store, CostConfig{
		Enabled:          true,
		DailyBudgetLimit: 0.01,
		CostAlerts:       AlertConfig{Thresholds: []int{100}},
	}, zap.NewNop(), WithLedger(ledger), WithAlertFunc(func(a Alert) { alerts = append(alerts, a) }))
	ctx := context.Background()

	req := llm.NewCompletion("hello").WithModel("test-model")
	// Each request costs 0.005: the second crosses the 0.01 daily limit.
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	require.Empty(t, alerts)

	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	require.Len(t, alerts, 1)
	assert.Equal(t, "daily", alerts[0].Period)
	assert.Equal(t, 100, alerts[0].Threshold)
	assert.InDelta(t, 0.01, alerts[0].Spend, 0.0001)

	// Still over the limit, but the dedupe key suppresses repeats.
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	assert.Len(t, alerts, 1)
}

func TestBudgetAlertDedupeExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ledger := newTestLedger(t)

	var alerts []Alert
	m := New(store, CostConfig{
		Enabled:          true,
		DailyBudgetLimit: 0.001,
		CostAlerts:       AlertConfig{Thresholds: []int{100}},
	}, zap.NewNop(), WithLedger(ledger), WithAlertFunc(func(a Alert) { alerts = append(alerts, a) }))
	ctx := context.Background()

	req := llm.NewCompletion("hello").WithModel("test-model")
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	require.Len(t, alerts, 1)

	mr.FastForward(25 * time.Hour)
	m.RecordRequest(ctx, "openai", req, okResponse("openai"), time.Second)
	assert.Len(t, alerts, 2)
}

func TestLedgerSpendSince(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, &UsageRecord{
		Provider: "openai", EventType: EventRequest, Cost: 0.25, Success: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, ledger.Record(ctx, &UsageRecord{
		Provider: "openai", EventType: EventRequest, Cost: 0.50, Success: true, CreatedAt: time.Now(),
	}))

	spend, err := ledger.SpendSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, spend, 0.0001)

	spend, err = ledger.SpendSince(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, spend)
}
