// Package monitor tracks provider health, records every call into the
// usage ledger, trips cooldowns on repeated failures and raises budget
// alerts. Recording is strictly fail-open: a broken store or ledger is
// logged and swallowed, never surfaced to the request path.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/internal/kvstore"
	"github.com/peoplecore/llmgateway/internal/metrics"
	"github.com/peoplecore/llmgateway/llm"
)

const (
	healthKeyPrefix = "llm:health:"
	cacheHitsKey    = "llm:counter:cache_hits"
	alertKeyPrefix  = "llm:alert:"

	cacheHitsWindow = 24 * time.Hour
	dailyAlertTTL   = 24 * time.Hour
	monthlyAlertTTL = 30 * 24 * time.Hour

	cooldownTripAt  = 3
	unhealthyTripAt = 5
	maxCooldownMins = 60
	minsPerFailure  = 5
)

func healthKey(provider string) string { return healthKeyPrefix + provider }

// Cooldowns is the slice of the balancer the monitor needs to trip and
// inspect circuit-breaker cooldowns.
type Cooldowns interface {
	SetCooldown(ctx context.Context, provider string, d time.Duration) error
	InCooldown(ctx context.Context, provider string) bool
}

// CostConfig controls budget tracking.
type CostConfig struct {
	Enabled            bool        `yaml:"enabled" json:"enabled"`
	DailyBudgetLimit   float64     `yaml:"daily_budget_limit" json:"daily_budget_limit"`
	MonthlyBudgetLimit float64     `yaml:"monthly_budget_limit" json:"monthly_budget_limit"`
	CostAlerts         AlertConfig `yaml:"cost_alerts" json:"cost_alerts"`
}

// AlertConfig holds the alert settings nested under cost_alerts.
type AlertConfig struct {
	Thresholds []int `yaml:"thresholds" json:"thresholds"` // percents of the budget
}

// DefaultCostConfig returns budget tracking defaults.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		Enabled:    false,
		CostAlerts: AlertConfig{Thresholds: []int{50, 75, 90, 100}},
	}
}

// Alert describes one fired budget threshold.
type Alert struct {
	Period    string  `json:"period"` // daily | monthly
	Threshold int     `json:"threshold"`
	Spend     float64 `json:"spend"`
	Limit     float64 `json:"limit"`
}

// AlertFunc receives fired alerts. Optional; alerts are always logged.
type AlertFunc func(Alert)

// Monitor observes the gateway.
type Monitor struct {
	store     *kvstore.Store
	ledger    Ledger
	cooldowns Cooldowns
	cfg       CostConfig
	collector *metrics.Collector
	alertFn   AlertFunc
	logger    *zap.Logger
}

// Option configures optional monitor dependencies.
type Option func(*Monitor)

// WithLedger attaches the usage ledger.
func WithLedger(l Ledger) Option { return func(m *Monitor) { m.ledger = l } }

// WithCooldowns attaches the cooldown controller (the balancer).
func WithCooldowns(c Cooldowns) Option { return func(m *Monitor) { m.cooldowns = c } }

// WithCollector attaches the prometheus collector.
func WithCollector(c *metrics.Collector) Option { return func(m *Monitor) { m.collector = c } }

// WithAlertFunc attaches an alert sink.
func WithAlertFunc(fn AlertFunc) Option { return func(m *Monitor) { m.alertFn = fn } }

// New builds a monitor over store.
func New(store *kvstore.Store, cfg CostConfig, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.CostAlerts.Thresholds) == 0 {
		cfg.CostAlerts.Thresholds = DefaultCostConfig().CostAlerts.Thresholds
	}
	m := &Monitor{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "monitor")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordRequest records one successful call: ledger row, health hash
// update, prometheus sample, then budget check.
func (m *Monitor) RecordRequest(ctx context.Context, provider string, req *llm.Request, resp *llm.Response, duration time.Duration) {
	m.writeLedger(ctx, &UsageRecord{
		Provider:         provider,
		Model:            resp.Model,
		RequestType:      string(req.Type),
		EventType:        EventRequest,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.TokensUsed(),
		Cost:             resp.Cost,
		Duration:         duration.Seconds(),
		QualityScore:     resp.QualityScore(),
		Success:          true,
		CreatedAt:        time.Now(),
	})

	key := healthKey(provider)
	if _, err := m.store.HIncrBy(ctx, key, "total", 1); err != nil {
		m.logger.Warn("health update failed", zap.String("provider", provider), zap.Error(err))
	} else {
		_, _ = m.store.HIncrBy(ctx, key, "success", 1)
		_, _ = m.store.HIncrByFloat(ctx, key, "total_time_ms", float64(duration.Milliseconds()))
		_ = m.store.HSet(ctx, key, map[string]interface{}{
			"consecutive_failures": 0,
			"last_success":         time.Now().Unix(),
		})
	}

	if m.collector != nil {
		m.collector.RecordRequest(provider, resp.Model, "success", duration,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Cost)
	}

	m.checkCostLimits(ctx)
}

// RecordError records one failed call and advances the circuit breaker:
// at three consecutive failures the provider cools down for five
// minutes per failure, capped at an hour.
func (m *Monitor) RecordError(ctx context.Context, provider string, req *llm.Request, callErr error) {
	msg := ""
	if callErr != nil {
		msg = callErr.Error()
	}
	m.writeLedger(ctx, &UsageRecord{
		Provider:     provider,
		Model:        req.Model,
		RequestType:  string(req.Type),
		EventType:    EventError,
		Success:      false,
		ErrorMessage: msg,
		CreatedAt:    time.Now(),
	})

	key := healthKey(provider)
	if _, err := m.store.HIncrBy(ctx, key, "total", 1); err != nil {
		m.logger.Warn("health update failed", zap.String("provider", provider), zap.Error(err))
		return
	}
	_, _ = m.store.HIncrBy(ctx, key, "failed", 1)
	_ = m.store.HSet(ctx, key, map[string]interface{}{"last_failure": time.Now().Unix()})

	consecutive, err := m.store.HIncrBy(ctx, key, "consecutive_failures", 1)
	if err != nil {
		m.logger.Warn("failure streak update failed", zap.String("provider", provider), zap.Error(err))
		return
	}

	if m.collector != nil {
		m.collector.RecordRequest(provider, req.Model, "error", 0, 0, 0, 0)
	}

	if consecutive >= cooldownTripAt && m.cooldowns != nil {
		mins := consecutive * minsPerFailure
		if mins > maxCooldownMins {
			mins = maxCooldownMins
		}
		d := time.Duration(mins) * time.Minute
		if err := m.cooldowns.SetCooldown(ctx, provider, d); err != nil {
			m.logger.Warn("cooldown set failed", zap.String("provider", provider), zap.Error(err))
		} else {
			m.logger.Warn("provider entering cooldown",
				zap.String("provider", provider),
				zap.Int64("consecutive_failures", consecutive),
				zap.Duration("cooldown", d),
			)
			if m.collector != nil {
				m.collector.RecordCooldown(provider)
			}
		}
	}
}

// RecordCacheHit records a served-from-cache request.
func (m *Monitor) RecordCacheHit(ctx context.Context, req *llm.Request) {
	if _, err := m.store.Incr(ctx, cacheHitsKey, cacheHitsWindow); err != nil {
		m.logger.Debug("cache hit counter failed", zap.Error(err))
	}
	m.writeLedger(ctx, &UsageRecord{
		Model:       req.Model,
		RequestType: string(req.Type),
		EventType:   EventCacheHit,
		Success:     true,
		CreatedAt:   time.Now(),
	})
	if m.collector != nil {
		m.collector.RecordCacheHit("response")
	}
}

func (m *Monitor) writeLedger(ctx context.Context, rec *UsageRecord) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.Record(ctx, rec); err != nil {
		m.logger.Warn("ledger write failed", zap.Error(err))
	}
}

// ProviderHealth is the monitor's view of one provider.
type ProviderHealth struct {
	TotalRequests       int64      `json:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	AvgResponseTime     float64    `json:"avg_response_time"` // seconds
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	InCooldown          bool       `json:"in_cooldown"`
}

// Health returns the health snapshot for provider.
func (m *Monitor) Health(ctx context.Context, provider string) ProviderHealth {
	fields, err := m.store.HGetAll(ctx, healthKey(provider))
	if err != nil {
		m.logger.Warn("health read failed", zap.String("provider", provider), zap.Error(err))
		return ProviderHealth{}
	}

	h := ProviderHealth{
		TotalRequests:       parseInt(fields["total"]),
		SuccessfulRequests:  parseInt(fields["success"]),
		FailedRequests:      parseInt(fields["failed"]),
		ConsecutiveFailures: parseInt(fields["consecutive_failures"]),
	}
	if h.SuccessfulRequests > 0 {
		h.AvgResponseTime = parseFloat(fields["total_time_ms"]) / float64(h.SuccessfulRequests) / 1000
	}
	if ts := parseInt(fields["last_success"]); ts > 0 {
		t := time.Unix(ts, 0)
		h.LastSuccess = &t
	}
	if ts := parseInt(fields["last_failure"]); ts > 0 {
		t := time.Unix(ts, 0)
		h.LastFailure = &t
	}
	if m.cooldowns != nil {
		h.InCooldown = m.cooldowns.InCooldown(ctx, provider)
	}
	return h
}

// IsProviderHealthy reports whether provider should receive traffic:
// five or more consecutive failures or an active cooldown disqualify it.
func (m *Monitor) IsProviderHealthy(ctx context.Context, provider string) bool {
	h := m.Health(ctx, provider)
	if h.ConsecutiveFailures >= unhealthyTripAt {
		return false
	}
	return !h.InCooldown
}

// DailyUsage aggregates one calendar day.
type DailyUsage struct {
	Requests int     `json:"requests"`
	Cost     float64 `json:"cost"`
	Tokens   int     `json:"tokens"`
}

// UsageStats aggregates ledger activity over a window.
type UsageStats struct {
	Days               int                   `json:"days"`
	TotalRequests      int                   `json:"total_requests"`
	SuccessfulRequests int                   `json:"successful_requests"`
	FailedRequests     int                   `json:"failed_requests"`
	TotalTokens        int                   `json:"total_tokens"`
	TotalCost          float64               `json:"total_cost"`
	RequestsByProvider map[string]int        `json:"requests_by_provider"`
	RequestsByModel    map[string]int        `json:"requests_by_model"`
	DailyBreakdown     map[string]DailyUsage `json:"daily_breakdown"`
	CacheHits          int                   `json:"cache_hits"`
}

// UsageStatistics aggregates the last days of ledger activity. Without
// a ledger (or with a failing one) it returns zeros rather than an
// error; statistics never break callers.
func (m *Monitor) UsageStatistics(ctx context.Context, days int) UsageStats {
	stats := UsageStats{
		Days:               days,
		RequestsByProvider: map[string]int{},
		RequestsByModel:    map[string]int{},
		DailyBreakdown:     map[string]DailyUsage{},
	}
	if m.ledger == nil {
		return stats
	}

	from := time.Now().AddDate(0, 0, -days)
	records, err := m.ledger.Since(ctx, from)
	if err != nil {
		m.logger.Warn("usage statistics query failed", zap.Error(err))
		return stats
	}

	for _, rec := range records {
		if rec.EventType == EventCacheHit {
			stats.CacheHits++
			continue
		}

		stats.TotalRequests++
		if rec.Success {
			stats.SuccessfulRequests++
		} else {
			stats.FailedRequests++
		}
		stats.TotalTokens += rec.TotalTokens
		stats.TotalCost += rec.Cost
		if rec.Provider != "" {
			stats.RequestsByProvider[rec.Provider]++
		}
		if rec.Model != "" {
			stats.RequestsByModel[rec.Model]++
		}

		day := rec.CreatedAt.Format("2006-01-02")
		du := stats.DailyBreakdown[day]
		du.Requests++
		du.Cost += rec.Cost
		du.Tokens += rec.TotalTokens
		stats.DailyBreakdown[day] = du
	}
	return stats
}

// BudgetStatus compares current spend to the configured limits.
type BudgetStatus struct {
	DailyLimit     float64 `json:"daily_limit"`
	MonthlyLimit   float64 `json:"monthly_limit"`
	CurrentDaily   float64 `json:"current_daily"`
	CurrentMonthly float64 `json:"current_monthly"`
}

// CostAnalysis summarizes spend over a window.
type CostAnalysis struct {
	Days           int                `json:"days"`
	TotalCost      float64            `json:"total_cost"`
	DailyAverage   float64            `json:"daily_average"`
	CostByProvider map[string]float64 `json:"cost_by_provider"`
	CostByModel    map[string]float64 `json:"cost_by_model"`
	CostTrend      map[string]float64 `json:"cost_trend"`
	Budget         BudgetStatus       `json:"budget"`
}

// AnalyzeCosts summarizes the last days of spend. Same degradation
// rules as UsageStatistics.
func (m *Monitor) AnalyzeCosts(ctx context.Context, days int) CostAnalysis {
	analysis := CostAnalysis{
		Days:           days,
		CostByProvider: map[string]float64{},
		CostByModel:    map[string]float64{},
		CostTrend:      map[string]float64{},
		Budget: BudgetStatus{
			DailyLimit:   m.cfg.DailyBudgetLimit,
			MonthlyLimit: m.cfg.MonthlyBudgetLimit,
		},
	}
	if m.ledger == nil {
		return analysis
	}

	from := time.Now().AddDate(0, 0, -days)
	records, err := m.ledger.Since(ctx, from)
	if err != nil {
		m.logger.Warn("cost analysis query failed", zap.Error(err))
		return analysis
	}

	for _, rec := range records {
		if rec.Cost == 0 {
			continue
		}
		analysis.TotalCost += rec.Cost
		if rec.Provider != "" {
			analysis.CostByProvider[rec.Provider] += rec.Cost
		}
		if rec.Model != "" {
			analysis.CostByModel[rec.Model] += rec.Cost
		}
		analysis.CostTrend[rec.CreatedAt.Format("2006-01-02")] += rec.Cost
	}
	if days > 0 {
		analysis.DailyAverage = analysis.TotalCost / float64(days)
	}

	analysis.Budget.CurrentDaily = m.spendSince(ctx, startOfDay(time.Now()))
	analysis.Budget.CurrentMonthly = m.spendSince(ctx, startOfMonth(time.Now()))
	return analysis
}

// CacheHitCount returns the rolling cache-hit counter.
func (m *Monitor) CacheHitCount(ctx context.Context) int64 {
	val, err := m.store.Get(ctx, cacheHitsKey)
	if err != nil {
		return 0
	}
	return parseInt(val)
}

// checkCostLimits fires each configured threshold at most once per
// period; the dedupe key lives in the shared store so only one gateway
// instance alerts.
func (m *Monitor) checkCostLimits(ctx context.Context) {
	if !m.cfg.Enabled || m.ledger == nil {
		return
	}

	now := time.Now()
	periods := []struct {
		name  string
		spend float64
		limit float64
		ttl   time.Duration
	}{
		{"daily", m.spendSince(ctx, startOfDay(now)), m.cfg.DailyBudgetLimit, dailyAlertTTL},
		{"monthly", m.spendSince(ctx, startOfMonth(now)), m.cfg.MonthlyBudgetLimit, monthlyAlertTTL},
	}

	for _, p := range periods {
		if p.limit <= 0 {
			continue
		}
		for _, threshold := range m.cfg.CostAlerts.Thresholds {
			if p.spend < p.limit*float64(threshold)/100 {
				continue
			}
			key := fmt.Sprintf("%s%s:%d", alertKeyPrefix, p.name, threshold)
			fired, err := m.store.SetNX(ctx, key, time.Now().Format(time.RFC3339), p.ttl)
			if err != nil {
				m.logger.Warn("alert dedupe failed", zap.Error(err))
				continue
			}
			if !fired {
				continue
			}

			alert := Alert{Period: p.name, Threshold: threshold, Spend: p.spend, Limit: p.limit}
			m.logger.Warn("budget threshold reached",
				zap.String("period", alert.Period),
				zap.Int("threshold_pct", alert.Threshold),
				zap.Float64("spend", alert.Spend),
				zap.Float64("limit", alert.Limit),
			)
			if m.collector != nil {
				m.collector.RecordBudgetAlert(p.name, strconv.Itoa(threshold))
			}
			if m.alertFn != nil {
				m.alertFn(alert)
			}
		}
	}
}

func (m *Monitor) spendSince(ctx context.Context, from time.Time) float64 {
	if m.ledger == nil {
		return 0
	}
	spend, err := m.ledger.SpendSince(ctx, from)
	if err != nil {
		m.logger.Warn("spend query failed", zap.Error(err))
		return 0
	}
	return spend
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, mo, _ := t.Date()
	return time.Date(y, mo, 1, 0, 0, 0, 0, t.Location())
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
