// Package gateway assembles the providers, cache, balancer and monitor
// into one entry point. Callers hand it a neutral request; the manager
// decides which provider serves it, records the outcome and caches the
// result.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peoplecore/llmgateway/config"
	"github.com/peoplecore/llmgateway/internal/kvstore"
	"github.com/peoplecore/llmgateway/internal/metrics"
	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/balancer"
	"github.com/peoplecore/llmgateway/llm/cache"
	"github.com/peoplecore/llmgateway/llm/factory"
	"github.com/peoplecore/llmgateway/llm/monitor"
	"github.com/peoplecore/llmgateway/llm/providers"
)

const tracerName = "github.com/peoplecore/llmgateway/llm/gateway"

// Manager routes requests across the configured providers.
type Manager struct {
	cfg       *config.Config
	registry  *llm.Registry
	store     *kvstore.Store
	cache     *cache.ResponseCache
	balancer  *balancer.Balancer
	monitor   *monitor.Monitor
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger

	ownsStore bool
}

// Option configures optional manager dependencies.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	store     *kvstore.Store
	ledger    monitor.Ledger
	registry  *llm.Registry
	collector *metrics.Collector
	alertFn   monitor.AlertFunc
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithStore injects a prebuilt store instead of dialing cfg.Redis.
func WithStore(s *kvstore.Store) Option { return func(o *options) { o.store = s } }

// WithLedger attaches the usage ledger.
func WithLedger(l monitor.Ledger) Option { return func(o *options) { o.ledger = l } }

// WithRegistry injects a prebuilt registry. Providers from the
// configuration are registered on top of it.
func WithRegistry(r *llm.Registry) Option { return func(o *options) { o.registry = r } }

// WithCollector attaches the prometheus collector.
func WithCollector(c *metrics.Collector) Option { return func(o *options) { o.collector = c } }

// WithAlertFunc attaches a budget alert sink.
func WithAlertFunc(fn monitor.AlertFunc) Option { return func(o *options) { o.alertFn = fn } }

// New builds a manager from cfg. Disabled provider blocks are skipped;
// blocks whose constructor fails are logged and skipped. A manager with
// no providers at all is a configuration error.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := o.store
	ownsStore := false
	if store == nil {
		var err error
		store, err = kvstore.New(cfg.Redis, logger)
		if err != nil {
			return nil, llm.WrapError(llm.ErrCodeConfiguration, "store connection failed", err)
		}
		ownsStore = true
	}

	registry := o.registry
	if registry == nil {
		registry = llm.NewRegistry()
	}
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		p, err := factory.New(name, pc, logger)
		if err != nil {
			logger.Warn("provider initialization failed, skipping",
				zap.String("provider", name), zap.Error(err))
			continue
		}
		registry.Register(p)
		logger.Info("provider registered",
			zap.String("provider", name),
			zap.String("default_model", pc.DefaultModel))
	}
	if registry.Len() == 0 {
		return nil, llm.NewError(llm.ErrCodeConfiguration, "no providers available")
	}
	if cfg.Default != "" {
		if err := registry.SetDefault(cfg.Default); err != nil {
			logger.Warn("default provider not registered", zap.String("provider", cfg.Default))
		}
	}

	bal := balancer.New(store, balancer.Config{
		Strategy: balancer.Strategy(cfg.LoadBalancing.Strategy),
	}, logger)

	monOpts := []monitor.Option{monitor.WithCooldowns(bal)}
	if o.ledger != nil {
		monOpts = append(monOpts, monitor.WithLedger(o.ledger))
	}
	if o.collector != nil {
		monOpts = append(monOpts, monitor.WithCollector(o.collector))
	}
	if o.alertFn != nil {
		monOpts = append(monOpts, monitor.WithAlertFunc(o.alertFn))
	}
	mon := monitor.New(store, cfg.CostManagement, logger, monOpts...)

	return &Manager{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		cache:     cache.New(store, cfg.Performance.Caching, logger),
		balancer:  bal,
		monitor:   mon,
		collector: o.collector,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With(zap.String("component", "gateway")),
		ownsStore: ownsStore,
	}, nil
}

// Complete serves one request: cache first, then the selected provider,
// then at most one failover attempt. An optional preferred provider
// ("provider" or "provider:model") overrides the configured default; it
// is only honored while that provider is healthy.
func (m *Manager) Complete(ctx context.Context, req *llm.Request, preferred ...string) (*llm.Response, error) {
	return m.complete(ctx, req, route{preferred: m.preferredOr(preferred)})
}

// preferredOr picks the caller's per-call target when given, else the
// configured default.
func (m *Manager) preferredOr(preferred []string) string {
	if len(preferred) > 0 && preferred[0] != "" {
		return preferred[0]
	}
	return m.cfg.Default
}

// CompleteForAgent serves one request using the agent's provider
// mapping. Unmapped agents route like Complete.
func (m *Manager) CompleteForAgent(ctx context.Context, agent string, req *llm.Request) (*llm.Response, error) {
	r := route{preferred: m.cfg.Default}
	if mapping, ok := m.cfg.AgentMapping[agent]; ok {
		r.preferred = mapping.Primary
		r.fallback = mapping.Fallback
	}
	return m.complete(ctx, req, r)
}

// route is one resolved routing decision: a preferred target and an
// optional explicit fallback, each "provider" or "provider:model".
type route struct {
	preferred string
	fallback  string
}

func (m *Manager) complete(ctx context.Context, req *llm.Request, r route) (*llm.Response, error) {
	req.Normalize()
	requestID := uuid.NewString()

	ctx, span := m.tracer.Start(ctx, "gateway.Complete", trace.WithAttributes(
		attribute.String("llm.request_id", requestID),
		attribute.String("llm.request_type", string(req.Type)),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	if resp, ok := m.cache.Get(ctx, req); ok {
		m.monitor.RecordCacheHit(ctx, req)
		span.SetAttributes(attribute.Bool("llm.cache_hit", true))
		resp.SetMeta("request_id", requestID)
		return resp, nil
	}

	provider, callReq, err := m.selectProvider(ctx, req, r.preferred)
	if err != nil {
		span.SetAttributes(attribute.String("llm.error_stage", "selection"))
		return nil, err
	}
	span.SetAttributes(attribute.String("llm.provider", provider.Name()))

	resp, callErr := m.call(ctx, provider, callReq)
	if callErr == nil {
		m.cache.Put(ctx, req, resp)
		resp.SetMeta("request_id", requestID)
		return resp, nil
	}

	m.logger.Warn("provider call failed",
		zap.String("request_id", requestID),
		zap.String("provider", provider.Name()),
		zap.Error(callErr))

	if !m.cfg.LoadBalancing.FailoverEnabled {
		return nil, gatewayError("completion", provider.Name(), callErr)
	}

	fb, fbReq, ok := m.fallbackProvider(ctx, req, r.fallback, provider.Name())
	if !ok {
		return nil, gatewayError("completion", provider.Name(), callErr)
	}
	span.SetAttributes(attribute.String("llm.fallback_provider", fb.Name()))
	m.logger.Info("failing over",
		zap.String("request_id", requestID),
		zap.String("from", provider.Name()),
		zap.String("to", fb.Name()))

	resp, fbErr := m.call(ctx, fb, fbReq)
	if fbErr != nil {
		return nil, gatewayError("failover", fb.Name(), fbErr)
	}
	m.cache.Put(ctx, req, resp)
	resp.SetMeta("request_id", requestID)
	resp.SetMeta("failover_from", provider.Name())
	return resp, nil
}

// call runs one provider completion and records the outcome with the
// balancer and the monitor, success or not.
func (m *Manager) call(ctx context.Context, p llm.Provider, req *llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := p.Complete(ctx, req)
	duration := time.Since(start)

	if err != nil {
		m.balancer.RecordResult(ctx, p.Name(), balancer.Sample{Duration: duration, Success: false})
		m.monitor.RecordError(ctx, p.Name(), req, err)
		return nil, err
	}

	resp.ResponseTime = duration
	m.balancer.RecordResult(ctx, p.Name(), balancer.Sample{
		Duration: duration,
		Success:  true,
		Cost:     resp.Cost,
	})
	m.monitor.RecordRequest(ctx, p.Name(), req, resp, duration)
	return resp, nil
}

// selectProvider resolves the provider for req: the preferred target
// when it is registered and healthy, otherwise the balancer's pick over
// the healthy candidates.
func (m *Manager) selectProvider(ctx context.Context, req *llm.Request, preferred string) (llm.Provider, *llm.Request, error) {
	if preferred != "" {
		name, model := splitTarget(preferred)
		if p, ok := m.registry.Get(name); ok && m.monitor.IsProviderHealthy(ctx, name) {
			return p, m.requestFor(req, model), nil
		}
	}

	candidates := make([]llm.Provider, 0, m.registry.Len())
	for _, p := range m.registry.List() {
		if m.monitor.IsProviderHealthy(ctx, p.Name()) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		candidates = m.registry.List()
	}

	p, err := m.balancer.Select(ctx, candidates, req)
	if err != nil {
		return nil, nil, llm.WrapError(llm.ErrCodeRoutingUnavailable, "no providers available", err)
	}
	return p, req, nil
}

// fallbackProvider resolves the single failover target: the explicit
// mapping when present, otherwise the first healthy local provider in
// name order. The failed provider is never retried.
func (m *Manager) fallbackProvider(ctx context.Context, req *llm.Request, explicit, failed string) (llm.Provider, *llm.Request, bool) {
	if explicit != "" {
		name, model := splitTarget(explicit)
		if name != failed {
			if p, ok := m.registry.Get(name); ok {
				return p, m.requestFor(req, model), true
			}
		}
	}

	for _, name := range m.registry.Names() {
		if name == failed {
			continue
		}
		p, ok := m.registry.Get(name)
		if !ok || !p.Capabilities().LocalExecution {
			continue
		}
		if !m.monitor.IsProviderHealthy(ctx, name) {
			continue
		}
		return p, req, true
	}
	return nil, nil, false
}

// requestFor clones req with a model override when the routing target
// pinned one.
func (m *Manager) requestFor(req *llm.Request, model string) *llm.Request {
	if model == "" {
		return req
	}
	return req.Clone().WithModel(model)
}

// splitTarget parses "provider" or "provider:model". Model names may
// themselves contain colons (ollama tags), so only the first colon
// splits.
func splitTarget(target string) (provider, model string) {
	provider, model, _ = strings.Cut(target, ":")
	return provider, model
}

func gatewayError(stage, provider string, err error) error {
	if lerr, ok := err.(*llm.Error); ok {
		if lerr.Provider == "" {
			lerr = lerr.WithProvider(provider)
		}
		return lerr
	}
	return llm.WrapError(llm.ErrCodeUpstream,
		fmt.Sprintf("%s failed on provider %s", stage, provider), err).
		WithProvider(provider)
}

// Stream serves one streaming request through handler. Responses are
// not cached; the monitor still records the aggregate call.
func (m *Manager) Stream(ctx context.Context, req *llm.Request, handler llm.StreamHandler, preferred ...string) error {
	req.Normalize()
	requestID := uuid.NewString()

	ctx, span := m.tracer.Start(ctx, "gateway.Stream", trace.WithAttributes(
		attribute.String("llm.request_id", requestID),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	provider, callReq, err := m.selectProvider(ctx, req, m.preferredOr(preferred))
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("llm.provider", provider.Name()))

	if !provider.Capabilities().Streaming {
		return llm.NewError(llm.ErrCodeStreamingUnsupported,
			fmt.Sprintf("provider %s does not support streaming", provider.Name())).
			WithProvider(provider.Name())
	}

	var merged *llm.Response
	start := time.Now()
	streamErr := provider.Stream(ctx, callReq, func(chunk *llm.Response) error {
		if merged == nil {
			// Copy the metadata map: the chunk has already been handed
			// to the handler and later merges must not mutate it.
			clone := *chunk
			clone.Metadata = nil
			for k, v := range chunk.Metadata {
				clone.SetMeta(k, v)
			}
			merged = &clone
		} else {
			merged.Merge(chunk)
		}
		return handler(chunk)
	})
	duration := time.Since(start)

	if streamErr != nil {
		m.balancer.RecordResult(ctx, provider.Name(), balancer.Sample{Duration: duration, Success: false})
		m.monitor.RecordError(ctx, provider.Name(), callReq, streamErr)
		return gatewayError("stream", provider.Name(), streamErr)
	}

	if merged == nil {
		merged = llm.NewResponse("", callReq.Model, provider.Name())
	}
	m.balancer.RecordResult(ctx, provider.Name(), balancer.Sample{
		Duration: duration,
		Success:  true,
		Cost:     merged.Cost,
	})
	m.monitor.RecordRequest(ctx, provider.Name(), callReq, merged, duration)
	return nil
}

// BatchComplete serves a batch. With batching disabled every request
// goes through the full Complete path one by one. With it enabled one
// provider is selected for the whole batch and requests run on a
// bounded worker pool. Either way a failed item becomes an error
// response in its slot and never sinks its neighbors.
func (m *Manager) BatchComplete(ctx context.Context, reqs []*llm.Request, preferred ...string) ([]*llm.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	ctx, span := m.tracer.Start(ctx, "gateway.BatchComplete", trace.WithAttributes(
		attribute.Int("llm.batch_size", len(reqs)),
	))
	defer span.End()

	if !m.cfg.Performance.Batching.Enabled {
		out := make([]*llm.Response, len(reqs))
		for i, req := range reqs {
			resp, err := m.Complete(ctx, req, preferred...)
			if err != nil {
				resp = llm.NewErrorResponse(err.Error(), req.Model, "")
			}
			out[i] = resp
		}
		return out, nil
	}

	provider, _, err := m.selectProvider(ctx, reqs[0], m.preferredOr(preferred))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("llm.provider", provider.Name()))

	if provider.Capabilities().Batching {
		return provider.BatchComplete(ctx, reqs)
	}

	workers := m.cfg.Performance.Batching.Workers
	if workers < 1 {
		workers = 1
	}
	out := make([]*llm.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := m.call(gctx, provider, req)
			if err != nil {
				resp = llm.NewErrorResponse(err.Error(), req.Model, provider.Name())
			}
			out[i] = resp
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// HealthCheck probes every provider concurrently. Probe failures are
// reported as unhealthy entries, never as an error.
func (m *Manager) HealthCheck(ctx context.Context) map[string]*llm.HealthStatus {
	providers := m.registry.List()
	results := make([]*llm.HealthStatus, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			status, err := p.HealthCheck(gctx)
			if err != nil {
				status = &llm.HealthStatus{
					Healthy: false,
					Details: map[string]any{"error": err.Error()},
				}
			}
			results[i] = status
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]*llm.HealthStatus, len(providers))
	for i, p := range providers {
		out[p.Name()] = results[i]
	}
	return out
}

// ProviderStatus combines the monitor's and the balancer's view of one
// provider.
type ProviderStatus struct {
	Health  monitor.ProviderHealth `json:"health"`
	Routing balancer.Metrics       `json:"routing"`
	Healthy bool                   `json:"healthy"`
}

// ProvidersStatus returns the status of every registered provider.
func (m *Manager) ProvidersStatus(ctx context.Context) map[string]ProviderStatus {
	out := make(map[string]ProviderStatus, m.registry.Len())
	for _, name := range m.registry.Names() {
		routing, _ := m.balancer.Metrics(ctx, name)
		out[name] = ProviderStatus{
			Health:  m.monitor.Health(ctx, name),
			Routing: routing,
			Healthy: m.monitor.IsProviderHealthy(ctx, name),
		}
	}
	return out
}

// AvailableModels lists models per provider.
func (m *Manager) AvailableModels(ctx context.Context) map[string][]string {
	out := make(map[string][]string, m.registry.Len())
	for _, p := range m.registry.List() {
		out[p.Name()] = p.Models(ctx)
	}
	return out
}

// AddProvider builds the named provider from cfg and registers it.
func (m *Manager) AddProvider(name string, cfg providers.Config) error {
	p, err := factory.New(name, cfg, m.logger)
	if err != nil {
		return err
	}
	m.registry.Register(p)
	return nil
}

// RemoveProvider drops the named provider from routing.
func (m *Manager) RemoveProvider(name string) {
	m.registry.Unregister(name)
}

// Provider returns the registered provider under name.
func (m *Manager) Provider(name string) (llm.Provider, bool) {
	return m.registry.Get(name)
}

// Registry exposes the provider registry.
func (m *Manager) Registry() *llm.Registry { return m.registry }

// Cache exposes the response cache.
func (m *Manager) Cache() *cache.ResponseCache { return m.cache }

// Balancer exposes the load balancer.
func (m *Manager) Balancer() *balancer.Balancer { return m.balancer }

// Monitor exposes the usage monitor.
func (m *Manager) Monitor() *monitor.Monitor { return m.monitor }

// Close releases the store when the manager owns it.
func (m *Manager) Close() error {
	if m.ownsStore {
		return m.store.Close()
	}
	return nil
}
