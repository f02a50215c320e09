// Package config defines the gateway configuration surface and loads it
// with the usual precedence: defaults, then YAML file, then environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/peoplecore/llmgateway/internal/kvstore"
	"github.com/peoplecore/llmgateway/llm/balancer"
	"github.com/peoplecore/llmgateway/llm/cache"
	"github.com/peoplecore/llmgateway/llm/monitor"
	"github.com/peoplecore/llmgateway/llm/providers"
)

// Config is the full gateway configuration.
type Config struct {
	// Default names the provider used when no explicit preference or
	// agent mapping applies. Empty means "let the balancer decide".
	Default string `yaml:"default" env:"DEFAULT"`

	// Providers holds one block per provider name (openai, anthropic,
	// google, mistral, ollama, or anything registered with the factory).
	Providers map[string]providers.Config `yaml:"providers"`

	LoadBalancing LoadBalancingConfig `yaml:"load_balancing" env:"LOAD_BALANCING"`
	Performance   PerformanceConfig   `yaml:"performance" env:"PERFORMANCE"`

	// AgentMapping pins agents to providers, with one optional fallback.
	AgentMapping map[string]AgentRoute `yaml:"agent_llm_mapping"`

	CostManagement monitor.CostConfig `yaml:"cost_management" env:"COST_MANAGEMENT"`

	Redis  kvstore.Config `yaml:"redis" env:"REDIS"`
	Ledger LedgerConfig   `yaml:"ledger" env:"LEDGER"`
	Log    LogConfig      `yaml:"log" env:"LOG"`
}

// LoadBalancingConfig selects the routing strategy.
type LoadBalancingConfig struct {
	Strategy        string `yaml:"strategy" env:"STRATEGY"`
	FailoverEnabled bool   `yaml:"failover_enabled" env:"FAILOVER_ENABLED"`
}

// PerformanceConfig groups the caching and batching knobs.
type PerformanceConfig struct {
	Caching  cache.Config   `yaml:"caching" env:"CACHING"`
	Batching BatchingConfig `yaml:"batching" env:"BATCHING"`
}

// BatchingConfig controls concurrent batch execution.
type BatchingConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Workers int  `yaml:"workers" env:"WORKERS"`
}

// AgentRoute maps one agent to a primary provider and an optional
// fallback, each either "provider" or "provider:model".
type AgentRoute struct {
	Primary  string `yaml:"primary" json:"primary"`
	Fallback string `yaml:"fallback" json:"fallback"`
}

// LedgerConfig controls the sqlite usage ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"` // json | console
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// Default returns the configuration defaults. Providers start empty;
// enabling one is always an explicit act.
func Default() *Config {
	return &Config{
		Providers: map[string]providers.Config{},
		LoadBalancing: LoadBalancingConfig{
			Strategy:        string(balancer.RoundRobin),
			FailoverEnabled: true,
		},
		Performance: PerformanceConfig{
			Caching: cache.DefaultConfig(),
			Batching: BatchingConfig{
				Enabled: false,
				Workers: 1,
			},
		},
		AgentMapping:   map[string]AgentRoute{},
		CostManagement: monitor.DefaultCostConfig(),
		Redis:          kvstore.DefaultConfig(),
		Ledger: LedgerConfig{
			Enabled: false,
			Path:    "llmgateway.db",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
	}
}

// keyless providers do not need an api_key to be enabled.
var keyless = map[string]bool{"ollama": true}

// Validate rejects configurations that cannot possibly route a request.
func (c *Config) Validate() error {
	var errs []string

	strategy := balancer.Strategy(c.LoadBalancing.Strategy)
	known := false
	for _, s := range balancer.KnownStrategies() {
		if s == strategy {
			known = true
			break
		}
	}
	if !known {
		errs = append(errs, fmt.Sprintf("unknown load balancing strategy %q", c.LoadBalancing.Strategy))
	}

	enabled := 0
	for name, pc := range c.Providers {
		if !pc.Enabled {
			continue
		}
		enabled++
		if pc.APIKey == "" && !keyless[name] {
			errs = append(errs, fmt.Sprintf("provider %q is enabled but has no api_key", name))
		}
	}
	if enabled == 0 {
		errs = append(errs, "no providers enabled")
	}

	if c.Default != "" {
		if pc, ok := c.Providers[c.Default]; !ok || !pc.Enabled {
			errs = append(errs, fmt.Sprintf("default provider %q is not enabled", c.Default))
		}
	}

	if t := c.Performance.Caching.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, "caching similarity_threshold must be in [0, 1]")
	}
	if c.Performance.Batching.Enabled && c.Performance.Batching.Workers < 1 {
		errs = append(errs, "batching workers must be at least 1")
	}

	for agent, route := range c.AgentMapping {
		if route.Primary == "" {
			errs = append(errs, fmt.Sprintf("agent mapping %q has no primary", agent))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EnabledProviders returns the names of enabled provider blocks.
func (c *Config) EnabledProviders() []string {
	out := make([]string, 0, len(c.Providers))
	for name, pc := range c.Providers {
		if pc.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// ProviderTimeout returns the configured timeout for name, or def.
func (c *Config) ProviderTimeout(name string, def time.Duration) time.Duration {
	if pc, ok := c.Providers[name]; ok && pc.Timeout > 0 {
		return pc.Timeout
	}
	return def
}
