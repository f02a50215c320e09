// Package providers holds configuration and wire-level helpers shared by
// the vendor adapters.
package providers

import (
	"fmt"
	"time"

	"github.com/peoplecore/llmgateway/llm"
)

// Config is the per-provider configuration block. Cloud adapters use
// APIKey/APIBase; AutoPull and KeepAlive only apply to local runtimes.
type Config struct {
	Enabled      bool                     `yaml:"enabled" json:"enabled"`
	APIKey       string                   `yaml:"api_key" json:"api_key"`
	APIBase      string                   `yaml:"api_base" json:"api_base"`
	DefaultModel string                   `yaml:"default_model" json:"default_model"`
	Timeout      time.Duration            `yaml:"timeout" json:"timeout"`
	Models       map[string]llm.ModelInfo `yaml:"models" json:"models"`
	AutoPull     bool                     `yaml:"auto_pull" json:"auto_pull"`
	KeepAlive    string                   `yaml:"keep_alive" json:"keep_alive"`
}

// ResolveModel picks the request model, falling back to the configured
// default, then to fallback.
func (c Config) ResolveModel(req *llm.Request, fallback string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if c.DefaultModel != "" {
		return c.DefaultModel
	}
	return fallback
}

// HTTPTimeout returns the configured timeout or def.
func (c Config) HTTPTimeout(def time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return def
}

// EstimateCost predicts the USD cost of req against the configured price
// table: estimated prompt tokens at the input rate plus the token cap
// (1000 when unset) at the output rate. Models missing from the table
// return an error so routing can skip the candidate.
func (c Config) EstimateCost(req *llm.Request, fallbackModel string) (float64, error) {
	model := c.ResolveModel(req, fallbackModel)
	info, ok := c.Models[model]
	if !ok {
		return 0, fmt.Errorf("no pricing configured for model %q", model)
	}

	promptTokens := float64(req.EstimatedTokens())
	maxTokens := float64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	cost := promptTokens/1000*info.CostPer1KTokens.Input +
		maxTokens/1000*info.CostPer1KTokens.Output
	return cost, nil
}

// ActualCost prices a finished response from reported usage.
func (c Config) ActualCost(model string, usage llm.Usage) float64 {
	info, ok := c.Models[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*info.CostPer1KTokens.Input +
		float64(usage.CompletionTokens)/1000*info.CostPer1KTokens.Output
}

// ConfiguredModels returns the model names present in the price table.
func (c Config) ConfiguredModels() []string {
	out := make([]string, 0, len(c.Models))
	for name := range c.Models {
		out = append(out, name)
	}
	return out
}
