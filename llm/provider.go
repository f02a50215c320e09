package llm

import (
	"context"
	"time"
)

// StreamHandler receives streaming chunks in arrival order. It is
// invoked synchronously; returning an error aborts the stream.
type StreamHandler func(chunk *Response) error

// Capabilities advertises what a provider supports. The balancer's
// weighted strategy and the manager's fallback logic both read these.
type Capabilities struct {
	TextGeneration  bool `json:"text_generation"`
	Chat            bool `json:"chat"`
	FunctionCalling bool `json:"function_calling"`
	JSONMode        bool `json:"json_mode"`
	Vision          bool `json:"vision"`
	Streaming       bool `json:"streaming"`
	Batching        bool `json:"batching"`
	FineTuning      bool `json:"fine_tuning"`
	LocalExecution  bool `json:"local_execution"`
	OfflineCapable  bool `json:"offline_capable"`
}

// HealthStatus is one provider health probe result.
type HealthStatus struct {
	Healthy         bool           `json:"healthy"`
	Latency         time.Duration  `json:"latency"`
	ModelsAvailable int            `json:"models_available,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

// CostPer1KTokens is the per-direction price of a model.
type CostPer1KTokens struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// ModelInfo is static model metadata from configuration, optionally
// enriched with live data by local providers.
type ModelInfo struct {
	CostPer1KTokens CostPer1KTokens `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	MaxTokens       int             `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Capabilities    []string        `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Extra           map[string]any  `json:"extra,omitempty" yaml:"-"`
}

// Provider is the contract every vendor adapter implements. Adapters
// translate the neutral Request/Response pair to the vendor wire format
// and normalize vendor failures into *Error values.
type Provider interface {
	// Name returns the stable provider identifier ("openai", "ollama", ...).
	Name() string

	// Complete performs one blocking completion.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming completion, delivering chunks through
	// handler as they arrive.
	Stream(ctx context.Context, req *Request, handler StreamHandler) error

	// BatchComplete processes several requests. Providers without native
	// batching run them sequentially.
	BatchComplete(ctx context.Context, reqs []*Request) ([]*Response, error)

	// Models lists the models this provider can serve.
	Models(ctx context.Context) []string

	// Capabilities reports the provider feature set.
	Capabilities() Capabilities

	// HealthCheck probes provider availability and latency.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// ModelInfo returns metadata for a model, when known.
	ModelInfo(model string) (ModelInfo, bool)

	// EstimateCost predicts the USD cost of a request. Providers without
	// pricing for the resolved model return an error; the least-cost
	// strategy skips such candidates.
	EstimateCost(req *Request) (float64, error)
}
