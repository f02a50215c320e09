// Package openaicompat implements a provider for any endpoint speaking
// the OpenAI chat-completions dialect. Vendor packages (openai, mistral)
// wrap it with their base URL, defaults and capability sets.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/providers"
)

// HeaderFunc attaches authentication headers to an outgoing request.
type HeaderFunc func(req *http.Request, cfg providers.Config)

// Options configures a compatible provider.
type Options struct {
	// ProviderName is the stable identifier reported by Name().
	ProviderName string

	// Config is the provider configuration block.
	Config providers.Config

	// FallbackModel is used when neither request nor config name a model.
	FallbackModel string

	// EndpointPath defaults to /chat/completions.
	EndpointPath string

	// ModelsPath defaults to /models.
	ModelsPath string

	// BuildHeaders defaults to Bearer auth with Config.APIKey.
	BuildHeaders HeaderFunc

	// Capabilities advertised by the wrapping vendor.
	Capabilities llm.Capabilities

	// RequireAPIKey makes construction fail without a key. Cloud vendors
	// set this; compatible local endpoints may not need auth.
	RequireAPIKey bool

	Logger *zap.Logger

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Provider speaks the OpenAI-compatible wire format.
type Provider struct {
	name         string
	cfg          providers.Config
	fallback     string
	endpointPath string
	modelsPath   string
	buildHeaders HeaderFunc
	caps         llm.Capabilities
	client       *http.Client
	logger       *zap.Logger
}

// New validates options and builds the provider.
func New(opts Options) (*Provider, error) {
	if opts.ProviderName == "" {
		return nil, llm.NewError(llm.ErrCodeConfiguration, "provider name is required")
	}
	if opts.RequireAPIKey && opts.Config.APIKey == "" {
		return nil, llm.NewError(llm.ErrCodeConfiguration,
			fmt.Sprintf("%s: api_key is required", opts.ProviderName))
	}
	if opts.Config.APIBase == "" {
		return nil, llm.NewError(llm.ErrCodeConfiguration,
			fmt.Sprintf("%s: api_base is required", opts.ProviderName))
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	endpointPath := opts.EndpointPath
	if endpointPath == "" {
		endpointPath = "/chat/completions"
	}
	modelsPath := opts.ModelsPath
	if modelsPath == "" {
		modelsPath = "/models"
	}

	buildHeaders := opts.BuildHeaders
	if buildHeaders == nil {
		buildHeaders = func(req *http.Request, cfg providers.Config) {
			req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Config.HTTPTimeout(60 * time.Second)}
	}

	return &Provider{
		name:         opts.ProviderName,
		cfg:          opts.Config,
		fallback:     opts.FallbackModel,
		endpointPath: endpointPath,
		modelsPath:   modelsPath,
		buildHeaders: buildHeaders,
		caps:         opts.Capabilities,
		client:       client,
		logger:       logger.With(zap.String("provider", opts.ProviderName)),
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities { return p.caps }

// ModelInfo implements llm.Provider.
func (p *Provider) ModelInfo(model string) (llm.ModelInfo, bool) {
	info, ok := p.cfg.Models[model]
	return info, ok
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(req *llm.Request) (float64, error) {
	return p.cfg.EstimateCost(req, p.fallback)
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.APIBase, "/") + path
}

// buildPayload translates the neutral request into the wire body.
// Caller parameters fill in anything the neutral model does not cover,
// without overriding fields already set.
func (p *Provider) buildPayload(req *llm.Request, stream bool) map[string]any {
	payload := map[string]any{
		"model":       p.cfg.ResolveModel(req, p.fallback),
		"messages":    req.ChatMessages(),
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Functions) > 0 {
		payload["functions"] = req.Functions
		payload["function_call"] = "auto"
	}
	if stream {
		payload["stream"] = true
	}
	for k, v := range req.Parameters {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	return payload
}

func (p *Provider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "marshal request", err).WithProvider(p.name)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "build request", err).WithProvider(p.name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.buildHeaders(httpReq, p.cfg)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.WrapError(llm.ErrCodeTimeout, "request cancelled", err).WithProvider(p.name)
		}
		return nil, llm.WrapError(llm.ErrCodeProviderUnavailable, "request failed", err).AsRetryable().WithProvider(p.name)
	}
	return resp, nil
}

// chatResponse is the wire-level completion result.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role         string `json:"role"`
			Content      string `json:"content"`
			FunctionCall *struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function_call,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := time.Now()

	resp, err := p.post(ctx, p.endpointPath, p.buildPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(p.name, resp.StatusCode, providers.ReadBody(resp.Body))
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, llm.WrapError(llm.ErrCodeUpstream, "decode response", err).WithProvider(p.name)
	}
	if len(wire.Choices) == 0 {
		return nil, llm.NewError(llm.ErrCodeUpstream, "response contained no choices").WithProvider(p.name)
	}

	model := wire.Model
	if model == "" {
		model = p.cfg.ResolveModel(req, p.fallback)
	}

	usage := llm.Usage{
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
	}

	choice := wire.Choices[0]
	out := llm.NewResponse(choice.Message.Content, model, p.name)
	out.Usage = usage
	out.ResponseTime = time.Since(start)
	out.Cost = p.cfg.ActualCost(model, usage)
	out.FinishReason = normalizeFinish(choice.FinishReason)
	if choice.Message.FunctionCall != nil {
		out.FunctionCall = &llm.FunctionCall{
			Name:      choice.Message.FunctionCall.Name,
			Arguments: choice.Message.FunctionCall.Arguments,
		}
	}
	for _, c := range wire.Choices {
		out.Choices = append(out.Choices, llm.Choice{
			Index:        c.Index,
			Content:      c.Message.Content,
			FinishReason: normalizeFinish(c.FinishReason),
		})
	}
	out.SetMeta("id", wire.ID)
	return out, nil
}

// normalizeFinish maps the known stop/length synonyms and passes any
// other vendor value (content_filter, function_call, ...) through
// verbatim so callers can tell filtered or truncated output apart from
// a clean stop.
func normalizeFinish(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return llm.FinishLength
	case "", "stop":
		return llm.FinishStop
	default:
		return reason
	}
}

// streamChunk is one SSE delta payload.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req *llm.Request, handler llm.StreamHandler) error {
	resp, err := p.post(ctx, p.endpointPath, p.buildPayload(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return providers.MapHTTPError(p.name, resp.StatusCode, providers.ReadBody(resp.Body))
	}

	model := p.cfg.ResolveModel(req, p.fallback)
	return providers.ScanSSE(ctx, resp.Body, func(data string) error {
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug("skipping malformed stream chunk", zap.Error(err))
			return nil
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			return nil
		}
		m := chunk.Model
		if m == "" {
			m = model
		}
		return handler(llm.NewStreamChunk(content, m, p.name))
	})
}

// BatchComplete implements llm.Provider. The dialect has no batch
// endpoint, so requests run sequentially with per-item error isolation.
func (p *Provider) BatchComplete(ctx context.Context, reqs []*llm.Request) ([]*llm.Response, error) {
	out := make([]*llm.Response, len(reqs))
	for i, req := range reqs {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			out[i] = llm.NewErrorResponse(err.Error(), p.cfg.ResolveModel(req, p.fallback), p.name)
			continue
		}
		out[i] = resp
	}
	return out, nil
}

// Models implements llm.Provider: live listing from the models endpoint,
// falling back to the configured price table.
func (p *Provider) Models(ctx context.Context) []string {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.modelsPath), nil)
	if err != nil {
		return p.cfg.ConfiguredModels()
	}
	p.buildHeaders(httpReq, p.cfg)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger.Warn("model listing failed", zap.Error(err))
		return p.cfg.ConfiguredModels()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return p.cfg.ConfiguredModels()
	}

	var wire struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return p.cfg.ConfiguredModels()
	}

	models := make([]string, 0, len(wire.Data))
	for _, m := range wire.Data {
		models = append(models, m.ID)
	}
	if len(models) == 0 {
		return p.cfg.ConfiguredModels()
	}
	return models
}

// HealthCheck implements llm.Provider with a GET against the models
// endpoint, measuring round-trip latency.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.modelsPath), nil)
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "build health request", err).WithProvider(p.name)
	}
	p.buildHeaders(httpReq, p.cfg)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			llm.WrapError(llm.ErrCodeProviderUnavailable, "health check failed", err).WithProvider(p.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			providers.MapHTTPError(p.name, resp.StatusCode, providers.ReadBody(resp.Body))
	}

	var wire struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&wire)

	return &llm.HealthStatus{
		Healthy:         true,
		Latency:         latency,
		ModelsAvailable: len(wire.Data),
	}, nil
}
