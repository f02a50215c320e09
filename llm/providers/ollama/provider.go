// Package ollama provides the adapter for a local Ollama runtime. It is
// keyless, free per request, and the designated failover target when
// cloud providers are down.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/providers"
)

const (
	Name          = "ollama"
	defaultBase   = "http://localhost:11434"
	fallbackModel = "llama3.2:latest"

	pullTimeout = 10 * time.Minute
)

// Provider speaks the Ollama HTTP API: /api/chat with NDJSON streaming,
// /api/tags for discovery, /api/pull for model management.
type Provider struct {
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New builds the Ollama provider. No API key is required.
func New(cfg providers.Config, logger *zap.Logger) (llm.Provider, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout(120 * time.Second)},
		logger: logger.With(zap.String("provider", Name)),
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return Name }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		TextGeneration:  true,
		Chat:            true,
		FunctionCalling: true,
		Streaming:       true,
		LocalExecution:  true,
		OfflineCapable:  true,
	}
}

// ModelInfo implements llm.Provider, merging configured metadata with
// live details from /api/show when the runtime answers.
func (p *Provider) ModelInfo(model string) (llm.ModelInfo, bool) {
	info, ok := p.cfg.Models[model]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var live struct {
		Size       int64          `json:"size"`
		Digest     string         `json:"digest"`
		ModifiedAt string         `json:"modified_at"`
		Details    map[string]any `json:"details"`
	}
	if err := p.postJSON(ctx, "/api/show", map[string]string{"name": model}, &live); err == nil {
		if info.Extra == nil {
			info.Extra = make(map[string]any)
		}
		info.Extra["size"] = live.Size
		info.Extra["digest"] = live.Digest
		info.Extra["modified_at"] = live.ModifiedAt
		info.Extra["details"] = live.Details
		return info, true
	}
	return info, ok
}

// EstimateCost implements llm.Provider. Local models are free.
func (p *Provider) EstimateCost(req *llm.Request) (float64, error) {
	return 0, nil
}

func (p *Provider) url(path string) string {
	return strings.TrimRight(p.cfg.APIBase, "/") + path
}

func (p *Provider) postJSON(ctx context.Context, path string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return providers.MapHTTPError(Name, resp.StatusCode, providers.ReadBody(resp.Body))
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

type chatPayload struct {
	Model     string         `json:"model"`
	Messages  []llm.Message  `json:"messages"`
	Options   map[string]any `json:"options,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Tools     any            `json:"tools,omitempty"`
}

func (p *Provider) buildPayload(req *llm.Request, model string, stream bool) chatPayload {
	options := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	for k, v := range req.Parameters {
		if _, exists := options[k]; !exists {
			options[k] = v
		}
	}

	payload := chatPayload{
		Model:     model,
		Messages:  req.ChatMessages(),
		Options:   options,
		Stream:    stream,
		KeepAlive: p.cfg.KeepAlive,
	}
	if len(req.Functions) > 0 {
		payload.Tools = req.Functions
	}
	return payload
}

type chatResult struct {
	Message struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done            bool  `json:"done"`
	PromptEvalCount int   `json:"prompt_eval_count"`
	EvalCount       int   `json:"eval_count"`
	TotalDuration   int64 `json:"total_duration"`
	LoadDuration    int64 `json:"load_duration"`
	EvalDuration    int64 `json:"eval_duration"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := time.Now()
	model := p.cfg.ResolveModel(req, fallbackModel)
	p.ensureModel(model)

	body, err := json.Marshal(p.buildPayload(req, model, false))
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "marshal request", err).WithProvider(Name)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url("/api/chat"), bytes.NewReader(body))
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "build request", err).WithProvider(Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.WrapError(llm.ErrCodeTimeout, "request cancelled", err).WithProvider(Name)
		}
		return nil, llm.WrapError(llm.ErrCodeProviderUnavailable, "runtime unreachable", err).AsRetryable().WithProvider(Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(Name, resp.StatusCode, providers.ReadBody(resp.Body))
	}

	var wire chatResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, llm.WrapError(llm.ErrCodeUpstream, "decode response", err).WithProvider(Name)
	}

	out := llm.NewResponse(wire.Message.Content, model, Name)
	out.Usage = llm.Usage{PromptTokens: wire.PromptEvalCount, CompletionTokens: wire.EvalCount}
	out.ResponseTime = time.Since(start)
	out.Cost = 0
	if wire.Done {
		out.FinishReason = llm.FinishStop
	} else {
		out.FinishReason = llm.FinishLength
	}
	if len(wire.Message.ToolCalls) > 0 {
		args, _ := json.Marshal(wire.Message.ToolCalls[0].Function.Arguments)
		out.FunctionCall = &llm.FunctionCall{
			Name:      wire.Message.ToolCalls[0].Function.Name,
			Arguments: string(args),
		}
	}
	out.SetMeta("total_duration", wire.TotalDuration)
	out.SetMeta("load_duration", wire.LoadDuration)
	out.SetMeta("eval_duration", wire.EvalDuration)
	return out, nil
}

// Stream implements llm.Provider over NDJSON lines with a done flag.
func (p *Provider) Stream(ctx context.Context, req *llm.Request, handler llm.StreamHandler) error {
	model := p.cfg.ResolveModel(req, fallbackModel)
	p.ensureModel(model)

	body, err := json.Marshal(p.buildPayload(req, model, true))
	if err != nil {
		return llm.WrapError(llm.ErrCodeInvalidRequest, "marshal request", err).WithProvider(Name)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url("/api/chat"), bytes.NewReader(body))
	if err != nil {
		return llm.WrapError(llm.ErrCodeInvalidRequest, "build request", err).WithProvider(Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return llm.WrapError(llm.ErrCodeTimeout, "request cancelled", err).WithProvider(Name)
		}
		return llm.WrapError(llm.ErrCodeProviderUnavailable, "runtime unreachable", err).AsRetryable().WithProvider(Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return providers.MapHTTPError(Name, resp.StatusCode, providers.ReadBody(resp.Body))
	}

	return providers.ScanLines(ctx, resp.Body, func(line string) error {
		var chunk chatResult
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			p.logger.Debug("skipping malformed stream line", zap.Error(err))
			return nil
		}
		if chunk.Message.Content != "" {
			if err := handler(llm.NewStreamChunk(chunk.Message.Content, model, Name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchComplete implements llm.Provider sequentially; a single local
// runtime gains nothing from interleaving.
func (p *Provider) BatchComplete(ctx context.Context, reqs []*llm.Request) ([]*llm.Response, error) {
	out := make([]*llm.Response, len(reqs))
	for i, req := range reqs {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			out[i] = llm.NewErrorResponse(err.Error(), p.cfg.ResolveModel(req, fallbackModel), Name)
			continue
		}
		out[i] = resp
	}
	return out, nil
}

type tagsResult struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models implements llm.Provider from /api/tags, falling back to the
// configured list when the runtime is down.
func (p *Provider) Models(ctx context.Context) []string {
	var wire tagsResult
	if err := p.getJSON(ctx, "/api/tags", &wire); err != nil {
		p.logger.Warn("model listing failed", zap.Error(err))
		return p.cfg.ConfiguredModels()
	}
	models := make([]string, 0, len(wire.Models))
	for _, m := range wire.Models {
		models = append(models, m.Name)
	}
	return models
}

func (p *Provider) getJSON(ctx context.Context, path string, dest any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(path), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return providers.MapHTTPError(Name, resp.StatusCode, providers.ReadBody(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// HealthCheck implements llm.Provider via /api/tags.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()

	var wire tagsResult
	err := p.getJSON(ctx, "/api/tags", &wire)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			llm.WrapError(llm.ErrCodeProviderUnavailable, "runtime unreachable", err).WithProvider(Name)
	}

	status := &llm.HealthStatus{
		Healthy:         true,
		Latency:         latency,
		ModelsAvailable: len(wire.Models),
	}
	if version := p.version(ctx); version != "" {
		status.Details = map[string]any{"version": version}
	}
	return status, nil
}

func (p *Provider) version(ctx context.Context) string {
	var wire struct {
		Version string `json:"version"`
	}
	if err := p.getJSON(ctx, "/api/version", &wire); err != nil {
		return ""
	}
	return wire.Version
}

// ensureModel checks model presence and, with auto_pull on, kicks off a
// background pull for missing models. The current request proceeds and
// fails naturally if the model is not there yet; nothing here is fatal.
func (p *Provider) ensureModel(model string) {
	if !p.cfg.AutoPull {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.postJSON(ctx, "/api/show", map[string]string{"name": model}, nil); err == nil {
		return
	}

	p.logger.Info("model missing, pulling in background", zap.String("model", model))
	go func() {
		pullCtx, cancel := context.WithTimeout(context.Background(), pullTimeout)
		defer cancel()
		if err := p.PullModel(pullCtx, model); err != nil {
			p.logger.Error("background model pull failed", zap.String("model", model), zap.Error(err))
		}
	}()
}

// PullModel downloads a model into the runtime.
func (p *Provider) PullModel(ctx context.Context, model string) error {
	p.logger.Info("pulling model", zap.String("model", model))
	if err := p.postJSON(ctx, "/api/pull", map[string]any{"name": model, "stream": false}, nil); err != nil {
		return llm.WrapError(llm.ErrCodeProviderUnavailable, "pull failed", err).WithProvider(Name)
	}
	p.logger.Info("model pulled", zap.String("model", model))
	return nil
}

// RemoveModel deletes a model from the runtime.
func (p *Provider) RemoveModel(ctx context.Context, model string) error {
	body, _ := json.Marshal(map[string]string{"name": model})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.url("/api/delete"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return llm.WrapError(llm.ErrCodeProviderUnavailable, "delete failed", err).WithProvider(Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return providers.MapHTTPError(Name, resp.StatusCode, providers.ReadBody(resp.Body))
	}
	return nil
}

// RunningModels lists the models currently loaded in memory.
func (p *Provider) RunningModels(ctx context.Context) ([]string, error) {
	var wire tagsResult
	if err := p.getJSON(ctx, "/api/ps", &wire); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(wire.Models))
	for _, m := range wire.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
