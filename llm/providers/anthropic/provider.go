// Package anthropic provides the Claude Messages API adapter.
package anthropic

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
	Name          = "anthropic"
	defaultBase   = "https://api.anthropic.com/v1"
	fallbackModel = "claude-3-5-haiku-20241022"

	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096

	statusOverloaded = 529
)

// Provider translates the neutral model to the Claude Messages API.
// The wire shape differs enough from the OpenAI dialect (top-level
// system field, mandatory max_tokens, content blocks, typed stream
// events) that it does not share the openaicompat base.
type Provider struct {
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New builds the Anthropic provider. A missing API key is a
// configuration error surfaced at gateway init.
func New(cfg providers.Config, logger *zap.Logger) (llm.Provider, error) {
	if cfg.APIKey == "" {
		return nil, llm.NewError(llm.ErrCodeConfiguration, "anthropic: api_key is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout(60 * time.Second)},
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
		Vision:          true,
		Streaming:       true,
	}
}

// ModelInfo implements llm.Provider.
func (p *Provider) ModelInfo(model string) (llm.ModelInfo, bool) {
	info, ok := p.cfg.Models[model]
	return info, ok
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(req *llm.Request) (float64, error) {
	return p.cfg.EstimateCost(req, fallbackModel)
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

// buildRequest maps the neutral request. System prompts move to the
// top-level field, and the default temperature is left unset so the
// model default applies.
func (p *Provider) buildRequest(req *llm.Request, stream bool) wireRequest {
	messages := req.ChatMessages()
	system := req.SystemPrompt
	nonSystem := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if system == "" {
				system = m.Content
			}
			continue
		}
		nonSystem = append(nonSystem, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	wire := wireRequest{
		Model:     p.cfg.ResolveModel(req, fallbackModel),
		Messages:  nonSystem,
		System:    system,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if req.Temperature != llm.DefaultTemperature {
		t := req.Temperature
		wire.Temperature = &t
	}
	for _, fn := range req.Functions {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        fn.Name,
			Description: fn.Description,
			InputSchema: fn.Parameters,
		})
	}
	return wire
}

func (p *Provider) post(ctx context.Context, wire wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "marshal request", err).WithProvider(Name)
	}

	url := strings.TrimRight(p.cfg.APIBase, "/") + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "build request", err).WithProvider(Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.WrapError(llm.ErrCodeTimeout, "request cancelled", err).WithProvider(Name)
		}
		return nil, llm.WrapError(llm.ErrCodeProviderUnavailable, "request failed", err).AsRetryable().WithProvider(Name)
	}
	return resp, nil
}

func mapError(status int, body string) *llm.Error {
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := body
	if err := json.Unmarshal([]byte(body), &wire); err == nil && wire.Error.Message != "" {
		msg = wire.Error.Message
	}
	if status == statusOverloaded {
		return llm.NewError(llm.ErrCodeUpstream, msg).AsRetryable().WithStatus(status).WithProvider(Name)
	}
	return providers.MapHTTPError(Name, status, msg)
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text,omitempty"`
		Name  string         `json:"name,omitempty"`
		ID    string         `json:"id,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := time.Now()

	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, providers.ReadBody(resp.Body))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, llm.WrapError(llm.ErrCodeUpstream, "decode response", err).WithProvider(Name)
	}

	var content strings.Builder
	var fnCall *llm.FunctionCall
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			fnCall = &llm.FunctionCall{ID: block.ID, Name: block.Name, Arguments: string(args)}
		}
	}

	model := wire.Model
	if model == "" {
		model = p.cfg.ResolveModel(req, fallbackModel)
	}
	usage := llm.Usage{
		PromptTokens:     wire.Usage.InputTokens,
		CompletionTokens: wire.Usage.OutputTokens,
	}

	out := llm.NewResponse(content.String(), model, Name)
	out.Usage = usage
	out.ResponseTime = time.Since(start)
	out.Cost = p.cfg.ActualCost(model, usage)
	out.FinishReason = mapStopReason(wire.StopReason)
	out.FunctionCall = fnCall
	out.SetMeta("id", wire.ID)
	return out, nil
}

// mapStopReason translates the known synonyms and keeps any other
// vendor value (tool_use, refusal, ...) verbatim.
func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return llm.FinishLength
	case "", "end_turn", "stop_sequence":
		return llm.FinishStop
	default:
		return reason
	}
}

// streamEvent covers the subset of Claude stream event payloads the
// gateway consumes.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Model string `json:"model"`
	} `json:"message"`
}

// Stream implements llm.Provider over the typed Claude SSE events.
func (p *Provider) Stream(ctx context.Context, req *llm.Request, handler llm.StreamHandler) error {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mapError(resp.StatusCode, providers.ReadBody(resp.Body))
	}

	model := p.cfg.ResolveModel(req, fallbackModel)
	return providers.ScanSSE(ctx, resp.Body, func(data string) error {
		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			p.logger.Debug("skipping malformed stream event", zap.Error(err))
			return nil
		}
		switch event.Type {
		case "message_start":
			if event.Message.Model != "" {
				model = event.Message.Model
			}
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return handler(llm.NewStreamChunk(event.Delta.Text, model, Name))
			}
		}
		return nil
	})
}

// BatchComplete implements llm.Provider; the API has no batch endpoint.
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

// Models implements llm.Provider from the configured price table; the
// API has no public model-listing endpoint.
func (p *Provider) Models(ctx context.Context) []string {
	return p.cfg.ConfiguredModels()
}

// HealthCheck implements llm.Provider with a minimal one-token message.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()

	wire := wireRequest{
		Model:     p.cfg.ResolveModel(nil, fallbackModel),
		Messages:  []llm.Message{{Role: "user", Content: "Hi"}},
		MaxTokens: 10,
	}
	resp, err := p.post(ctx, wire)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			mapError(resp.StatusCode, providers.ReadBody(resp.Body))
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}
