// Package google provides the Gemini generateContent adapter.
package google

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

const (
	Name          = "google"
	defaultBase   = "https://generativelanguage.googleapis.com/v1beta"
	fallbackModel = "gemini-2.0-flash"
)

// Provider translates the neutral model to the Gemini API: role-tagged
// contents with parts, a separate systemInstruction, and generationConfig
// instead of top-level sampling fields.
type Provider struct {
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New builds the Google provider. A missing API key is a configuration
// error surfaced at gateway init.
func New(cfg providers.Config, logger *zap.Logger) (llm.Provider, error) {
	if cfg.APIKey == "" {
		return nil, llm.NewError(llm.ErrCodeConfiguration, "google: api_key is required")
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
		JSONMode:        true,
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

type wirePart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireRequest struct {
	Contents          []wireContent `json:"contents"`
	SystemInstruction *wireContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64  `json:"temperature"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig"`
	Tools []struct {
		FunctionDeclarations []llm.FunctionSchema `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
}

// buildRequest maps messages to role-tagged contents. Gemini calls the
// assistant role "model" and takes the system prompt out of band.
func (p *Provider) buildRequest(req *llm.Request) wireRequest {
	var wire wireRequest

	for _, m := range req.ChatMessages() {
		switch m.Role {
		case "system":
			wire.SystemInstruction = &wireContent{Parts: []wirePart{{Text: m.Content}}}
		case "assistant":
			wire.Contents = append(wire.Contents, wireContent{Role: "model", Parts: []wirePart{{Text: m.Content}}})
		default:
			wire.Contents = append(wire.Contents, wireContent{Role: "user", Parts: []wirePart{{Text: m.Content}}})
		}
	}

	wire.GenerationConfig.Temperature = req.Temperature
	if req.MaxTokens > 0 {
		wire.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	if stop, ok := req.Parameters["stop"].([]string); ok {
		wire.GenerationConfig.StopSequences = stop
	}
	if len(req.Functions) > 0 {
		wire.Tools = append(wire.Tools, struct {
			FunctionDeclarations []llm.FunctionSchema `json:"functionDeclarations"`
		}{FunctionDeclarations: req.Functions})
	}
	return wire
}

func (p *Provider) modelURL(model, action string) string {
	return fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(p.cfg.APIBase, "/"), model, action)
}

func (p *Provider) post(ctx context.Context, url string, wire wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "marshal request", err).WithProvider(Name)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "build request", err).WithProvider(Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.WrapError(llm.ErrCodeTimeout, "request cancelled", err).WithProvider(Name)
		}
		return nil, llm.WrapError(llm.ErrCodeProviderUnavailable, "request failed", err).AsRetryable().WithProvider(Name)
	}
	return resp, nil
}

type wireResponse struct {
	Candidates []struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := time.Now()
	model := p.cfg.ResolveModel(req, fallbackModel)

	resp, err := p.post(ctx, p.modelURL(model, "generateContent"), p.buildRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(Name, resp.StatusCode, providers.ReadBody(resp.Body))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, llm.WrapError(llm.ErrCodeUpstream, "decode response", err).WithProvider(Name)
	}
	if len(wire.Candidates) == 0 {
		return nil, llm.NewError(llm.ErrCodeUpstream, "response contained no candidates").WithProvider(Name)
	}

	candidate := wire.Candidates[0]
	var content strings.Builder
	var fnCall *llm.FunctionCall
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			content.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			fnCall = &llm.FunctionCall{Name: part.FunctionCall.Name, Arguments: string(args)}
		}
	}

	usage := llm.Usage{
		PromptTokens:     wire.UsageMetadata.PromptTokenCount,
		CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
	}

	out := llm.NewResponse(content.String(), model, Name)
	out.Usage = usage
	out.ResponseTime = time.Since(start)
	out.Cost = p.cfg.ActualCost(model, usage)
	out.FinishReason = mapFinishReason(candidate.FinishReason)
	out.FunctionCall = fnCall
	if wire.ModelVersion != "" {
		out.SetMeta("model_version", wire.ModelVersion)
	}
	return out, nil
}

// mapFinishReason translates the known synonyms and keeps any other
// vendor value (SAFETY, RECITATION, ...) verbatim.
func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return llm.FinishLength
	case "", "STOP":
		return llm.FinishStop
	default:
		return reason
	}
}

// Stream implements llm.Provider via streamGenerateContent with SSE
// framing; chunks share the completion response shape.
func (p *Provider) Stream(ctx context.Context, req *llm.Request, handler llm.StreamHandler) error {
	model := p.cfg.ResolveModel(req, fallbackModel)

	resp, err := p.post(ctx, p.modelURL(model, "streamGenerateContent")+"?alt=sse", p.buildRequest(req))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return providers.MapHTTPError(Name, resp.StatusCode, providers.ReadBody(resp.Body))
	}

	return providers.ScanSSE(ctx, resp.Body, func(data string) error {
		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug("skipping malformed stream chunk", zap.Error(err))
			return nil
		}
		if len(chunk.Candidates) == 0 {
			return nil
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			if err := handler(llm.NewStreamChunk(part.Text, model, Name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchComplete implements llm.Provider; no batch endpoint, sequential
// with per-item error isolation.
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

// Models implements llm.Provider from the live listing endpoint.
func (p *Provider) Models(ctx context.Context) []string {
	url := strings.TrimRight(p.cfg.APIBase, "/") + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p.cfg.ConfiguredModels()
	}
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)

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
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return p.cfg.ConfiguredModels()
	}

	models := make([]string, 0, len(wire.Models))
	for _, m := range wire.Models {
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}
	if len(models) == 0 {
		return p.cfg.ConfiguredModels()
	}
	return models
}

// HealthCheck implements llm.Provider with a GET on the model listing.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()

	url := strings.TrimRight(p.cfg.APIBase, "/") + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, llm.WrapError(llm.ErrCodeInvalidRequest, "build health request", err).WithProvider(Name)
	}
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			llm.WrapError(llm.ErrCodeProviderUnavailable, "health check failed", err).WithProvider(Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			providers.MapHTTPError(Name, resp.StatusCode, providers.ReadBody(resp.Body))
	}

	var wire struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&wire)

	return &llm.HealthStatus{
		Healthy:         true,
		Latency:         latency,
		ModelsAvailable: len(wire.Models),
	}, nil
}
