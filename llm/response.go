package llm

import (
	"time"
)

// Finish reasons reported by providers.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// Usage holds provider-reported token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// FunctionCall is a model-requested function invocation.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Choice is one raw completion alternative as returned by the provider.
type Choice struct {
	Index        int    `json:"index"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Response is the provider-neutral completion result.
type Response struct {
	Content      string         `json:"content"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Usage        Usage          `json:"usage"`
	FunctionCall *FunctionCall  `json:"function_call,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ResponseTime time.Duration  `json:"response_time"`
	Cost         float64        `json:"cost"`
	FinishReason string         `json:"finish_reason"`
	Choices      []Choice       `json:"choices,omitempty"`
}

// NewResponse builds a successful response.
func NewResponse(content, model, provider string) *Response {
	return &Response{
		Content:      content,
		Model:        model,
		Provider:     provider,
		FinishReason: FinishStop,
	}
}

// NewErrorResponse builds a response representing a failed call. Error
// responses are never cached and always score zero.
func NewErrorResponse(errMsg, model, provider string) *Response {
	return &Response{
		Model:        model,
		Provider:     provider,
		FinishReason: FinishError,
		Metadata:     map[string]any{"error": errMsg},
	}
}

// NewStreamChunk builds an incremental streaming chunk.
func NewStreamChunk(content, model, provider string) *Response {
	return &Response{
		Content:      content,
		Model:        model,
		Provider:     provider,
		FinishReason: FinishStop,
		Metadata:     map[string]any{"streaming": true},
	}
}

// IsError reports whether the response represents a failed call.
func (r *Response) IsError() bool {
	return r.FinishReason == FinishError
}

// TokensUsed returns the combined token count.
func (r *Response) TokensUsed() int { return r.Usage.Total() }

// QualityScore grades the response on a 0..100 scale. Errors score 0;
// truncation, slow responses and near-empty content each deduct a fixed
// penalty.
func (r *Response) QualityScore() int {
	if r.IsError() {
		return 0
	}

	score := 100
	if r.FinishReason == FinishLength {
		score -= 20
	}
	if r.ResponseTime > 10*time.Second {
		score -= 10
	}
	if len(r.Content) < 10 {
		score -= 15
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Merge folds a later chunk into this response: content concatenates,
// usage is replaced, metadata keys from next win.
func (r *Response) Merge(next *Response) *Response {
	if next == nil {
		return r
	}
	r.Content += next.Content
	if next.Usage != (Usage{}) {
		r.Usage = next.Usage
	}
	if len(next.Metadata) > 0 {
		if r.Metadata == nil {
			r.Metadata = make(map[string]any, len(next.Metadata))
		}
		for k, v := range next.Metadata {
			r.Metadata[k] = v
		}
	}
	if next.FinishReason != "" {
		r.FinishReason = next.FinishReason
	}
	return r
}

// SetMeta sets one metadata key, allocating the map on first use.
func (r *Response) SetMeta(key string, value any) *Response {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}
