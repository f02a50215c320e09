// Package llm defines the request/response model, the provider contract
// and the provider registry shared by every gateway component.
package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// RequestType distinguishes the request shapes a provider may receive.
type RequestType string

const (
	TypeCompletion   RequestType = "completion"
	TypeChat         RequestType = "chat"
	TypeFunctionCall RequestType = "function_calling"
)

// DefaultTemperature is applied when the caller does not set one.
const DefaultTemperature = 0.7

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionSchema describes a callable function exposed to the model.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is the provider-neutral completion request. Setters are
// chainable; Temperature is clamped to [0, 2] at every write so an
// out-of-range value can never reach a provider.
type Request struct {
	Prompt       string           `json:"prompt,omitempty"`
	Messages     []Message        `json:"messages,omitempty"`
	Model        string           `json:"model,omitempty"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Temperature  float64          `json:"temperature"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Functions    []FunctionSchema `json:"functions,omitempty"`
	Type         RequestType      `json:"type"`
	Parameters   map[string]any   `json:"parameters,omitempty"`
	Context      map[string]any   `json:"context,omitempty"`
}

// NewChat builds a chat request.
func NewChat(messages ...Message) *Request {
	return &Request{
		Messages:    messages,
		Temperature: DefaultTemperature,
		Type:        TypeChat,
	}
}

// NewCompletion builds a single-prompt completion request.
func NewCompletion(prompt string) *Request {
	return &Request{
		Prompt:      prompt,
		Temperature: DefaultTemperature,
		Type:        TypeCompletion,
	}
}

// NewFunctionCall builds a function-calling request.
func NewFunctionCall(messages []Message, functions []FunctionSchema) *Request {
	return &Request{
		Messages:    messages,
		Functions:   functions,
		Temperature: DefaultTemperature,
		Type:        TypeFunctionCall,
	}
}

// WithModel sets the target model.
func (r *Request) WithModel(model string) *Request {
	r.Model = model
	return r
}

// WithTemperature sets the sampling temperature, clamped to [0, 2].
func (r *Request) WithTemperature(t float64) *Request {
	r.Temperature = clampTemperature(t)
	return r
}

// WithMaxTokens caps the completion length.
func (r *Request) WithMaxTokens(n int) *Request {
	r.MaxTokens = n
	return r
}

// WithSystemPrompt sets the system prompt.
func (r *Request) WithSystemPrompt(p string) *Request {
	r.SystemPrompt = p
	return r
}

// WithParameter adds a provider-specific parameter.
func (r *Request) WithParameter(key string, value any) *Request {
	if r.Parameters == nil {
		r.Parameters = make(map[string]any)
	}
	r.Parameters[key] = value
	return r
}

// WithContext attaches caller metadata that never reaches the provider.
func (r *Request) WithContext(key string, value any) *Request {
	if r.Context == nil {
		r.Context = make(map[string]any)
	}
	r.Context[key] = value
	return r
}

func clampTemperature(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 2 {
		return 2
	}
	return t
}

// Normalize applies defaults and clamping to requests built as struct
// literals rather than through the constructors.
func (r *Request) Normalize() {
	if r.Type == "" {
		if len(r.Messages) > 0 {
			r.Type = TypeChat
		} else {
			r.Type = TypeCompletion
		}
	}
	r.Temperature = clampTemperature(r.Temperature)
}

// cacheFingerprint is the canonical identity of a request. Field order
// is fixed by the struct, so two requests with the same content hash
// identically no matter how they were assembled.
type cacheFingerprint struct {
	Prompt       string           `json:"prompt"`
	Messages     []Message        `json:"messages"`
	Model        string           `json:"model"`
	Temperature  float64          `json:"temperature"`
	MaxTokens    int              `json:"max_tokens"`
	SystemPrompt string           `json:"system_prompt"`
	Type         RequestType      `json:"type"`
	Functions    []FunctionSchema `json:"functions"`
}

// CacheKey returns the exact-match cache key for this request.
func (r *Request) CacheKey() string {
	fp := cacheFingerprint{
		Prompt:       r.Prompt,
		Messages:     r.Messages,
		Model:        r.Model,
		Temperature:  r.Temperature,
		MaxTokens:    r.MaxTokens,
		SystemPrompt: r.SystemPrompt,
		Type:         r.Type,
		Functions:    r.Functions,
	}
	data, _ := json.Marshal(fp)
	sum := sha256.Sum256(data)
	return "llm:req:" + hex.EncodeToString(sum[:])
}

// SimilarityHash returns a normalized content hash used for near-match
// lookups. Lowercasing and whitespace collapsing make trivially
// reworded requests hash close to each other.
func (r *Request) SimilarityHash() string {
	normalized := normalizeContent(r.ContentText())
	sum := sha256.Sum256([]byte(normalized + "|" + string(r.Type) + "|" + r.SystemPrompt))
	return hex.EncodeToString(sum[:])
}

// ContentText returns the user-visible text of the request: the joined
// message contents for chat, the prompt otherwise.
func (r *Request) ContentText() string {
	if len(r.Messages) > 0 {
		parts := make([]string, 0, len(r.Messages))
		for _, m := range r.Messages {
			parts = append(parts, m.Content)
		}
		return strings.Join(parts, " ")
	}
	return r.Prompt
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// EstimatedTokens approximates the prompt-side token count.
func (r *Request) EstimatedTokens() int {
	text := r.ContentText()
	if r.SystemPrompt != "" {
		text = r.SystemPrompt + " " + text
	}
	return EstimateTokens(r.Model, text)
}

// ChatMessages returns the request as a message list with the system
// prompt folded in: prepended as a system message for chat requests,
// prepended to the prompt for completions.
func (r *Request) ChatMessages() []Message {
	if len(r.Messages) > 0 {
		if r.SystemPrompt == "" {
			return r.Messages
		}
		out := make([]Message, 0, len(r.Messages)+1)
		out = append(out, Message{Role: "system", Content: r.SystemPrompt})
		return append(out, r.Messages...)
	}

	var out []Message
	if r.SystemPrompt != "" {
		out = append(out, Message{Role: "system", Content: r.SystemPrompt})
	}
	return append(out, Message{Role: "user", Content: r.Prompt})
}

// Clone returns a shallow copy with its own parameter and context maps,
// so per-attempt model overrides never mutate the caller's request.
func (r *Request) Clone() *Request {
	cp := *r
	if r.Parameters != nil {
		cp.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			cp.Parameters[k] = v
		}
	}
	if r.Context != nil {
		cp.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}
