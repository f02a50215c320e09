package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/providers"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, mutate func(*Options)) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts := Options{
		ProviderName: "testvendor",
		Config: providers.Config{
			APIKey:       "sk-test",
			APIBase:      server.URL,
			DefaultModel: "test-model",
			Models: map[string]llm.ModelInfo{
				"test-model": {
					CostPer1KTokens: llm.CostPer1KTokens{Input: 0.001, Output: 0.002},
				},
			},
		},
		FallbackModel: "fallback-model",
		Capabilities:  llm.Capabilities{Chat: true, Streaming: true},
		RequireAPIKey: true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func completionBody(content string) string {
	return `{
		"id": "chatcmpl-123",
		"model": "test-model",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": ` + jsonString(content) + `},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 20}
	}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Config: providers.Config{APIBase: "http://x"}})
	assert.Equal(t, llm.ErrCodeConfiguration, llm.CodeOf(err))

	_, err = New(Options{ProviderName: "v", RequireAPIKey: true, Config: providers.Config{APIBase: "http://x"}})
	assert.Equal(t, llm.ErrCodeConfiguration, llm.CodeOf(err))

	_, err = New(Options{ProviderName: "v", Config: providers.Config{APIKey: "k"}})
	assert.Equal(t, llm.ErrCodeConfiguration, llm.CodeOf(err))
}

func TestCompletePayloadAndResponse(t *testing.T) {
	var gotPayload map[string]any
	var gotAuth, gotPath string

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("hello there")))
	}, nil)

	req := llm.NewCompletion("say hello").
		WithMaxTokens(256).
		WithParameter("top_p", 0.9).
		WithParameter("model", "should-not-override")
	req.Normalize()

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "test-model", gotPayload["model"], "parameters must not override core fields")
	assert.Equal(t, 0.7, gotPayload["temperature"])
	assert.Equal(t, float64(256), gotPayload["max_tokens"])
	assert.Equal(t, 0.9, gotPayload["top_p"])
	assert.NotContains(t, gotPayload, "stream")

	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, "testvendor", resp.Provider)
	assert.Equal(t, llm.Usage{PromptTokens: 10, CompletionTokens: 20}, resp.Usage)
	// 10/1000*0.001 + 20/1000*0.002
	assert.InDelta(t, 0.00005, resp.Cost, 1e-9)
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
	assert.Equal(t, "chatcmpl-123", resp.Metadata["id"])
}

func TestCompleteFunctionCall(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload, "functions")
		assert.Equal(t, "auto", payload["function_call"])

		w.Write([]byte(`{
			"model": "test-model",
			"choices": [{
				"message": {
					"role": "assistant",
					"function_call": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}
				},
				"finish_reason": "function_call"
			}]
		}`))
	}, nil)

	req := llm.NewFunctionCall(
		[]llm.Message{{Role: "user", Content: "weather in Paris?"}},
		[]llm.FunctionSchema{{Name: "get_weather"}},
	)
	req.Normalize()

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.FunctionCall)
	assert.Equal(t, "get_weather", resp.FunctionCall.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, resp.FunctionCall.Arguments)
}

func TestCompleteTruncationMapsToLength(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"model": "test-model",
			"choices": [{"message": {"content": "partial"}, "finish_reason": "length"}]
		}`))
	}, nil)

	resp, err := p.Complete(context.Background(), llm.NewCompletion("long story"))
	require.NoError(t, err)
	assert.Equal(t, llm.FinishLength, resp.FinishReason)
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, llm.ErrCodeAuthentication, false},
		{http.StatusForbidden, llm.ErrCodeAuthentication, false},
		{http.StatusNotFound, llm.ErrCodeModelNotFound, false},
		{http.StatusTooManyRequests, llm.ErrCodeRateLimited, true},
		{http.StatusBadRequest, llm.ErrCodeInvalidRequest, false},
		{http.StatusInternalServerError, llm.ErrCodeUpstream, true},
		{http.StatusServiceUnavailable, llm.ErrCodeUpstream, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}, nil)

			_, err := p.Complete(context.Background(), llm.NewCompletion("hi"))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, llm.CodeOf(err))
			assert.Equal(t, tt.retryable, llm.IsRetryable(err))
		})
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model": "test-model", "choices": []}`))
	}, nil)

	_, err := p.Complete(context.Background(), llm.NewCompletion("hi"))
	require.Error(t, err)
	assert.Equal(t, llm.ErrCodeUpstream, llm.CodeOf(err))
}

func TestStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, true, payload["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(
			`data: {"model":"test-model","choices":[{"delta":{"content":"Hel"}}]}` + "\n\n" +
				`data: {"model":"test-model","choices":[{"delta":{"content":"lo"}}]}` + "\n\n" +
				`data: {"model":"test-model","choices":[{"delta":{}}]}` + "\n\n" +
				"data: [DONE]\n\n"))
	}, nil)

	var chunks []string
	err := p.Stream(context.Background(), llm.NewCompletion("hi"), func(chunk *llm.Response) error {
		chunks = append(chunks, chunk.Content)
		return nil
	})
	require.NoError(t, err)
	// Empty deltas are dropped.
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
}

func TestStreamHandlerErrorStops(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(
			`data: {"choices":[{"delta":{"content":"one"}}]}` + "\n\n" +
				`data: {"choices":[{"delta":{"content":"two"}}]}` + "\n\n" +
				"data: [DONE]\n\n"))
	}, nil)

	calls := 0
	err := p.Stream(context.Background(), llm.NewCompletion("hi"), func(*llm.Response) error {
		calls++
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

func TestBatchCompleteIsolation(t *testing.T) {
	var n atomic.Int64
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(completionBody("ok")))
	}, nil)

	reqs := []*llm.Request{
		llm.NewCompletion("a"),
		llm.NewCompletion("b"),
		llm.NewCompletion("c"),
	}
	responses, err := p.BatchComplete(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, responses, 3)

	assert.False(t, responses[0].IsError())
	assert.True(t, responses[1].IsError())
	assert.False(t, responses[2].IsError())
}

func TestModels(t *testing.T) {
	t.Run("live listing", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/models", r.URL.Path)
			w.Write([]byte(`{"data":[{"id":"m1"},{"id":"m2"}]}`))
		}, nil)

		assert.Equal(t, []string{"m1", "m2"}, p.Models(context.Background()))
	})

	t.Run("falls back to configured table", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}, nil)

		assert.Equal(t, []string{"test-model"}, p.Models(context.Background()))
	})
}

func TestHealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"m1"}]}`))
	}, nil)

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.ModelsAvailable)
}

func TestHealthCheckFailure(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}, nil)

	status, err := p.HealthCheck(context.Background())
	require.Error(t, err)
	require.NotNil(t, status)
	assert.False(t, status.Healthy)
}

func TestCustomHeadersAndPath(t *testing.T) {
	var gotKey string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Custom-Key")
		assert.Equal(t, "/v2/complete", r.URL.Path)
		w.Write([]byte(completionBody("ok")))
	}, func(o *Options) {
		o.EndpointPath = "/v2/complete"
		o.BuildHeaders = func(req *http.Request, cfg providers.Config) {
			req.Header.Set("X-Custom-Key", cfg.APIKey)
		}
	})

	_, err := p.Complete(context.Background(), llm.NewCompletion("hi"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", gotKey)
}

func TestCompletePreservesVendorFinishReason(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"model": "test-model",
			"choices": [{
				"message": {"role": "assistant", "content": ""},
				"finish_reason": "content_filter"
			}]
		}`))
	}, nil)

	resp, err := p.Complete(context.Background(), llm.NewCompletion("hi"))
	require.NoError(t, err)
	assert.Equal(t, "content_filter", resp.FinishReason)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "content_filter", resp.Choices[0].FinishReason)
}
