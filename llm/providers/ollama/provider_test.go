package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/providers"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, mutate func(*providers.Config)) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := providers.Config{
		APIBase:      server.URL,
		DefaultModel: "llama3.2:latest",
		KeepAlive:    "5m",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := New(cfg, nil)
	require.NoError(t, err)
	return p.(*Provider)
}

func TestNewIsKeyless(t *testing.T) {
	p, err := New(providers.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
	assert.True(t, p.Capabilities().LocalExecution)
	assert.True(t, p.Capabilities().OfflineCapable)
}

func TestCompleteWireFormat(t *testing.T) {
	var gotPath string
	var gotPayload map[string]any

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))

		w.Write([]byte(`{
			"message": {"role": "assistant", "content": "local answer"},
			"done": true,
			"prompt_eval_count": 15,
			"eval_count": 25,
			"total_duration": 1200000000
		}`))
	}, nil)

	req := llm.NewCompletion("hello").WithMaxTokens(128).WithParameter("top_k", 40)
	req.Normalize()

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "/api/chat", gotPath)
	assert.Equal(t, "llama3.2:latest", gotPayload["model"])
	assert.Equal(t, false, gotPayload["stream"])
	assert.Equal(t, "5m", gotPayload["keep_alive"])

	options := gotPayload["options"].(map[string]any)
	assert.Equal(t, 0.7, options["temperature"])
	assert.Equal(t, float64(128), options["num_predict"])
	assert.Equal(t, float64(40), options["top_k"])

	assert.Equal(t, "local answer", resp.Content)
	assert.Equal(t, llm.Usage{PromptTokens: 15, CompletionTokens: 25}, resp.Usage)
	// Local inference is free.
	assert.Zero(t, resp.Cost)
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
	assert.Equal(t, int64(1200000000), resp.Metadata["total_duration"])
}

func TestCompleteNotDoneMapsToLength(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message": {"content": "partial"}, "done": false}`))
	}, nil)

	resp, err := p.Complete(context.Background(), llm.NewCompletion("hi"))
	require.NoError(t, err)
	assert.Equal(t, llm.FinishLength, resp.FinishReason)
}

func TestCompleteToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload, "tools")

		w.Write([]byte(`{
			"message": {
				"content": "",
				"tool_calls": [{"function": {"name": "get_time", "arguments": {"tz": "UTC"}}}]
			},
			"done": true
		}`))
	}, nil)

	req := llm.NewFunctionCall(
		[]llm.Message{{Role: "user", Content: "what time is it?"}},
		[]llm.FunctionSchema{{Name: "get_time"}},
	)

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.FunctionCall)
	assert.Equal(t, "get_time", resp.FunctionCall.Name)
	assert.JSONEq(t, `{"tz":"UTC"}`, resp.FunctionCall.Arguments)
}

func TestStreamNDJSON(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, true, payload["stream"])

		w.Write([]byte(
			`{"message":{"content":"loc"},"done":false}` + "\n" +
				`{"message":{"content":"al"},"done":false}` + "\n" +
				`{"message":{"content":""},"done":true,"eval_count":2}` + "\n"))
	}, nil)

	var chunks []string
	err := p.Stream(context.Background(), llm.NewCompletion("hi"), func(chunk *llm.Response) error {
		chunks = append(chunks, chunk.Content)
		return nil
	})
	require.NoError(t, err)
	// The final done line has no content and emits nothing.
	assert.Equal(t, []string{"loc", "al"}, chunks)
}

func TestAutoPullTriggersBackgroundPull(t *testing.T) {
	var mu sync.Mutex
	var pulled []string
	pullStarted := make(chan struct{}, 1)

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/show":
			http.Error(w, "model not found", http.StatusNotFound)
		case "/api/pull":
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			mu.Lock()
			pulled = append(pulled, payload["name"].(string))
			mu.Unlock()
			select {
			case pullStarted <- struct{}{}:
			default:
			}
			w.Write([]byte(`{"status": "success"}`))
		case "/api/chat":
			w.Write([]byte(`{"message": {"content": "ok"}, "done": true}`))
		}
	}, func(cfg *providers.Config) {
		cfg.AutoPull = true
	})

	resp, err := p.Complete(context.Background(), llm.NewCompletion("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	select {
	case <-pullStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a background pull for the missing model")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"llama3.2:latest"}, pulled)
}

func TestAutoPullSkipsPresentModel(t *testing.T) {
	var pulls int
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/show":
			w.Write([]byte(`{"size": 123}`))
		case "/api/pull":
			pulls++
			w.Write([]byte(`{"status": "success"}`))
		case "/api/chat":
			w.Write([]byte(`{"message": {"content": "ok"}, "done": true}`))
		}
	}, func(cfg *providers.Config) {
		cfg.AutoPull = true
	})

	_, err := p.Complete(context.Background(), llm.NewCompletion("hi"))
	require.NoError(t, err)
	assert.Zero(t, pulls)
}

func TestModelsFromTags(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models": [{"name": "llama3.2:latest"}, {"name": "qwen2.5:7b"}]}`))
	}, nil)

	assert.Equal(t,
		[]string{"llama3.2:latest", "qwen2.5:7b"},
		p.Models(context.Background()))
}

func TestHealthCheckWithVersion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models": [{"name": "llama3.2:latest"}]}`))
		case "/api/version":
			w.Write([]byte(`{"version": "0.5.7"}`))
		}
	}, nil)

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.ModelsAvailable)
	assert.Equal(t, "0.5.7", status.Details["version"])
}

func TestHealthCheckRuntimeDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // refuse connections

	p, err := New(providers.Config{APIBase: server.URL}, nil)
	require.NoError(t, err)

	status, herr := p.HealthCheck(context.Background())
	require.Error(t, herr)
	assert.False(t, status.Healthy)
}

func TestRemoveModel(t *testing.T) {
	var gotMethod, gotPath string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "old-model", payload["name"])
	}, nil)

	require.NoError(t, p.RemoveModel(context.Background(), "old-model"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/delete", gotPath)
}

func TestRunningModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ps", r.URL.Path)
		w.Write([]byte(`{"models": [{"name": "llama3.2:latest"}]}`))
	}, nil)

	running, err := p.RunningModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest"}, running)
}
