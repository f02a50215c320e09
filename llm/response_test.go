package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want int
	}{
		{
			name: "clean response",
			resp: &Response{Content: "a perfectly fine answer", FinishReason: FinishStop, ResponseTime: time.Second},
			want: 100,
		},
		{
			name: "truncated",
			resp: &Response{Content: "a perfectly fine answer", FinishReason: FinishLength, ResponseTime: time.Second},
			want: 80,
		},
		{
			name: "slow",
			resp: &Response{Content: "a perfectly fine answer", FinishReason: FinishStop, ResponseTime: 11 * time.Second},
			want: 90,
		},
		{
			name: "near empty content",
			resp: &Response{Content: "ok", FinishReason: FinishStop, ResponseTime: time.Second},
			want: 85,
		},
		{
			name: "all penalties",
			resp: &Response{Content: "ok", FinishReason: FinishLength, ResponseTime: 11 * time.Second},
			want: 55,
		},
		{
			name: "error always zero",
			resp: NewErrorResponse("boom", "m", "p"),
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.QualityScore())
			// Scoring is pure: repeated calls agree.
			assert.Equal(t, tt.want, tt.resp.QualityScore())
		})
	}
}

func TestErrorResponse(t *testing.T) {
	resp := NewErrorResponse("upstream exploded", "gpt-4o-mini", "openai")
	assert.True(t, resp.IsError())
	assert.Equal(t, FinishError, resp.FinishReason)
	assert.Equal(t, "upstream exploded", resp.Metadata["error"])
}

func TestMergeConcatenatesChunks(t *testing.T) {
	acc := NewStreamChunk("Hello, ", "m", "ollama")
	acc.Merge(NewStreamChunk("world", "m", "ollama"))
	final := &Response{Content: "!", Usage: Usage{PromptTokens: 5, CompletionTokens: 3}, FinishReason: FinishStop}
	acc.Merge(final)

	assert.Equal(t, "Hello, world!", acc.Content)
	assert.Equal(t, 8, acc.TokensUsed())
	assert.Equal(t, FinishStop, acc.FinishReason)
	assert.Equal(t, true, acc.Metadata["streaming"])
}

func TestMergeNil(t *testing.T) {
	resp := NewResponse("x", "m", "p")
	assert.Same(t, resp, resp.Merge(nil))
	assert.Equal(t, "x", resp.Content)
}

func TestStreamChunkMarksStreaming(t *testing.T) {
	chunk := NewStreamChunk("partial", "m", "openai")
	assert.Equal(t, true, chunk.Metadata["streaming"])
	assert.False(t, chunk.IsError())
}
