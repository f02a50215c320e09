package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/providers"
)

func TestKnownIncludesBuiltins(t *testing.T) {
	known := Known()
	for _, name := range []string{"anthropic", "google", "mistral", "ollama", "openai"} {
		assert.Contains(t, known, name)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("definitely-not-a-vendor", providers.Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, llm.ErrCodeConfiguration, llm.CodeOf(err))
	assert.Contains(t, err.Error(), "openai")
}

func TestNewBuildsBuiltin(t *testing.T) {
	p, err := New("ollama", providers.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
}

type customProvider struct{ llm.Provider }

func (customProvider) Name() string { return "custom" }

func TestRegisterCustomConstructor(t *testing.T) {
	Register("custom", func(cfg providers.Config, logger *zap.Logger) (llm.Provider, error) {
		return customProvider{}, nil
	})

	p, err := New("custom", providers.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "custom", p.Name())

	assert.Contains(t, Known(), "custom")
}
