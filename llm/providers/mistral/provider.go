// Package mistral provides the Mistral AI adapter. The API speaks the
// OpenAI chat-completions dialect, so this is a thin wrapper.
package mistral

import (
	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/providers"
	"github.com/peoplecore/llmgateway/llm/providers/openaicompat"
)

const (
	Name          = "mistral"
	defaultBase   = "https://api.mistral.ai/v1"
	fallbackModel = "mistral-small-latest"
)

// New builds the Mistral provider.
func New(cfg providers.Config, logger *zap.Logger) (llm.Provider, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultBase
	}
	return openaicompat.New(openaicompat.Options{
		ProviderName:  Name,
		Config:        cfg,
		FallbackModel: fallbackModel,
		RequireAPIKey: true,
		Capabilities: llm.Capabilities{
			TextGeneration:  true,
			Chat:            true,
			FunctionCalling: true,
			JSONMode:        true,
			Streaming:       true,
		},
		Logger: logger,
	})
}
