// Package openai provides the OpenAI chat-completions adapter.
package openai

import (
	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/providers"
	"github.com/peoplecore/llmgateway/llm/providers/openaicompat"
)

const (
	Name          = "openai"
	defaultBase   = "https://api.openai.com/v1"
	fallbackModel = "gpt-4o-mini"
)

// New builds the OpenAI provider. A missing API key is a configuration
// error surfaced at gateway init.
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
			Vision:          true,
			Streaming:       true,
		},
		Logger: logger,
	})
}
