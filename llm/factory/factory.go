// Package factory maps provider identifiers to constructors, so new
// vendors can be plugged in without touching gateway wiring.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/peoplecore/llmgateway/llm"
	"github.com/peoplecore/llmgateway/llm/providers"
	"github.com/peoplecore/llmgateway/llm/providers/anthropic"
	"github.com/peoplecore/llmgateway/llm/providers/google"
	"github.com/peoplecore/llmgateway/llm/providers/mistral"
	"github.com/peoplecore/llmgateway/llm/providers/ollama"
	"github.com/peoplecore/llmgateway/llm/providers/openai"
)

// Constructor builds a provider from its configuration block.
type Constructor func(cfg providers.Config, logger *zap.Logger) (llm.Provider, error)

var (
	mu           sync.RWMutex
	constructors = map[string]Constructor{
		openai.Name:    openai.New,
		anthropic.Name: anthropic.New,
		google.Name:    google.New,
		mistral.Name:   mistral.New,
		ollama.Name:    ollama.New,
	}
)

// Register adds a constructor under name, replacing any previous one.
// Tests and embedders use this to install custom vendors.
func Register(name string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	constructors[name] = ctor
}

// New builds the provider registered under name.
func New(name string, cfg providers.Config, logger *zap.Logger) (llm.Provider, error) {
	mu.RLock()
	ctor, ok := constructors[name]
	mu.RUnlock()
	if !ok {
		return nil, llm.NewError(llm.ErrCodeConfiguration,
			fmt.Sprintf("unknown provider %q (known: %v)", name, Known()))
	}
	return ctor(cfg, logger)
}

// Known returns the registered provider names in sorted order.
func Known() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
