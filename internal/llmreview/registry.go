package llmreview

import (
	"fmt"
	"os"
	"strings"

	"github.com/hvo-labs/ai-code-review/internal/config"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

// New constructs a Provider Port backend from a single provider config
// entry, dispatching on cfg.Type (spec.md 9: "unknown tags fail
// construction with a precise message").
func New(cfg config.ProviderConfig) (provider.Port, error) {
	instructions, err := loadInstructions(cfg.CustomInstructionsPath)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.DisplayName, err)
	}

	switch strings.ToLower(cfg.Type) {
	case "openai":
		return NewOpenAIBackend(cfg.DisplayName, cfg.Endpoint, cfg.APIKey, cfg.Model, instructions), nil
	case "adk-agent":
		return NewADKBackend(cfg.DisplayName, cfg.Endpoint, cfg.APIKey, cfg.Model, instructions), nil
	case "langchain":
		return NewLangChainBackend(cfg.DisplayName, cfg.Endpoint, cfg.APIKey, cfg.Model, instructions)
	default:
		return nil, &provider.ErrUnknownProviderType{Tag: cfg.Type}
	}
}

// NewAll constructs one backend per enabled entry in cfgs, stopping at the
// first construction failure.
func NewAll(cfgs []config.ProviderConfig) ([]provider.Port, error) {
	var ports []provider.Port
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		p, err := New(c)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// loadInstructions reads a provider's custom system instruction file, if
// configured. A missing path is not an error: every backend falls back to
// defaultSystemInstruction.
func loadInstructions(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read custom instructions %s: %w", path, err)
	}
	return string(data), nil
}
