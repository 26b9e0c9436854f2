package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_RejectsNoEnabledProviders(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.MCP.Bitbucket.Endpoint = "https://bitbucket.example.com"
	cfg.Orchestration.Mode = "single"
	cfg.Orchestration.ActiveProvider = "openai"

	err := cfg.Validate()
	assert.ErrorContains(t, err, "at least one provider must be enabled")
}

func TestValidate_ConsensusRequiresThresholdWithinBounds(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.MCP.Bitbucket.Endpoint = "https://bitbucket.example.com"
	cfg.Providers = []ProviderConfig{
		{Type: "openai", DisplayName: "openai", APIKey: "k", Enabled: true},
	}
	cfg.Orchestration.Mode = "consensus"
	cfg.Orchestration.ConsensusThreshold = 2

	err := cfg.Validate()
	assert.ErrorContains(t, err, "cannot exceed")
}

func TestValidate_AcceptsWellFormedSingleMode(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.MCP.Bitbucket.Endpoint = "https://bitbucket.example.com"
	cfg.Providers = []ProviderConfig{
		{Type: "openai", DisplayName: "openai", APIKey: "k", Enabled: true},
	}
	cfg.Orchestration.Mode = "single"
	cfg.Orchestration.ActiveProvider = "openai"

	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsUnknownMode(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.MCP.Bitbucket.Endpoint = "https://bitbucket.example.com"
	cfg.Providers = []ProviderConfig{{Type: "openai", DisplayName: "openai", APIKey: "k", Enabled: true}}
	cfg.Orchestration.Mode = "fanout"

	assert.ErrorContains(t, cfg.Validate(), "unknown orchestration mode")
}

func TestGetLogLevel_DefaultsToInfo(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "INFO", cfg.GetLogLevel().String())
}
