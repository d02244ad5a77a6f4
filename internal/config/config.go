// Package config loads and validates the Relay server configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the Relay server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig holds bearer-token settings. An empty secret disables JWT
// validation; callers then identify themselves via the X-User-Id header only.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LLMConfig describes the model catalog and provider credentials.
type LLMConfig struct {
	// Models is the catalog of models this gateway will proxy to.
	Models []ModelConfig `yaml:"models"`

	// FallbackAPIKeys maps provider name to the key substituted for
	// keyless-tier models when the caller supplies none.
	FallbackAPIKeys map[string]string `yaml:"fallback_api_keys"`

	// MaxTokens is the default completion budget when a request does not
	// set one.
	MaxTokens int `yaml:"max_tokens"`
}

// ModelConfig is one catalog entry.
type ModelConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`

	// RequiresAPIKey marks models for which the caller must bring their
	// own key; the fallback key is never substituted for these.
	RequiresAPIKey bool `yaml:"requires_api_key"`
}

// ToolsConfig governs tool-server subprocess connections.
type ToolsConfig struct {
	// MaxConnections is the process-wide ceiling on concurrently open
	// tool-server connections across all sessions.
	MaxConnections int `yaml:"max_connections"`

	// HandshakeTimeout bounds the capability-discovery round trip so a
	// hung subprocess cannot hold a connection slot forever.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// CallTimeout bounds individual tool calls.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// SessionConfig governs the in-memory session store.
type SessionConfig struct {
	// IdleTTL is how long a session may sit idle before the sweeper
	// tears down its connections and discards it.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8081,
		},
		LLM: LLMConfig{
			Models: []ModelConfig{
				{ID: "claude-sonnet-4-20250514", Provider: "anthropic"},
				{ID: "claude-opus-4-20250514", Provider: "anthropic", RequiresAPIKey: true},
				{ID: "gpt-4o", Provider: "openai"},
				{ID: "gpt-4o-mini", Provider: "openai"},
			},
			MaxTokens: 4096,
		},
		Tools: ToolsConfig{
			MaxConnections:   10,
			HandshakeTimeout: 15 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Session: SessionConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Tools.MaxConnections <= 0 {
		return fmt.Errorf("tools.max_connections must be positive, got %d", c.Tools.MaxConnections)
	}
	seen := map[string]bool{}
	for i, m := range c.LLM.Models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return fmt.Errorf("llm.models[%d]: id is required", i)
		}
		if strings.TrimSpace(m.Provider) == "" {
			return fmt.Errorf("llm.models[%d] (%s): provider is required", i, id)
		}
		if seen[id] {
			return fmt.Errorf("llm.models: duplicate model id %q", id)
		}
		seen[id] = true
	}
	return nil
}

// Model looks up a catalog entry by model id.
func (c *Config) Model(id string) (ModelConfig, bool) {
	for _, m := range c.LLM.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}
