package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file, expanding ${ENV_VAR} references
// before parsing. Missing file is not an error: defaults plus environment
// overrides are returned so the server can run with zero configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides layers selected environment variables over the file
// configuration. These cover the settings operators most often need to
// change without editing YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Tools.MaxConnections = n
		}
	}
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if cfg.LLM.FallbackAPIKeys == nil {
		cfg.LLM.FallbackAPIKeys = map[string]string{}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.FallbackAPIKeys["anthropic"] == "" {
		cfg.LLM.FallbackAPIKeys["anthropic"] = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.FallbackAPIKeys["openai"] == "" {
		cfg.LLM.FallbackAPIKeys["openai"] = v
	}
}
