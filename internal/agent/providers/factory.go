package providers

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/config"
)

// Resolution failures callers map to request-validation errors.
var (
	ErrUnknownModel    = errors.New("unknown model")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrMissingAPIKey   = errors.New("no API key available for model")
)

// Factory constructs LLM providers from the model catalog. Providers are
// built per request because the API key may come from the caller rather
// than process configuration.
type Factory struct {
	cfg *config.Config
}

// NewFactory creates a factory backed by the given configuration.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg}
}

// Resolve returns a provider for the model. A caller-supplied key always
// wins; for keyless-tier models the configured fallback key for the
// model's provider is substituted when the caller brings none. Models
// marked requires_api_key never fall back.
func (f *Factory) Resolve(modelID, callerKey string) (agent.LLMProvider, error) {
	mc, ok := f.cfg.Model(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	key := callerKey
	if key == "" {
		if mc.RequiresAPIKey {
			return nil, fmt.Errorf("%w: %s requires a caller-supplied key", ErrMissingAPIKey, modelID)
		}
		key = f.cfg.LLM.FallbackAPIKeys[mc.Provider]
	}
	if key == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, modelID)
	}

	switch mc.Provider {
	case "anthropic":
		return NewAnthropicProvider(key)
	case "openai":
		return NewOpenAIProvider(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, mc.Provider)
	}
}
