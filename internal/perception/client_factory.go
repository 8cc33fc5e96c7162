package perception

import (
	"fmt"

	"tunesmith/internal/config"
)

// Provider identifies a text-completion provider.
type Provider string

const (
	ProviderQwen   Provider = "qwen"
	ProviderOpenAI Provider = "openai"
	ProviderZhipu  Provider = "zhipu"
)

// NewClientFromConfig creates an LLM client from the provider named in the
// configuration. Unknown providers are rejected at startup rather than
// discovered at call time.
func NewClientFromConfig(cfg config.LLMConfig) (LLMClient, error) {
	switch Provider(cfg.Provider) {
	case ProviderQwen:
		qc := DefaultQwenConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			qc.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			qc.Model = cfg.Model
		}
		if cfg.Timeout > 0 {
			qc.Timeout = cfg.Timeout
		}
		if cfg.MaxRetries > 0 {
			qc.MaxRetries = cfg.MaxRetries
		}
		return NewQwenClient(qc), nil

	case ProviderOpenAI:
		oc := DefaultOpenAIConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			oc.Model = cfg.Model
		}
		if cfg.Timeout > 0 {
			oc.Timeout = cfg.Timeout
		}
		if cfg.MaxRetries > 0 {
			oc.MaxRetries = cfg.MaxRetries
		}
		return NewOpenAIClient(oc), nil

	case ProviderZhipu:
		zc := DefaultZhipuConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			zc.Endpoint = cfg.BaseURL
		}
		if cfg.Model != "" {
			zc.Model = cfg.Model
		}
		if cfg.Timeout > 0 {
			zc.Timeout = cfg.Timeout
		}
		if cfg.MaxRetries > 0 {
			zc.MaxRetries = cfg.MaxRetries
		}
		return NewZhipuClient(zc), nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q (supported: qwen, openai, zhipu)", cfg.Provider)
	}
}
