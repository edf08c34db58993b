package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ProviderConfig selects and configures one provider.
type ProviderConfig struct {
	// Provider is one of anthropic, openai, gemini, openrouter, mock.
	Provider string
	APIKey   string
	Model    string
	BaseURL  string

	// Timeout bounds a single request. Zero means no per-request deadline.
	Timeout time.Duration
}

// Validate checks that the selected provider has what it needs.
func (c ProviderConfig) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "gemini", "openrouter":
		if c.APIKey == "" {
			return fmt.Errorf("an API key is required for the %s provider", c.Provider)
		}
	case "mock":
	default:
		return fmt.Errorf("unknown LLM provider: %q", c.Provider)
	}
	return nil
}

// NewProvider creates a Provider from configuration, wrapped with logging
// and the per-request timeout. Retries are left to the caller.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	var base Provider
	var err error

	switch cfg.Provider {
	case "anthropic":
		base, err = NewAnthropicProvider(cfg)
	case "openai":
		base, err = NewOpenAIProvider(cfg)
	case "openrouter":
		base, err = NewOpenRouterProvider(cfg)
	case "gemini":
		base, err = NewGeminiProvider(ctx, cfg)
	case "mock":
		base = NewMockProvider()
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", cfg.Provider, err)
	}

	return WithTimeout(WithLogging(base, logger), cfg.Timeout), nil
}

// EmbedderConfig selects the embeddings backend.
type EmbedderConfig struct {
	// Provider is openai or hash.
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// NewEmbedder creates an Embedder from configuration.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embeddings provider: %q", cfg.Provider)
	}
}
