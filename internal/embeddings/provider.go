package embeddings

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/xiy/context-engine/internal/config"
)

// Provider turns text into a dense vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// New selects a provider from configuration. The openai provider needs an API
// key; without one the hash provider is used.
func New(cfg config.Config, logger *log.Logger) (Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Warn("openai embeddings requested without api key; using hash embeddings")
			return NewHash(cfg.EmbeddingDimensions), nil
		}
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions), nil
	case "hash", "":
		return NewHash(cfg.EmbeddingDimensions), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
}
