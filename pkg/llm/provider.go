package llm

import (
	"context"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/config"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
)

// New builds the configured LLM, wrapping it with the fallback provider when
// one is configured. A primary that cannot be constructed is skipped in favour
// of the fallback.
func New(ctx context.Context, cfg config.LLMConfig, logger *log.Logger) (types.LLM, error) {
	logger = logging.OrNop(logger)

	primary, perr := newProvider(ctx, cfg.Provider, cfg, logger)
	if cfg.FallbackProvider == "" || cfg.FallbackProvider == cfg.Provider {
		return primary, perr
	}

	secondary, serr := newProvider(ctx, cfg.FallbackProvider, cfg, logger)
	switch {
	case perr != nil && serr != nil:
		return nil, perr
	case perr != nil:
		logger.Warn().Err(perr).Str("fallback", cfg.FallbackProvider).Msg("primary LLM unavailable, using fallback only")
		return secondary, nil
	case serr != nil:
		logger.Warn().Err(serr).Msg("fallback LLM unavailable")
		return primary, nil
	}
	return &Fallback{Primary: primary, Secondary: secondary, Logger: logger}, nil
}

func newProvider(ctx context.Context, name string, cfg config.LLMConfig, logger *log.Logger) (types.LLM, error) {
	switch name {
	case "gemini":
		g, err := NewGemini(ctx, GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GeminiModel,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
			RateLimit:   cfg.RateLimit,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	case "ollama":
		c, err := NewWithConfig(ChatConfig{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
			RateLimit:   cfg.RateLimit,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errs.Configuration("unknown LLM provider %q", name)
	}
}

// NewEmbedder builds the configured embedding model.
func NewEmbedder(cfg config.EmbeddingConfig) (types.Embedder, error) {
	switch cfg.Provider {
	case "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	case "ollama", "":
		emb, err := NewEmbedderWithConfig(EmbedderConfig{
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			BatchSize: cfg.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		return emb, nil
	default:
		return nil, errs.Configuration("unknown embedding provider %q", cfg.Provider)
	}
}
