package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	switch c.LLM.Provider {
	case "gemini":
		if c.LLM.GeminiAPIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.gemini_api_key",
				Message: "Gemini API key is required when provider is gemini (set GEMINI_API_KEY)",
			})
		}
	case "ollama":
	default:
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider %q", c.LLM.Provider),
		})
	}

	if c.LLM.FallbackProvider != "" && c.LLM.FallbackProvider != "ollama" {
		errors = append(errors, ValidationError{
			Field:   "llm.fallback_provider",
			Message: "fallback_provider must be empty or ollama",
		})
	}

	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	} else if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "invalid Ollama base URL",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 8192",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if c.LLM.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.timeout",
			Message: "timeout must be positive",
		})
	}

	// Validate embedding config
	if c.Embedding.Provider != "ollama" && c.Embedding.Provider != "hash" {
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unknown provider %q", c.Embedding.Provider),
		})
	}

	if c.Embedding.Dimension < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimension",
			Message: "dimension must be positive",
		})
	}

	if c.Embedding.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Validate index config
	switch c.Index.Backend {
	case "flat":
	case "pgvector":
		if _, err := url.Parse(c.Index.DatabaseURL); err != nil || c.Index.DatabaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "index.database_url",
				Message: "invalid database URL",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "index.backend",
			Message: fmt.Sprintf("unknown backend %q", c.Index.Backend),
		})
	}

	// Validate chunker config
	if c.Chunker.TargetTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "chunker.target_tokens",
			Message: "target_tokens must be positive",
		})
	}

	if c.Chunker.OverlapSentences < 0 {
		errors = append(errors, ValidationError{
			Field:   "chunker.overlap_sentences",
			Message: "overlap_sentences must be non-negative",
		})
	}

	// Validate retrieval config
	if c.Retrieval.TopK < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.top_k",
			Message: "top_k must be positive",
		})
	}

	if c.Retrieval.Reranker != "lexical" && c.Retrieval.Reranker != "llm" {
		errors = append(errors, ValidationError{
			Field:   "retrieval.reranker",
			Message: "reranker must be lexical or llm",
		})
	}

	// Validate judge thresholds
	if c.Judge.ReviseThreshold < 0 || c.Judge.ApproveThreshold > 1 || c.Judge.ReviseThreshold > c.Judge.ApproveThreshold {
		errors = append(errors, ValidationError{
			Field:   "judge.thresholds",
			Message: "thresholds must satisfy 0 <= revise_threshold <= approve_threshold <= 1",
		})
	}

	return errors
}
