package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/doctorbot/pkg/errs"
)

// EmbedderConfig represents the configuration for an Ollama embedder.
type EmbedderConfig struct {
	Model     string
	BaseURL   string // Ollama server URL
	BatchSize int
}

// Embedder embeds text through Ollama using langchaingo's batching embedder.
type Embedder struct {
	config EmbedderConfig
	embed  *embeddings.EmbedderImpl
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest" // Default Ollama model
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	client, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(config.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return &Embedder{config: config, embed: emb}, nil
}

// ModelName identifies the model recorded in the index mapping.
func (e *Embedder) ModelName() string { return "ollama/" + e.config.Model }

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.embed.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classify("ollama embeddings", err)
	}
	return vecs, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embed.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classify("ollama embeddings", err)
	}
	if len(vec) == 0 {
		return nil, errs.Generation("empty embedding for query")
	}
	return vec, nil
}
