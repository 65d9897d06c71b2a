package types

import (
	"context"

	"github.com/xhad/doctorbot/internal/models"
)

// Core interfaces

// Tokenizer counts and truncates text under a fixed vocabulary.
type Tokenizer interface {
	Count(text string) (int, error)
	Truncate(text string, maxTokens int) (string, error)
}

// Embedder turns text into vectors. ModelName identifies the model and version
// so that an index can be matched to the embedder that built it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// LLM is the text generation capability used by the agents and the judge.
// GenerateStructured decodes a JSON response into out.
type LLM interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateStructured(ctx context.Context, prompt string, out any) error
}

// Neighbor is one result of a vector index search.
type Neighbor struct {
	InternalID int64
	Score      float64
}

// VectorIndex is a read-only nearest-neighbour index over chunk vectors.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, k int) ([]Neighbor, error)
	IDs() []int64
	Dim() int
}

// Reranker rescores candidate hits for a query; scores are in [0, 1].
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []models.RetrievalHit) ([]float64, error)
}

// Validator is implemented by structured outputs that can check themselves.
type Validator interface {
	Validate() error
}
