// Package retriever finds the chunks most relevant to a patient query.
package retriever

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
	"github.com/xhad/doctorbot/pkg/store"
)

type Options struct {
	// RerankCandidates is the candidate pool searched before re-ranking.
	RerankCandidates int
	EmbedTimeout     time.Duration
	Reranker         types.Reranker
	Logger           *log.Logger
}

// Retriever is immutable after New and safe for concurrent use.
type Retriever struct {
	index    types.VectorIndex
	mapping  *store.Mapping
	chunks   *store.ChunkStore
	embedder types.Embedder
	opts     Options
	logger   *log.Logger
}

// New checks that the index, mapping, chunk store and embedder belong together.
func New(index types.VectorIndex, mapping *store.Mapping, chunks *store.ChunkStore, embedder types.Embedder, opts Options) (*Retriever, error) {
	if index == nil || mapping == nil || chunks == nil || embedder == nil {
		return nil, errs.Configuration("retriever needs an index, a mapping, a chunk store and an embedder")
	}
	if err := mapping.CheckKeySpace(index.IDs()); err != nil {
		return nil, err
	}
	if err := mapping.CheckChunks(chunks); err != nil {
		return nil, err
	}
	if got := embedder.ModelName(); got != mapping.EmbeddingModel {
		return nil, errs.Configuration("index was built with embedding model %q but the embedder is %q", mapping.EmbeddingModel, got)
	}
	if mapping.Dimension > 0 && index.Dim() != mapping.Dimension {
		return nil, errs.Configuration("index dimension %d does not match mapping dimension %d", index.Dim(), mapping.Dimension)
	}

	if opts.RerankCandidates <= 0 {
		opts.RerankCandidates = 20
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 30 * time.Second
	}
	if opts.Reranker == nil {
		opts.Reranker = LexicalReranker{}
	}

	return &Retriever{
		index:    index,
		mapping:  mapping,
		chunks:   chunks,
		embedder: embedder,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger),
	}, nil
}

// FromArtifacts builds a Retriever over the files written by store.Build.
func FromArtifacts(art *store.Artifacts, embedder types.Embedder, opts Options) (*Retriever, error) {
	return New(art.Index, art.Mapping, art.Chunks, embedder, opts)
}

// Retrieve returns at most topK hits ordered by non-increasing score. With
// useReranker the re-ranker's score replaces the vector similarity.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, useReranker bool) ([]models.RetrievalHit, error) {
	if topK <= 0 {
		return nil, errs.Configuration("top_k must be positive, got %d", topK)
	}
	if strings.TrimSpace(query) == "" {
		return nil, errs.BadRequest("query is empty")
	}

	start := time.Now()
	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	k := topK
	if useReranker {
		k = max(topK, r.opts.RerankCandidates)
	}
	neighbors, err := r.index.Search(ctx, vec, k)
	if err != nil {
		return nil, errs.FromContext("vector search", err)
	}

	hits := make([]models.RetrievalHit, 0, len(neighbors))
	for _, n := range neighbors {
		id, ok := r.mapping.ChunkID(n.InternalID)
		if !ok {
			return nil, errs.Configuration("index returned id %d with no mapping entry", n.InternalID)
		}
		c, ok := r.chunks.Get(id)
		if !ok {
			return nil, errs.Configuration("mapped chunk %s missing from chunk store", id)
		}
		hits = append(hits, models.RetrievalHit{ChunkID: id, Score: n.Score, Text: c.Text, Metadata: c.Metadata})
	}

	if useReranker && len(hits) > 0 {
		scores, err := r.opts.Reranker.Rerank(ctx, query, hits)
		if err != nil {
			return nil, errs.FromContext("re-rank", err)
		}
		if len(scores) != len(hits) {
			return nil, errs.Configuration("re-ranker returned %d scores for %d hits", len(scores), len(hits))
		}
		for i := range hits {
			hits[i].Score = scores[i]
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	r.logger.Debug().
		Int("top_k", topK).
		Bool("rerank", useReranker).
		Int("hits", len(hits)).
		Dur("took", time.Since(start)).
		Msg("retrieval")
	return hits, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.EmbedTimeout)
	defer cancel()

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, errs.FromContext("embed query", err)
	}
	if len(vec) != r.index.Dim() {
		return nil, errs.Configuration("embedder returned dimension %d, index expects %d", len(vec), r.index.Dim())
	}
	return vec, nil
}

// Len reports how many chunks are searchable.
func (r *Retriever) Len() int { return len(r.mapping.IDs) }
