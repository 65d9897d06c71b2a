package retriever

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/llm"
	"github.com/xhad/doctorbot/pkg/logging"
)

// LexicalReranker scores a passage by how many distinct query terms it
// contains, with a small bonus for term density. Scores are in [0, 1].
type LexicalReranker struct{}

func (LexicalReranker) Rerank(_ context.Context, query string, hits []models.RetrievalHit) ([]float64, error) {
	qterms := unique(llm.Terms(query))
	scores := make([]float64, len(hits))
	if len(qterms) == 0 {
		return scores, nil
	}
	for i, h := range hits {
		scores[i] = lexicalScore(qterms, llm.Terms(h.Text))
	}
	return scores, nil
}

func lexicalScore(qterms map[string]struct{}, passage []string) float64 {
	if len(passage) == 0 {
		return 0
	}
	matched := make(map[string]struct{}, len(qterms))
	occurrences := 0
	for _, t := range passage {
		if _, ok := qterms[t]; ok {
			matched[t] = struct{}{}
			occurrences++
		}
	}
	coverage := float64(len(matched)) / float64(len(qterms))
	density := math.Min(1, float64(occurrences)/math.Sqrt(float64(len(passage))))
	return 0.8*coverage + 0.2*density
}

func unique(terms []string) map[string]struct{} {
	out := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		out[t] = struct{}{}
	}
	return out
}

// LLMReranker asks a model to rate each passage. Any failure, or a reply that
// omits passages, falls back to the lexical scores.
type LLMReranker struct {
	LLM    types.LLM
	Logger *log.Logger
}

type rerankReply struct {
	Scores []struct {
		ChunkID string  `json:"chunk_id"`
		Score   float64 `json:"score"`
	} `json:"scores"`
}

const rerankPrompt = `Rate how relevant each passage is to the patient query on a scale from 0 to 1.

Query: %s

Passages:
%s
Respond with JSON: {"scores": [{"chunk_id": "<id>", "score": <0..1>}]} covering every passage.`

func (r LLMReranker) Rerank(ctx context.Context, query string, hits []models.RetrievalHit) ([]float64, error) {
	fallback, _ := LexicalReranker{}.Rerank(ctx, query, hits)
	if r.LLM == nil {
		return fallback, nil
	}
	logger := logging.OrNop(r.Logger)

	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s] %s\n", h.ChunkID, truncate(h.Text, 600))
	}

	var reply rerankReply
	if err := r.LLM.GenerateStructured(ctx, fmt.Sprintf(rerankPrompt, query, b.String()), &reply); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Msg("LLM re-rank failed, using lexical scores")
		return fallback, nil
	}

	byID := make(map[string]float64, len(reply.Scores))
	for _, s := range reply.Scores {
		byID[s.ChunkID] = math.Max(0, math.Min(1, s.Score))
	}
	scores := make([]float64, len(hits))
	for i, h := range hits {
		s, ok := byID[h.ChunkID]
		if !ok {
			logger.Warn().Str("chunk_id", h.ChunkID).Msg("LLM re-rank omitted a passage, using lexical scores")
			return fallback, nil
		}
		scores[i] = s
	}
	return scores, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
