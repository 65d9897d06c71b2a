package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic hashed bag-of-words embedder. It needs no
// model server, so indexes can be built and queried offline.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) ModelName() string { return fmt.Sprintf("hash-bow/v1-%d", h.dim) }

func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.embed(text), nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dim)
	for _, term := range Terms(text) {
		f := fnv.New64a()
		f.Write([]byte(term))
		sum := f.Sum64()
		bucket := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	return vec
}

// Terms lowercases text and splits it into alphanumeric words, dropping
// common English stop words.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopWords[f]; !stop {
			out = append(out, f)
		}
	}
	return out
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {}, "is": {}, "it": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "was": {},
	"with": {}, "what": {}, "when": {}, "which": {}, "who": {}, "why": {}, "how": {},
}
