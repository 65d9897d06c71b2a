package models

import "fmt"

// Section is one titled span of the reference text as produced by the upstream parser.
type Section struct {
	Chapter   string `json:"chapter"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
}

type ChunkMeta struct {
	ID           string `json:"id"`
	Chapter      string `json:"chapter"`
	SectionTitle string `json:"section"`
	PageStart    int    `json:"page_start"`
	PageEnd      int    `json:"page_end"`
	TokenCount   int    `json:"token_count"`
}

// Chunk is a bounded, retrievable unit of reference text.
type Chunk struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Metadata ChunkMeta `json:"metadata"`
}

// ChunkID formats the sequence number n as a chunk id (chunk_000001).
func ChunkID(n int) string {
	return fmt.Sprintf("chunk_%06d", n)
}

// RetrievalHit is a chunk returned by retrieval together with its relevance score.
// Score is cosine similarity in [-1, 1] for vector search, or the re-ranker's
// score in [0, 1] when re-ranking was requested.
type RetrievalHit struct {
	ChunkID  string    `json:"chunk_id"`
	Score    float64   `json:"score"`
	Text     string    `json:"text"`
	Metadata ChunkMeta `json:"metadata"`
}

// HitIDs returns the set of chunk ids present in hits.
func HitIDs(hits []RetrievalHit) map[string]struct{} {
	ids := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		ids[h.ChunkID] = struct{}{}
	}
	return ids
}

type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}
