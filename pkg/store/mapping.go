package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/xhad/doctorbot/pkg/errs"
)

// Mapping ties the index's internal ids to chunk ids and records the embedding
// model the index was built with.
type Mapping struct {
	EmbeddingModel string           `json:"embedding_model"`
	Dimension      int              `json:"dimension"`
	IDs            map[int64]string `json:"ids"`
}

// ChunkID resolves an internal index id.
func (m *Mapping) ChunkID(internal int64) (string, bool) {
	id, ok := m.IDs[internal]
	return id, ok
}

// Keys returns the internal ids in ascending order.
func (m *Mapping) Keys() []int64 {
	keys := make([]int64, 0, len(m.IDs))
	for k := range m.IDs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// CheckKeySpace verifies the mapping and the index ids are in one-to-one
// correspondence.
func (m *Mapping) CheckKeySpace(indexIDs []int64) error {
	if len(indexIDs) != len(m.IDs) {
		return errs.Configuration("mapping has %d entries but index has %d vectors", len(m.IDs), len(indexIDs))
	}
	seen := make(map[int64]struct{}, len(indexIDs))
	for _, id := range indexIDs {
		if _, dup := seen[id]; dup {
			return errs.Configuration("index id %d appears more than once", id)
		}
		seen[id] = struct{}{}
		if _, ok := m.IDs[id]; !ok {
			return errs.Configuration("index id %d has no mapping entry", id)
		}
	}
	return nil
}

// CheckChunks verifies every mapped chunk id exists in the chunk store.
func (m *Mapping) CheckChunks(chunks *ChunkStore) error {
	for _, k := range m.Keys() {
		if id := m.IDs[k]; !chunks.Has(id) {
			return errs.Configuration("mapped chunk %s (index id %d) missing from chunk store", id, k)
		}
	}
	return nil
}

func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configuration("failed to read mapping %s: %v", path, err)
	}
	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Configuration("failed to parse mapping %s: %v", path, err)
	}
	if m.IDs == nil {
		m.IDs = map[int64]string{}
	}
	return &m, nil
}

func WriteMapping(path string, m *Mapping) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write mapping: %w", err)
	}
	return nil
}
