// Package store persists the retrieval artifacts: the chunk store, the id
// mapping, and the vector index, plus the offline build that produces them.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
)

const (
	IndexFile   = "index.bin"
	MappingFile = "mapping.json"
	ChunksFile  = "chunks.jsonl"
)

// ChunkStore is a read-only lookup from chunk id to chunk.
type ChunkStore struct {
	chunks []models.Chunk
	byID   map[string]int
}

// NewChunkStore indexes chunks by id. Duplicate ids are a configuration error.
func NewChunkStore(chunks []models.Chunk) (*ChunkStore, error) {
	s := &ChunkStore{
		chunks: chunks,
		byID:   make(map[string]int, len(chunks)),
	}
	for i, c := range chunks {
		if c.ID == "" {
			return nil, errs.Configuration("chunk at position %d has no id", i)
		}
		if _, dup := s.byID[c.ID]; dup {
			return nil, errs.Configuration("duplicate chunk id %s", c.ID)
		}
		s.byID[c.ID] = i
	}
	return s, nil
}

func (s *ChunkStore) Get(id string) (models.Chunk, bool) {
	i, ok := s.byID[id]
	if !ok {
		return models.Chunk{}, false
	}
	return s.chunks[i], true
}

func (s *ChunkStore) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

func (s *ChunkStore) Len() int { return len(s.chunks) }

// All returns the chunks in their stored order. The slice must not be modified.
func (s *ChunkStore) All() []models.Chunk { return s.chunks }

// ChunkLoadReport counts the records a chunk load read and skipped.
type ChunkLoadReport struct {
	Loaded  int
	Skipped int
}

// ReadChunks decodes one chunk per line, skipping malformed records.
func ReadChunks(r io.Reader, logger *log.Logger) ([]models.Chunk, ChunkLoadReport, error) {
	logger = logging.OrNop(logger)

	var (
		out    []models.Chunk
		report ChunkLoadReport
		line   int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var c models.Chunk
		if err := json.Unmarshal([]byte(text), &c); err != nil || c.ID == "" {
			report.Skipped++
			logger.Warn().Int("line", line).Err(err).Msg("skipping malformed chunk record")
			continue
		}
		out = append(out, c)
		report.Loaded++
	}
	if err := scanner.Err(); err != nil {
		return out, report, fmt.Errorf("failed to read chunks: %w", err)
	}
	return out, report, nil
}

// LoadChunkStore reads a chunks.jsonl file into a ChunkStore.
func LoadChunkStore(path string, logger *log.Logger) (*ChunkStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Configuration("failed to open chunk store %s: %v", path, err)
	}
	defer f.Close()

	chunks, report, err := ReadChunks(f, logger)
	if err != nil {
		return nil, err
	}
	if report.Skipped > 0 {
		logging.OrNop(logger).Warn().Int("skipped", report.Skipped).Str("path", path).Msg("chunk store had malformed records")
	}
	return NewChunkStore(chunks)
}

// WriteChunks writes chunks as JSON lines.
func WriteChunks(w io.Writer, chunks []models.Chunk) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range chunks {
		if err := enc.Encode(&chunks[i]); err != nil {
			return fmt.Errorf("failed to write chunk %s: %w", chunks[i].ID, err)
		}
	}
	return bw.Flush()
}

// WriteChunksFile writes chunks to path, replacing any existing file.
func WriteChunksFile(path string, chunks []models.Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteChunks(f, chunks); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
