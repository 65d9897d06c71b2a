package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
	"golang.org/x/sync/errgroup"
)

type BuildOptions struct {
	Dir         string
	BatchSize   int
	Concurrency int
	// Sink, when set, also receives the vectors (pgvector backend).
	Sink *VectorStore
	// Progress is called with the number of chunks embedded by each finished
	// batch. It may be called from several goroutines.
	Progress func(n int)
	Logger   *log.Logger
}

type BuildReport struct {
	Chunks   int
	Batches  int
	Dim      int
	Model    string
	Duration time.Duration
}

// Build embeds every chunk and writes index.bin, mapping.json and chunks.jsonl
// into opts.Dir. Artifacts are written to a temporary sibling directory and
// renamed into place only once all three are complete.
func Build(ctx context.Context, chunks []models.Chunk, embedder types.Embedder, opts BuildOptions) (*BuildReport, error) {
	start := time.Now()
	logger := logging.OrNop(opts.Logger)

	if opts.Dir == "" {
		return nil, errs.Configuration("index directory is required")
	}
	if len(chunks) == 0 {
		return nil, errs.Configuration("no chunks to index")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if _, err := NewChunkStore(chunks); err != nil {
		return nil, err
	}

	vectors, batches, err := embedAll(ctx, chunks, embedder, opts)
	if err != nil {
		return nil, err
	}

	dim := len(vectors[0])
	index := NewFlatIndex(dim)
	mapping := &Mapping{
		EmbeddingModel: embedder.ModelName(),
		Dimension:      dim,
		IDs:            make(map[int64]string, len(chunks)),
	}
	byID := make(map[int64][]float32, len(chunks))
	for i, c := range chunks {
		id := int64(i)
		if err := index.Add(id, vectors[i]); err != nil {
			return nil, err
		}
		mapping.IDs[id] = c.ID
		byID[id] = vectors[i]
	}

	if err := writeArtifacts(opts.Dir, index, mapping, chunks); err != nil {
		return nil, err
	}

	if opts.Sink != nil {
		if err := opts.Sink.Replace(ctx, mapping, byID); err != nil {
			return nil, fmt.Errorf("failed to load vectors into postgres: %w", err)
		}
	}

	report := &BuildReport{
		Chunks:   len(chunks),
		Batches:  batches,
		Dim:      dim,
		Model:    mapping.EmbeddingModel,
		Duration: time.Since(start),
	}
	logger.Info().
		Int("chunks", report.Chunks).
		Int("dim", report.Dim).
		Str("model", report.Model).
		Dur("took", report.Duration).
		Msg("index built")
	return report, nil
}

func embedAll(ctx context.Context, chunks []models.Chunk, embedder types.Embedder, opts BuildOptions) ([][]float32, int, error) {
	vectors := make([][]float32, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	batches := 0
	for start := 0; start < len(chunks); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(chunks))
		batches++

		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, c := range chunks[start:end] {
				texts = append(texts, c.Text)
			}
			embs, err := embedder.EmbedDocuments(gctx, texts)
			if err != nil {
				return errs.FromContext(fmt.Sprintf("failed to embed chunks %s..%s", chunks[start].ID, chunks[end-1].ID), err)
			}
			if len(embs) != len(texts) {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(embs), len(texts))
			}
			copy(vectors[start:end], embs)
			if opts.Progress != nil {
				opts.Progress(len(texts))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, 0, errs.Configuration("embedder returned empty vectors")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, 0, errs.Configuration("chunk %s embedded with dimension %d, expected %d", chunks[i].ID, len(v), dim)
		}
	}
	return vectors, batches, nil
}

func writeArtifacts(dir string, index *FlatIndex, mapping *Mapping, chunks []models.Chunk) (err error) {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+"-build-")
	if err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmp)
		}
	}()

	f, err := os.Create(filepath.Join(tmp, IndexFile))
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if _, err := index.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := WriteMapping(filepath.Join(tmp, MappingFile), mapping); err != nil {
		return err
	}
	if err := WriteChunksFile(filepath.Join(tmp, ChunksFile), chunks); err != nil {
		return err
	}

	return swapDir(tmp, dir)
}

// swapDir moves tmp into place at dir, keeping the previous contents until the
// rename has succeeded.
func swapDir(tmp, dir string) error {
	prev := tmp + ".prev"
	hadPrev := false
	if _, err := os.Stat(dir); err == nil {
		if err := os.Rename(dir, prev); err != nil {
			return fmt.Errorf("failed to move previous index aside: %w", err)
		}
		hadPrev = true
	}
	if err := os.Rename(tmp, dir); err != nil {
		if hadPrev {
			os.Rename(prev, dir)
		}
		return fmt.Errorf("failed to install index: %w", err)
	}
	if hadPrev {
		os.RemoveAll(prev)
	}
	return nil
}

// Artifacts are the read-only files a Retriever is built from.
type Artifacts struct {
	Index   *FlatIndex
	Mapping *Mapping
	Chunks  *ChunkStore
}

// Open loads the artifacts written by Build.
func Open(dir string, logger *log.Logger) (*Artifacts, error) {
	index, err := LoadFlatIndex(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, err
	}
	mapping, err := LoadMapping(filepath.Join(dir, MappingFile))
	if err != nil {
		return nil, err
	}
	chunks, err := LoadChunkStore(filepath.Join(dir, ChunksFile), logger)
	if err != nil {
		return nil, err
	}
	return &Artifacts{Index: index, Mapping: mapping, Chunks: chunks}, nil
}
