package store_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/store"
)

// axisEmbedder maps known keywords to axis-aligned vectors.
type axisEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

var axes = []string{"chest", "fever", "rash", "cough"}

func (e *axisEmbedder) vector(text string) []float32 {
	v := make([]float32, len(axes))
	lower := strings.ToLower(text)
	for i, a := range axes {
		if strings.Contains(lower, a) {
			v[i] = 1
		}
	}
	return v
}

func (e *axisEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *axisEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e *axisEmbedder) ModelName() string { return "axis-test:v1" }

func testChunks() []models.Chunk {
	texts := []string{
		"Chest pain radiating to the arm.",
		"Fever with chills.",
		"Rash on the forearm.",
		"Cough lasting weeks.",
		"Chest tightness and cough.",
	}
	out := make([]models.Chunk, len(texts))
	for i, t := range texts {
		id := models.ChunkID(i + 1)
		out[i] = models.Chunk{ID: id, Text: t, Metadata: models.ChunkMeta{ID: id, Chapter: "General", SectionTitle: "S", PageStart: i, PageEnd: i}}
	}
	return out
}

func TestFlatIndexSearch(t *testing.T) {
	idx := store.NewFlatIndex(3)
	require.NoError(t, idx.Add(10, []float32{1, 0, 0}))
	require.NoError(t, idx.Add(11, []float32{0, 1, 0}))
	require.NoError(t, idx.Add(12, []float32{2, 0, 0}))
	require.NoError(t, idx.Add(13, []float32{-1, 0, 0}))

	got, err := idx.Search(context.Background(), []float32{5, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// 10 and 12 tie at 1.0 and keep insertion order.
	assert.Equal(t, int64(10), got[0].InternalID)
	assert.Equal(t, int64(12), got[1].InternalID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.InDelta(t, 0.0, got[2].Score, 1e-6)

	all, err := idx.Search(context.Background(), []float32{1, 0, 0}, 100)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.InDelta(t, -1.0, all[3].Score, 1e-6)

	_, err = idx.Search(context.Background(), []float32{1, 0}, 1)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = idx.Search(context.Background(), []float32{1, 0, 0}, 0)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.ErrorIs(t, idx.Add(14, []float32{1}), errs.ErrConfiguration)
}

func TestFlatIndexRoundTrip(t *testing.T) {
	idx := store.NewFlatIndex(2)
	require.NoError(t, idx.Add(0, []float32{3, 4}))
	require.NoError(t, idx.Add(1, []float32{0, 1}))

	var buf bytes.Buffer
	_, err := idx.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := store.ReadFlatIndex(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Dim())
	assert.Equal(t, []int64{0, 1}, loaded.IDs())

	got, err := loaded.Search(context.Background(), []float32{0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got[0].InternalID)

	_, err = store.ReadFlatIndex(strings.NewReader("garbage!garbage!garbage!"))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestFlatIndexCorruptHeader(t *testing.T) {
	idx := store.NewFlatIndex(2)
	require.NoError(t, idx.Add(0, []float32{3, 4}))
	var buf bytes.Buffer
	_, err := idx.WriteTo(&buf)
	require.NoError(t, err)
	valid := buf.Bytes()

	// header layout: magic[4] version u32 dim u32 count u64
	hugeCount := bytes.Clone(valid)
	binary.LittleEndian.PutUint64(hugeCount[12:20], 1<<62)
	_, err = store.ReadFlatIndex(bytes.NewReader(hugeCount))
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	hugeDim := bytes.Clone(valid)
	binary.LittleEndian.PutUint32(hugeDim[8:12], 1<<31)
	_, err = store.ReadFlatIndex(bytes.NewReader(hugeDim))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestMappingChecks(t *testing.T) {
	cs, err := store.NewChunkStore(testChunks()[:2])
	require.NoError(t, err)

	m := &store.Mapping{EmbeddingModel: "m", Dimension: 4, IDs: map[int64]string{0: "chunk_000001", 1: "chunk_000002"}}
	assert.NoError(t, m.CheckKeySpace([]int64{1, 0}))
	assert.NoError(t, m.CheckChunks(cs))

	assert.ErrorIs(t, m.CheckKeySpace([]int64{0}), errs.ErrConfiguration)
	assert.ErrorIs(t, m.CheckKeySpace([]int64{0, 5}), errs.ErrConfiguration)
	assert.ErrorIs(t, m.CheckKeySpace([]int64{0, 0}), errs.ErrConfiguration)

	m.IDs[1] = "chunk_000999"
	assert.ErrorIs(t, m.CheckChunks(cs), errs.ErrConfiguration)
}

func TestChunkStore(t *testing.T) {
	chunks := testChunks()
	var buf bytes.Buffer
	require.NoError(t, store.WriteChunks(&buf, chunks))
	buf.WriteString("{broken\n\n")

	read, report, err := store.ReadChunks(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, chunks, read)
	assert.Equal(t, 5, report.Loaded)
	assert.Equal(t, 1, report.Skipped)

	cs, err := store.NewChunkStore(read)
	require.NoError(t, err)
	c, ok := cs.Get("chunk_000003")
	require.True(t, ok)
	assert.Equal(t, "Rash on the forearm.", c.Text)
	_, ok = cs.Get("chunk_000999")
	assert.False(t, ok)

	_, err = store.NewChunkStore(append(read, read[0]))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestBuildAndOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "processed")
	emb := &axisEmbedder{}

	var (
		mu       sync.Mutex
		progress int
	)
	report, err := store.Build(context.Background(), testChunks(), emb, store.BuildOptions{
		Dir:         dir,
		BatchSize:   2,
		Concurrency: 2,
		Progress: func(n int) {
			mu.Lock()
			progress += n
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Chunks)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 4, report.Dim)
	assert.Equal(t, 5, progress)
	assert.Equal(t, 3, emb.calls)

	art, err := store.Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "axis-test:v1", art.Mapping.EmbeddingModel)
	assert.Equal(t, 4, art.Mapping.Dimension)
	assert.NoError(t, art.Mapping.CheckKeySpace(art.Index.IDs()))
	assert.NoError(t, art.Mapping.CheckChunks(art.Chunks))

	q, _ := emb.EmbedQuery(context.Background(), "rash")
	hits, err := art.Index.Search(context.Background(), q, 1)
	require.NoError(t, err)
	id, ok := art.Mapping.ChunkID(hits[0].InternalID)
	require.True(t, ok)
	assert.Equal(t, "chunk_000003", id)
}

func TestBuildFailureKeepsPreviousIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "processed")
	_, err := store.Build(context.Background(), testChunks(), &axisEmbedder{}, store.BuildOptions{Dir: dir})
	require.NoError(t, err)

	_, err = store.Build(context.Background(), testChunks()[:1], &axisEmbedder{fail: true}, store.BuildOptions{Dir: dir})
	require.Error(t, err)

	art, err := store.Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, art.Chunks.Len())

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no build directories left behind")
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	_, err := store.Build(context.Background(), nil, &axisEmbedder{}, store.BuildOptions{Dir: t.TempDir()})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}
