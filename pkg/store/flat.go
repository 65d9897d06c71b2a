package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
)

var flatMagic = [4]byte{'D', 'B', 'V', 'X'}

const flatVersion uint32 = 1

const (
	maxDim          = 1 << 16
	initialCapacity = 1 << 14
)

// FlatIndex is an exhaustive cosine-similarity index held in memory.
// Vectors are normalised on insert so search is a dot product.
type FlatIndex struct {
	dim     int
	ids     []int64
	vectors [][]float32
}

func NewFlatIndex(dim int) *FlatIndex {
	return &FlatIndex{dim: dim}
}

// Add appends a vector under the given internal id.
func (f *FlatIndex) Add(id int64, vec []float32) error {
	if len(vec) != f.dim {
		return errs.Configuration("vector for id %d has dimension %d, index expects %d", id, len(vec), f.dim)
	}
	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, normalize(vec))
	return nil
}

func (f *FlatIndex) Dim() int { return f.dim }

func (f *FlatIndex) Len() int { return len(f.ids) }

func (f *FlatIndex) IDs() []int64 {
	return append([]int64(nil), f.ids...)
}

// Search returns up to k neighbours ordered by cosine similarity, highest first.
// Equal scores keep insertion order.
func (f *FlatIndex) Search(ctx context.Context, vec []float32, k int) ([]types.Neighbor, error) {
	if k <= 0 {
		return nil, errs.Configuration("k must be positive, got %d", k)
	}
	if len(vec) != f.dim {
		return nil, errs.Configuration("query has dimension %d, index expects %d", len(vec), f.dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext("flat search", err)
	}

	q := normalize(vec)
	out := make([]types.Neighbor, len(f.ids))
	for i, v := range f.vectors {
		out[i] = types.Neighbor{InternalID: f.ids[i], Score: dot(q, v)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if k < len(out) {
		out = out[:k]
	}
	return out, nil
}

// WriteTo serialises the index in little-endian binary form.
func (f *FlatIndex) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	header := struct {
		Magic   [4]byte
		Version uint32
		Dim     uint32
		Count   uint64
	}{flatMagic, flatVersion, uint32(f.dim), uint64(len(f.ids))}

	if err := binary.Write(cw, binary.LittleEndian, header); err != nil {
		return cw.n, fmt.Errorf("failed to write index header: %w", err)
	}
	for i, id := range f.ids {
		if err := binary.Write(cw, binary.LittleEndian, id); err != nil {
			return cw.n, fmt.Errorf("failed to write index id: %w", err)
		}
		if err := binary.Write(cw, binary.LittleEndian, f.vectors[i]); err != nil {
			return cw.n, fmt.Errorf("failed to write vector: %w", err)
		}
	}
	return cw.n, bw.Flush()
}

// ReadFlatIndex decodes an index written by WriteTo.
func ReadFlatIndex(r io.Reader) (*FlatIndex, error) {
	br := bufio.NewReader(r)
	var header struct {
		Magic   [4]byte
		Version uint32
		Dim     uint32
		Count   uint64
	}
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, errs.Configuration("failed to read index header: %v", err)
	}
	if header.Magic != flatMagic {
		return nil, errs.Configuration("not a vector index file")
	}
	if header.Version != flatVersion {
		return nil, errs.Configuration("unsupported index version %d", header.Version)
	}

	if header.Dim == 0 || header.Dim > maxDim {
		return nil, errs.Configuration("index header has invalid dimension %d", header.Dim)
	}

	// Count comes from the file; a truncated body is caught entry by entry.
	capacity := header.Count
	if capacity > initialCapacity {
		capacity = initialCapacity
	}
	f := &FlatIndex{
		dim:     int(header.Dim),
		ids:     make([]int64, 0, capacity),
		vectors: make([][]float32, 0, capacity),
	}
	for i := uint64(0); i < header.Count; i++ {
		var id int64
		if err := binary.Read(br, binary.LittleEndian, &id); err != nil {
			return nil, errs.Configuration("index truncated at entry %d: %v", i, err)
		}
		vec := make([]float32, f.dim)
		if err := binary.Read(br, binary.LittleEndian, vec); err != nil {
			return nil, errs.Configuration("index truncated at entry %d: %v", i, err)
		}
		f.ids = append(f.ids, id)
		f.vectors = append(f.vectors, vec)
	}
	return f, nil
}

func LoadFlatIndex(path string) (*FlatIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.Configuration("failed to open index %s: %v", path, err)
	}
	defer file.Close()
	return ReadFlatIndex(file)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return math.Max(-1, math.Min(1, s))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
