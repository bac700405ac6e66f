package zarr

import (
	"iter"
	"math"
	"slices"
)

// maxChunkBytes bounds the decoded size of one chunk.
const maxChunkBytes = math.MaxInt32

// Grid is the regular chunk grid laid over an array.
type Grid struct {
	shape     []int64
	chunks    []int64
	gridShape []int64
}

// NewGrid validates shape and chunk shape and builds the grid.
func NewGrid(shape, chunks []int64) (*Grid, error) {
	if len(shape) == 0 {
		return nil, invalidConfigf("rank must be at least 1")
	}
	if len(shape) != len(chunks) {
		return nil, invalidConfigf("shape has rank %d but chunk shape has rank %d", len(shape), len(chunks))
	}
	g := &Grid{
		shape:     append([]int64(nil), shape...),
		chunks:    append([]int64(nil), chunks...),
		gridShape: make([]int64, len(shape)),
	}
	for i := range shape {
		if shape[i] < 0 {
			return nil, invalidConfigf("axis %d: negative extent %d", i, shape[i])
		}
		if chunks[i] <= 0 {
			return nil, invalidConfigf("axis %d: chunk size %d must be positive", i, chunks[i])
		}
		g.gridShape[i] = shape[i] / chunks[i]
		if shape[i]%chunks[i] != 0 {
			g.gridShape[i]++
		}
	}
	if n, ok := checkedProduct(chunks); !ok || n > maxChunkBytes {
		return nil, invalidConfigf("chunk shape %v holds more than %d elements", chunks, maxChunkBytes)
	}
	if _, ok := checkedProduct(shape); !ok {
		return nil, invalidConfigf("shape %v overflows the element count", shape)
	}
	if _, ok := checkedProduct(g.gridShape); !ok {
		return nil, invalidConfigf("grid %v overflows the chunk count", g.gridShape)
	}
	return g, nil
}

// checkChunkBytes rejects grids whose chunks or whole extent cannot be
// addressed in bytes for elements of elemSize.
func (g *Grid) checkChunkBytes(elemSize int) error {
	if n := g.ChunkElements(); n > maxChunkBytes/int64(elemSize) {
		return invalidConfigf("chunk shape %v of %d-byte elements exceeds %d bytes", g.chunks, elemSize, maxChunkBytes)
	}
	if n, _ := checkedProduct(g.shape); n > math.MaxInt64/int64(elemSize) {
		return invalidConfigf("shape %v of %d-byte elements overflows the byte count", g.shape, elemSize)
	}
	return nil
}

// checkedProduct multiplies non-negative dims and reports false on int64
// overflow. Any zero dim makes the product zero.
func checkedProduct(dims []int64) (int64, bool) {
	if slices.Contains(dims, 0) {
		return 0, true
	}
	n := int64(1)
	for _, d := range dims {
		if d > math.MaxInt64/n {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Rank returns the number of axes.
func (g *Grid) Rank() int { return len(g.shape) }

// GridShape returns the number of chunks along each axis.
func (g *Grid) GridShape() []int64 { return append([]int64(nil), g.gridShape...) }

// NumChunks returns the total number of chunks in the grid.
func (g *Grid) NumChunks() int64 {
	n := int64(1)
	for _, d := range g.gridShape {
		n *= d
	}
	return n
}

// ChunkElements returns the number of elements in one (full) chunk.
func (g *Grid) ChunkElements() int64 {
	n := int64(1)
	for _, d := range g.chunks {
		n *= d
	}
	return n
}

// LinearIndex returns the row-major position of coord in the grid.
func (g *Grid) LinearIndex(coord []int64) int64 {
	var idx int64
	for i, c := range coord {
		idx = idx*g.gridShape[i] + c
	}
	return idx
}

// chunkExtent returns the in-bounds length of the chunk at coordinate c on
// axis i. Edge chunks may be clipped by the array shape.
func (g *Grid) chunkExtent(i int, c int64) int64 {
	start := c * g.chunks[i]
	return min(g.chunks[i], g.shape[i]-start)
}

// CheckRegion validates a region request against the array extent.
func (g *Grid) CheckRegion(origin, shape []int64) error {
	if len(origin) != len(g.shape) || len(shape) != len(g.shape) {
		return invalidConfigf("region has rank %d/%d, array has rank %d", len(origin), len(shape), len(g.shape))
	}
	for i := range g.shape {
		if origin[i] < 0 || shape[i] < 0 {
			return outOfBoundsf("axis %d: origin %d and shape %d must be non-negative", i, origin[i], shape[i])
		}
		if origin[i] > g.shape[i]-shape[i] {
			return outOfBoundsf("axis %d: region [%d, %d) exceeds array extent %d",
				i, origin[i], origin[i]+shape[i], g.shape[i])
		}
	}
	return nil
}

type chunkDimProjection struct {
	// Index of chunk.
	ChunkIX int64
	// First element of the selection within the chunk.
	ChunkStart int64
	// First element of the selection within the output.
	OutStart int64
	// Number of elements selected.
	Count int64
}

// ChunkProjection is a mapping of items from a chunk to the caller's buffer.
// It can be used to extract items from the chunk array for loading into an
// output array, or to extract items from a value array for updating a chunk.
type ChunkProjection struct {
	// Indices of chunk
	ChunkCoords []int64
	// Selection start within the chunk, per axis.
	ChunkStart []int64
	// Selection start within the caller's region, per axis.
	OutStart []int64
	// Number of elements selected, per axis.
	Count []int64
}

// dimProjections splits [origin, origin+count) on one axis at chunk
// boundaries.
func (g *Grid) dimProjections(axis int, origin, count int64) []chunkDimProjection {
	if count == 0 {
		return nil
	}
	cs := g.chunks[axis]
	end := origin + count
	var out []chunkDimProjection
	for c := origin / cs; c*cs < end; c++ {
		start := max(origin, c*cs)
		stop := min(end, (c+1)*cs)
		out = append(out, chunkDimProjection{
			ChunkIX:    c,
			ChunkStart: start - c*cs,
			OutStart:   start - origin,
			Count:      stop - start,
		})
	}
	return out
}

// Projections returns every chunk the region touches, in row-major chunk
// order. The region is validated up front; the sequence itself is lazy and
// may be iterated any number of times.
func (g *Grid) Projections(origin, shape []int64) (iter.Seq[ChunkProjection], error) {
	if err := g.CheckRegion(origin, shape); err != nil {
		return nil, err
	}
	rank := len(g.shape)
	dims := make([][]chunkDimProjection, rank)
	for i := 0; i < rank; i++ {
		dims[i] = g.dimProjections(i, origin[i], shape[i])
		if len(dims[i]) == 0 {
			return func(func(ChunkProjection) bool) {}, nil
		}
	}
	return func(yield func(ChunkProjection) bool) {
		pos := make([]int, rank)
		for {
			p := ChunkProjection{
				ChunkCoords: make([]int64, rank),
				ChunkStart:  make([]int64, rank),
				OutStart:    make([]int64, rank),
				Count:       make([]int64, rank),
			}
			for i, j := range pos {
				d := dims[i][j]
				p.ChunkCoords[i] = d.ChunkIX
				p.ChunkStart[i] = d.ChunkStart
				p.OutStart[i] = d.OutStart
				p.Count[i] = d.Count
			}
			if !yield(p) {
				return
			}
			// Odometer increment, last axis fastest.
			i := rank - 1
			for ; i >= 0; i-- {
				pos[i]++
				if pos[i] < len(dims[i]) {
					break
				}
				pos[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}, nil
}

// Covers reports whether p selects the whole in-bounds extent of its chunk.
func (g *Grid) Covers(p ChunkProjection) bool {
	for i, c := range p.ChunkCoords {
		if p.ChunkStart[i] != 0 || p.Count[i] != g.chunkExtent(i, c) {
			return false
		}
	}
	return true
}

func strides(shape []int64, elemSize int64) []int64 {
	s := make([]int64, len(shape))
	acc := elemSize
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// copyBox copies a box of count elements between two row-major buffers.
// The box starts at srcStart within a buffer of srcShape and lands at
// dstStart within a buffer of dstShape. The innermost axis is copied as one
// contiguous run.
func copyBox(dst []byte, dstShape, dstStart []int64, src []byte, srcShape, srcStart []int64, count []int64, elemSize int64) {
	rank := len(count)
	for _, c := range count {
		if c == 0 {
			return
		}
	}
	dstStrides := strides(dstShape, elemSize)
	srcStrides := strides(srcShape, elemSize)
	var dstOff, srcOff int64
	for i := 0; i < rank; i++ {
		dstOff += dstStart[i] * dstStrides[i]
		srcOff += srcStart[i] * srcStrides[i]
	}
	copyBoxRecursive(dst, src, dstStrides, srcStrides, count, dstOff, srcOff, 0, count[rank-1]*elemSize)
}

func copyBoxRecursive(dst, src []byte, dstStrides, srcStrides, count []int64, dstOff, srcOff int64, axis int, rowBytes int64) {
	if axis == len(count)-1 {
		copy(dst[dstOff:dstOff+rowBytes], src[srcOff:srcOff+rowBytes])
		return
	}
	for i := int64(0); i < count[axis]; i++ {
		copyBoxRecursive(dst, src, dstStrides, srcStrides, count,
			dstOff+i*dstStrides[axis], srcOff+i*srcStrides[axis], axis+1, rowBytes)
	}
}
