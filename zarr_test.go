package zarr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var (
	shape64  = []int64{64, 64, 64}
	chunks32 = []int64{32, 32, 32}
	zstd3    = CodecConfig{Compressor: CompressorZstd, Level: 3}
)

// faultStore fails Put for keys accepted by failPut.
type faultStore struct {
	*MemoryStore
	mu      sync.Mutex
	puts    []string
	failPut func(key string) bool
	failGet func(key string) bool
}

func newFaultStore() *faultStore {
	return &faultStore{MemoryStore: NewMemoryStore()}
}

func (s *faultStore) Put(key string, val []byte) error {
	s.mu.Lock()
	fail := s.failPut != nil && s.failPut(key)
	if !fail {
		s.puts = append(s.puts, key)
	}
	s.mu.Unlock()
	if fail {
		return errors.Newf("injected put failure for %q", key)
	}
	return s.MemoryStore.Put(key, val)
}

func (s *faultStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	fail := s.failGet != nil && s.failGet(key)
	s.mu.Unlock()
	if fail {
		return nil, errors.Newf("injected get failure for %q", key)
	}
	return s.MemoryStore.Get(key)
}

func ramp16(n int64) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i)
	}
	return out
}

func TestConcreteScenario(t *testing.T) {
	for _, codec := range []CodecConfig{
		{},
		zstd3,
		{Compressor: CompressorBlosc, SubCompressor: "lz4", Level: 5, Shuffle: ByteShuffle},
	} {
		t.Run(codec.String(), func(t *testing.T) {
			s := NewMemoryStore()
			a, err := Create(s, "ramp", Uint16, shape64, chunks32, 16, codec)
			require.NoError(t, err)
			defer a.Close()

			origin, box := []int64{0, 0, 0}, []int64{32, 32, 32}
			want := ramp16(32 * 32 * 32)
			require.NoError(t, WriteRegion(a, origin, box, want))
			got := make([]uint16, len(want))
			require.NoError(t, ReadRegion(a, origin, box, got))
			require.Equal(t, want, got)

			b, err := Create(s, "points", Uint16, shape64, chunks32, 16, codec)
			require.NoError(t, err)
			defer b.Close()
			points := [][]int64{{0, 0, 0}, {32, 32, 32}, {63, 63, 63}}
			one := []int64{1, 1, 1}
			for _, p := range points {
				require.NoError(t, WriteRegion(b, p, one, []uint16{42}))
			}
			for _, p := range points {
				v := make([]uint16, 1)
				require.NoError(t, ReadRegion(b, p, one, v))
				require.Equal(t, uint16(42), v[0], "point %v", p)
			}
			all := make([]uint16, 64*64*64)
			require.NoError(t, ReadRegion(b, []int64{0, 0, 0}, shape64, all))
			nonzero := 0
			for _, v := range all {
				if v != 0 {
					require.Equal(t, uint16(42), v)
					nonzero++
				}
			}
			require.Equal(t, 3, nonzero)
			require.Equal(t, uint16(42), all[0])
			require.Equal(t, uint16(42), all[(32*64+32)*64+32])
			require.Equal(t, uint16(42), all[len(all)-1])
		})
	}
}

func roundTrip[T Element](t *testing.T, dtype DataType, gen func(i int) T) {
	s := NewMemoryStore()
	a, err := Create(s, "rt", dtype, []int64{17, 9, 5}, []int64{4, 4, 4}, 0,
		CodecConfig{Compressor: CompressorBlosc, SubCompressor: "zstd", Level: 3, Shuffle: BitShuffle})
	require.NoError(t, err)
	defer a.Close()

	origin, box := []int64{3, 1, 0}, []int64{11, 7, 5}
	want := make([]T, product(box))
	for i := range want {
		want[i] = gen(i)
	}
	require.NoError(t, WriteRegion(a, origin, box, want))

	got := make([]T, len(want))
	require.NoError(t, ReadRegion(a, origin, box, got))
	require.Equal(t, want, got)

	// Same bytes through the raw interface.
	raw := make([]byte, len(want)*dtype.Size())
	require.NoError(t, a.ReadBytes(origin, box, raw))
	decoded := make([]T, len(want))
	decodeElements(decoded, raw)
	require.Equal(t, want, decoded)
}

func TestRoundTripAllTypes(t *testing.T) {
	t.Run("uint8", func(t *testing.T) {
		roundTrip(t, Uint8, func(i int) uint8 { return uint8(i * 7) })
	})
	t.Run("uint16", func(t *testing.T) {
		roundTrip(t, Uint16, func(i int) uint16 { return uint16(i*7919 + 1) })
	})
	t.Run("uint32", func(t *testing.T) {
		roundTrip(t, Uint32, func(i int) uint32 { return uint32(i)*2654435761 + 1 })
	})
}

func TestUnwrittenReadsZero(t *testing.T) {
	a, err := Create(NewMemoryStore(), "z", Uint32, []int64{10, 10}, []int64{3, 3}, 1, zstd3)
	require.NoError(t, err)
	defer a.Close()

	buf := make([]uint32, 100)
	for i := range buf {
		buf[i] = 0xdeadbeef
	}
	require.NoError(t, ReadRegion(a, []int64{0, 0}, []int64{10, 10}, buf))
	for i, v := range buf {
		require.Zero(t, v, "element %d", i)
	}
}

func TestPartialChunkIsolation(t *testing.T) {
	for _, budget := range []int{0, 16} {
		t.Run(fmt.Sprintf("shard=%d", budget), func(t *testing.T) {
			a, err := Create(NewMemoryStore(), "p", Uint8, []int64{8, 8}, []int64{4, 4}, budget, zstd3)
			require.NoError(t, err)
			defer a.Close()

			full := make([]uint8, 64)
			for i := range full {
				full[i] = uint8(i + 1)
			}
			require.NoError(t, WriteRegion(a, []int64{0, 0}, []int64{8, 8}, full))

			// Overwrite a 2x3 box straddling all four chunks.
			require.NoError(t, WriteRegion(a, []int64{3, 3}, []int64{2, 3}, []uint8{200, 201, 202, 203, 204, 205}))

			got := make([]uint8, 64)
			require.NoError(t, ReadRegion(a, []int64{0, 0}, []int64{8, 8}, got))
			want := append([]uint8(nil), full...)
			for i := 0; i < 2; i++ {
				for j := 0; j < 3; j++ {
					want[(3+i)*8+3+j] = uint8(200 + i*3 + j)
				}
			}
			require.Equal(t, want, got)
		})
	}
}

func TestEdgeChunks(t *testing.T) {
	// 10 is not a multiple of 4, so the last chunk on each axis is clipped.
	a, err := Create(NewMemoryStore(), "e", Uint16, []int64{10, 10}, []int64{4, 4}, 0, CodecConfig{})
	require.NoError(t, err)
	defer a.Close()

	want := ramp16(100)
	require.NoError(t, WriteRegion(a, []int64{0, 0}, []int64{10, 10}, want))
	got := make([]uint16, 4)
	require.NoError(t, ReadRegion(a, []int64{8, 8}, []int64{2, 2}, got))
	require.Equal(t, []uint16{88, 89, 98, 99}, got)
}

func TestBoundsRejection(t *testing.T) {
	a, err := Create(NewMemoryStore(), "b", Uint16, []int64{10, 10}, []int64{4, 4}, 0, zstd3)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, WriteRegion(a, []int64{0, 0}, []int64{10, 10}, ramp16(100)))

	sentinel := func() []uint16 {
		b := make([]uint16, 100)
		for i := range b {
			b[i] = 7
		}
		return b
	}
	for _, tc := range []struct {
		origin, shape []int64
	}{
		{[]int64{8, 0}, []int64{3, 1}},
		{[]int64{0, 0}, []int64{11, 10}},
		{[]int64{-1, 0}, []int64{1, 1}},
		{[]int64{0, 0}, []int64{-1, 1}},
	} {
		buf := sentinel()
		err := ReadRegion(a, tc.origin, tc.shape, buf)
		require.True(t, errors.Is(err, ErrOutOfBounds), "%v", err)
		require.Equal(t, CodeOutOfBounds, CodeOf(err))
		require.Equal(t, sentinel(), buf)

		err = WriteRegion(a, tc.origin, tc.shape, buf)
		require.True(t, errors.Is(err, ErrOutOfBounds), "%v", err)
	}

	// Array contents survived the rejected writes.
	got := make([]uint16, 100)
	require.NoError(t, ReadRegion(a, []int64{0, 0}, []int64{10, 10}, got))
	require.Equal(t, ramp16(100), got)

	err = ReadRegion(a, []int64{0}, []int64{1}, make([]uint16, 1))
	require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)
}

func TestBufferChecks(t *testing.T) {
	a, err := Create(NewMemoryStore(), "buf", Uint16, []int64{4, 4}, []int64{2, 2}, 0, CodecConfig{})
	require.NoError(t, err)
	defer a.Close()

	err = ReadRegion(a, []int64{0, 0}, []int64{2, 2}, make([]uint16, 3))
	require.True(t, errors.Is(err, ErrBufferTooSmall), "%v", err)
	err = WriteRegion(a, []int64{0, 0}, []int64{2, 2}, make([]uint16, 3))
	require.True(t, errors.Is(err, ErrBufferTooSmall), "%v", err)
	err = a.ReadBytes([]int64{0, 0}, []int64{2, 2}, make([]byte, 7))
	require.True(t, errors.Is(err, ErrBufferTooSmall), "%v", err)

	err = ReadRegion(a, []int64{0, 0}, []int64{2, 2}, make([]uint8, 4))
	require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)

	// Larger buffers are fine; the tail is left alone.
	buf := []uint16{1, 1, 1, 1, 9}
	require.NoError(t, ReadRegion(a, []int64{0, 0}, []int64{2, 2}, buf))
	require.Equal(t, []uint16{0, 0, 0, 0, 9}, buf)

	// Zero-sized regions touch nothing.
	require.NoError(t, WriteRegion(a, []int64{4, 0}, []int64{0, 4}, []uint16{}))
}

func TestShardsHoldManyChunks(t *testing.T) {
	s := NewMemoryStore()
	a, err := Create(s, "sh", Uint16, shape64, chunks32, 16, zstd3)
	require.NoError(t, err)
	defer a.Close()
	require.EqualValues(t, 256, a.ChunksPerShard())

	require.NoError(t, WriteRegion(a, []int64{0, 0, 0}, shape64, ramp16(64*64*64)))
	// Descriptor plus one shard.
	require.Equal(t, 2, s.Len())
	_, err = s.Get("sh/c/0")
	require.NoError(t, err)

	b, err := Create(s, "one", Uint16, shape64, chunks32, 0, zstd3)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, WriteRegion(b, []int64{0, 0, 0}, shape64, ramp16(64*64*64)))
	require.Equal(t, 2+1+8, s.Len())
}

func TestPersistsAcrossReopen(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	s.NoSync = true

	codec := CodecConfig{Compressor: CompressorBlosc, SubCompressor: "blosclz", Level: 7, Shuffle: BitShuffle, Threads: 2}
	a, err := Create(s, "data/vol", Uint16, shape64, chunks32, 1, codec)
	require.NoError(t, err)
	want := ramp16(64 * 64 * 64)
	require.NoError(t, WriteRegion(a, []int64{0, 0, 0}, shape64, want))
	require.NoError(t, a.SetMetadata("units", "um"))
	require.NoError(t, a.Close())

	b, err := Open(s, "data/vol", ModeRead)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, shape64, b.Shape())
	require.Equal(t, chunks32, b.ChunkShape())
	require.Equal(t, Uint16, b.DataType())
	require.Equal(t, 1, b.ShardBudgetMB())
	require.True(t, codec.Equivalent(b.Codec()))

	got := make([]uint16, len(want))
	require.NoError(t, ReadRegion(b, []int64{0, 0, 0}, shape64, got))
	require.Equal(t, want, got)
	v, err := b.GetMetadata("units")
	require.NoError(t, err)
	require.Equal(t, "um", v)
}

func TestCreateExisting(t *testing.T) {
	s := NewMemoryStore()
	a, err := Create(s, "x", Uint8, []int64{8}, []int64{4}, 0, zstd3)
	require.NoError(t, err)
	require.NoError(t, WriteRegion(a, []int64{0}, []int64{8}, []uint8{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, a.SetMetadata("k", "v"))
	require.NoError(t, a.Close())

	// Identical descriptor: opened, data intact. Thread hints do not matter.
	same := zstd3
	same.Threads = 4
	b, err := Create(s, "x", Uint8, []int64{8}, []int64{4}, 0, same)
	require.NoError(t, err)
	got := make([]uint8, 8)
	require.NoError(t, ReadRegion(b, []int64{0}, []int64{8}, got))
	require.Equal(t, []uint8{1, 2, 3, 4, 5, 6, 7, 8}, got)
	require.NoError(t, b.Close())

	_, err = Create(s, "x", Uint8, []int64{8}, []int64{4}, 0, CodecConfig{Compressor: CompressorZstd, Level: 9})
	require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)
	require.Contains(t, err.Error(), "mixed codec")

	_, err = Create(s, "x", Uint8, []int64{16}, []int64{4}, 0, zstd3)
	require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)

	// Overwrite wipes data and metadata.
	c, err := Create(s, "x", Uint8, []int64{8}, []int64{4}, 0, CodecConfig{}, WithOverwrite())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, ReadRegion(c, []int64{0}, []int64{8}, got))
	require.Equal(t, make([]uint8, 8), got)
	_, err = c.GetMetadata("k")
	require.True(t, errors.Is(err, ErrNotFound), "%v", err)
	require.Equal(t, 1, s.Len())
}

func TestCreateValidation(t *testing.T) {
	s := NewMemoryStore()
	for _, tc := range []struct {
		name   string
		dtype  DataType
		shape  []int64
		chunks []int64
		budget int
		codec  CodecConfig
	}{
		{"rank zero", Uint8, nil, nil, 0, CodecConfig{}},
		{"rank mismatch", Uint8, []int64{4, 4}, []int64{4}, 0, CodecConfig{}},
		{"zero chunk", Uint8, []int64{4}, []int64{0}, 0, CodecConfig{}},
		{"negative shape", Uint8, []int64{-4}, []int64{2}, 0, CodecConfig{}},
		{"negative budget", Uint8, []int64{4}, []int64{2}, -1, CodecConfig{}},
		{"bad dtype", DataType(9), []int64{4}, []int64{2}, 0, CodecConfig{}},
		{"bad codec", Uint8, []int64{4}, []int64{2}, 0, CodecConfig{Compressor: CompressorZstd, Level: 40}},
		// Chunks may exceed the array, but not the addressable chunk size.
		{"chunk count wraps", Uint16, []int64{2, 2}, []int64{1 << 32, 1 << 32}, 0, CodecConfig{}},
		{"chunk too many elements", Uint8, []int64{4, 4, 4}, []int64{100000, 100000, 100000}, 0, CodecConfig{}},
		{"chunk too many bytes", Uint32, []int64{4}, []int64{1 << 30}, 0, CodecConfig{}},
		{"grid overflows", Uint8, []int64{1 << 40, 1 << 40}, []int64{1, 1}, 0, CodecConfig{}},
	} {
		_, err := Create(s, "v", tc.dtype, tc.shape, tc.chunks, tc.budget, tc.codec)
		require.True(t, errors.Is(err, ErrInvalidConfig), "%s: %v", tc.name, err)
	}
	require.Equal(t, 0, s.Len())

	_, err := Create(s, "../escape", Uint8, []int64{4}, []int64{2}, 0, CodecConfig{})
	require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)

	// A descriptor written elsewhere with oversized chunks is refused on open.
	desc, err := json.Marshal(newArrayMeta(Uint16, []int64{2, 2}, []int64{1 << 32, 1 << 32}, 0, CodecConfig{}))
	require.NoError(t, err)
	require.NoError(t, s.Put("big/.zarray", desc))
	_, err = Open(s, "big", ModeReadWrite)
	require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)

	// The largest chunk that fits still works for partial writes.
	a, err := Create(NewMemoryStore(), "wide", Uint8, []int64{2, 2}, []int64{1 << 10, 1 << 10}, 0, CodecConfig{})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, WriteRegion(a, []int64{1, 1}, []int64{1, 1}, []uint8{7}))
	got := make([]uint8, 4)
	require.NoError(t, ReadRegion(a, []int64{0, 0}, []int64{2, 2}, got))
	require.Equal(t, []uint8{0, 0, 0, 7}, got)
}

func TestOpen(t *testing.T) {
	s := NewMemoryStore()
	_, err := Open(s, "missing", ModeReadWrite)
	require.True(t, errors.Is(err, ErrNotFound), "%v", err)
	require.Equal(t, CodeNotFound, CodeOf(err))

	a, err := Create(s, "/a//b/", Uint16, []int64{4}, []int64{2}, 0, zstd3)
	require.NoError(t, err)
	require.Equal(t, "a/b", a.Path())
	require.NoError(t, a.Close())

	_, err = Open(s, "a/b", PersistenceMode("x"))
	require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)

	_, err = Open(s, "a/b", ModeReadWrite, WithCodec(CodecConfig{Compressor: CompressorGzip}))
	require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)

	for _, mode := range []PersistenceMode{ModeRead, ModeReadWrite, ModeReadWriteCreate, ModeWrite, ModeWriteFail} {
		b, err := Open(s, "a/b", mode, WithCodec(zstd3))
		require.NoError(t, err, "mode %s", mode)
		require.Equal(t, mode, b.Mode())
		require.NoError(t, b.Close())
	}

	require.NoError(t, s.Put("bad/.zarray", []byte("{")))
	_, err = Open(s, "bad", ModeRead)
	require.True(t, errors.Is(err, ErrCorrupt), "%v", err)
}

func TestReadOnly(t *testing.T) {
	s := NewMemoryStore()
	a, err := Create(s, "ro", Uint8, []int64{4}, []int64{2}, 0, CodecConfig{})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(s, "ro", ModeRead)
	require.NoError(t, err)
	defer b.Close()
	err = WriteRegion(b, []int64{0}, []int64{1}, []uint8{1})
	require.True(t, errors.Is(err, ErrReadOnly), "%v", err)
	require.True(t, errors.Is(b.WriteBytes([]int64{0}, []int64{1}, []byte{1}), ErrReadOnly))
	require.True(t, errors.Is(b.SetMetadata("k", "v"), ErrReadOnly))
	require.True(t, errors.Is(b.DeleteMetadata("k"), ErrReadOnly))
	require.NoError(t, ReadRegion(b, []int64{0}, []int64{4}, make([]uint8, 4)))
}

func TestClosed(t *testing.T) {
	a, err := Create(NewMemoryStore(), "c", Uint8, []int64{4}, []int64{2}, 0, CodecConfig{})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	require.True(t, errors.Is(ReadRegion(a, []int64{0}, []int64{1}, []uint8{0}), ErrClosed))
	require.True(t, errors.Is(WriteRegion(a, []int64{0}, []int64{1}, []uint8{0}), ErrClosed))
	require.True(t, errors.Is(a.ReadBytes([]int64{0}, []int64{1}, []byte{0}), ErrClosed))
	require.True(t, errors.Is(a.SetMetadata("k", "v"), ErrClosed))
	_, err = a.GetMetadata("k")
	require.True(t, errors.Is(err, ErrClosed))
	_, err = a.ListMetadataKeys()
	require.Equal(t, CodeClosed, CodeOf(err))
}

func TestWriteRollsBackOnPutFailure(t *testing.T) {
	s := newFaultStore()
	// One chunk per shard so a region spans several shard objects.
	a, err := Create(s, "rb", Uint16, []int64{8}, []int64{2}, 0, zstd3, WithConcurrency(2))
	require.NoError(t, err)
	defer a.Close()

	before := []uint16{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, WriteRegion(a, []int64{0}, []int64{6}, before[:6]))
	old0, err := s.MemoryStore.Get("rb/c/0")
	require.NoError(t, err)

	// Shard 2 fails; shards 0 and 1 were written first and must be
	// restored, shard 3 never existed and must stay absent.
	s.failPut = func(key string) bool { return key == "rb/c/2" }
	err = WriteRegion(a, []int64{0}, []int64{8}, []uint16{9, 9, 9, 9, 9, 9, 9, 9})
	require.True(t, errors.Is(err, ErrStorageFailure), "%v", err)
	require.Equal(t, CodeStorageFailure, CodeOf(err))
	require.Contains(t, err.Error(), "injected put failure")

	restored, err := s.MemoryStore.Get("rb/c/0")
	require.NoError(t, err)
	require.Equal(t, old0, restored)
	_, err = s.MemoryStore.Get("rb/c/3")
	require.True(t, errors.Is(err, ErrNotFound))

	s.failPut = nil
	got := make([]uint16, 8)
	require.NoError(t, ReadRegion(a, []int64{0}, []int64{8}, got))
	require.Equal(t, []uint16{1, 2, 3, 4, 5, 6, 0, 0}, got)

	// The handle is still usable.
	require.NoError(t, WriteRegion(a, []int64{6}, []int64{2}, []uint16{7, 8}))
	require.NoError(t, ReadRegion(a, []int64{0}, []int64{8}, got))
	require.Equal(t, before, got)
}

func TestFullShardWriteSkipsLoad(t *testing.T) {
	s := newFaultStore()
	a, err := Create(s, "fw", Uint8, []int64{4}, []int64{2}, 0, CodecConfig{}, WithCacheChunks(0))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, WriteRegion(a, []int64{0}, []int64{4}, []uint8{1, 2, 3, 4}))

	// Replacing the only chunk of a single shard never reads it back.
	s.failGet = func(key string) bool { return key == "fw/c/0" }
	require.NoError(t, WriteRegion(a, []int64{0}, []int64{2}, []uint8{5, 6}))
	// A partial write has to merge with the stored chunk.
	err = WriteRegion(a, []int64{0}, []int64{1}, []uint8{9})
	require.True(t, errors.Is(err, ErrStorageFailure), "%v", err)
	s.failGet = nil

	// Damaged shards that a write replaces entirely are not verified.
	for _, key := range []string{"fw/c/0", "fw/c/1"} {
		data, err := s.MemoryStore.Get(key)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xff
		require.NoError(t, s.MemoryStore.Put(key, data))
	}
	err = WriteRegion(a, []int64{1}, []int64{2}, []uint8{0, 0})
	require.True(t, errors.Is(err, ErrCorrupt), "%v", err)
	require.NoError(t, WriteRegion(a, []int64{0}, []int64{4}, []uint8{4, 3, 2, 1}))

	got := make([]uint8, 4)
	require.NoError(t, ReadRegion(a, []int64{0}, []int64{4}, got))
	require.Equal(t, []uint8{4, 3, 2, 1}, got)
}

func TestReadStorageFailureLeavesBuffer(t *testing.T) {
	s := newFaultStore()
	a, err := Create(s, "rf", Uint8, []int64{4}, []int64{2}, 0, CodecConfig{}, WithCacheChunks(0))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, WriteRegion(a, []int64{0}, []int64{4}, []uint8{1, 2, 3, 4}))

	s.failGet = func(key string) bool { return strings.HasSuffix(key, "/c/1") }
	buf := []uint8{9, 9, 9, 9}
	err = ReadRegion(a, []int64{0}, []int64{4}, buf)
	require.True(t, errors.Is(err, ErrStorageFailure), "%v", err)
	require.Equal(t, []uint8{9, 9, 9, 9}, buf)
}

func TestCorruptShardReported(t *testing.T) {
	s := NewMemoryStore()
	a, err := Create(s, "cs", Uint16, []int64{4}, []int64{2}, 0, zstd3, WithCacheChunks(0))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, WriteRegion(a, []int64{0}, []int64{4}, []uint16{1, 2, 3, 4}))

	data, err := s.Get("cs/c/1")
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, s.Put("cs/c/1", data))

	err = ReadRegion(a, []int64{0}, []int64{4}, make([]uint16, 4))
	require.True(t, errors.Is(err, ErrCorrupt), "%v", err)
	require.Equal(t, CodeCorrupt, CodeOf(err))
}

func TestConcurrentReads(t *testing.T) {
	a, err := Create(NewMemoryStore(), "cr", Uint16, shape64, []int64{16, 16, 16}, 1, zstd3, WithCacheChunks(8))
	require.NoError(t, err)
	defer a.Close()
	want := ramp16(64 * 64 * 64)
	require.NoError(t, WriteRegion(a, []int64{0, 0, 0}, shape64, want))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for w := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			z := int64(w * 8)
			got := make([]uint16, 8*64*64)
			if err := ReadRegion(a, []int64{z, 0, 0}, []int64{8, 64, 64}, got); err != nil {
				errs[w] = err
				return
			}
			if !slicesEqual(got, want[z*64*64:(z+8)*64*64]) {
				errs[w] = errors.Newf("worker %d read wrong data", w)
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func slicesEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMetricsAndLogging(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	a, err := Create(NewMemoryStore(), "m", Uint8, []int64{4}, []int64{2}, 0, CodecConfig{},
		WithMetrics(m), WithLogger(logger))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, WriteRegion(a, []int64{0}, []int64{4}, []uint8{1, 2, 3, 4}))
	require.NoError(t, ReadRegion(a, []int64{0}, []int64{4}, make([]uint8, 4)))
	require.Error(t, ReadRegion(a, []int64{3}, []int64{4}, make([]uint8, 4)))

	require.Equal(t, 1.0, testutil.ToFloat64(m.RegionOps.WithLabelValues("write", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RegionOps.WithLabelValues("read", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RegionOps.WithLabelValues("read", CodeOutOfBounds.String())))
	// Shards: 2 chunks of 2 bytes, each in its own shard with framing.
	require.Greater(t, testutil.ToFloat64(m.StoreBytesWritten), 4.0)
	// The read was served from the cache filled by the write.
	require.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits))
	require.Zero(t, testutil.ToFloat64(m.CodecErrors))

	require.Contains(t, logs.String(), "created array")
	require.Contains(t, logs.String(), "wrote region")
	require.Contains(t, logs.String(), "read region")

	_, err = NewMetrics(reg)
	require.Error(t, err, "duplicate registration")
}

func TestInfo(t *testing.T) {
	a, err := Create(NewMemoryStore(), "info", Uint32, []int64{10, 20}, []int64{5, 5}, 4, zstd3)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, 2, a.Rank())
	require.Equal(t, []int64{2, 4}, a.GridShape())
	info := a.Info()
	require.Contains(t, info, `"info"`)
	require.Contains(t, info, "uint32")
	require.Contains(t, info, "zstd(level=3)")
}
