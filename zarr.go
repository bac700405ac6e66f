package zarr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// Array is a handle on one chunked array in a store. Region reads may run
// concurrently; mutating calls must not overlap each other or reads of the
// same region.
type Array struct {
	path  Path
	store Store
	mode  PersistenceMode
	meta  *ArrayMeta

	dtype  DataType
	grid   *Grid
	codec  *Codec
	shards *shardMap
	cache  *chunkCache
	attrs  *metadataStore

	opts   *options
	log    *slog.Logger
	closed atomic.Bool
}

type PersistenceMode string

const (
	// Persistence mode:
	// ‘r’ means read only (must exist);
	ModeRead PersistenceMode = "r"
	// ‘r+’ means read/write (must exist)
	ModeReadWrite PersistenceMode = "r+"
	// ‘a’ means read/write; Open still requires the array to exist, use
	// Create to make one.
	ModeReadWriteCreate PersistenceMode = "a"
	// ‘w’ means read/write; to replace an array use Create with
	// WithOverwrite.
	ModeWrite PersistenceMode = "w"
	// ‘w-’ means read/write on an existing array.
	ModeWriteFail PersistenceMode = "w-"
)

// ParsePersistenceMode validates a mode string.
func ParsePersistenceMode(s string) (PersistenceMode, error) {
	switch m := PersistenceMode(s); m {
	case ModeRead, ModeReadWrite, ModeReadWriteCreate, ModeWrite, ModeWriteFail:
		return m, nil
	}
	return "", invalidConfigf("unknown persistence mode %q", s)
}

// Writable reports whether the mode permits mutations.
func (m PersistenceMode) Writable() bool { return m != ModeRead }

// Create makes a new array at path, or opens the array already there when
// its descriptor matches. An existing array with a different codec or
// layout is an error unless WithOverwrite is given, in which case it is
// deleted first.
func Create(
	store Store,
	path string,
	dtype DataType,
	shape, chunks []int64,
	shardBudgetMB int,
	codec CodecConfig,
	opts ...Option,
) (*Array, error) {
	o := buildOptions(opts)
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	if !dtype.Valid() {
		return nil, invalidConfigf("unsupported data type %s", dtype)
	}
	grid, err := NewGrid(shape, chunks)
	if err != nil {
		return nil, err
	}
	if err := grid.checkChunkBytes(dtype.Size()); err != nil {
		return nil, err
	}
	if shardBudgetMB < 0 {
		return nil, invalidConfigf("negative shard budget %d MiB", shardBudgetMB)
	}
	if err := codec.Validate(); err != nil {
		return nil, err
	}
	meta := newArrayMeta(dtype, shape, chunks, shardBudgetMB, codec)

	descKey := p.Key(string(MTArray))
	existing, err := store.Get(descKey)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, storageError(err, "get", descKey)
	case o.overwrite:
		if err := deleteArray(store, p, existing, o.logger); err != nil {
			return nil, err
		}
	default:
		old, err := decodeArrayMeta(existing)
		if err != nil {
			return nil, errors.Wrapf(err, "existing array at %q", p)
		}
		if !old.sameLayout(meta) {
			return nil, invalidConfigf("array at %q exists with shape %v chunks %v dtype %s shard budget %d MiB",
				p, old.Shape, old.Chunks, old.Dtype, old.ShardSizeMB)
		}
		oldCodec, err := old.Codec()
		if err != nil {
			return nil, err
		}
		if !oldCodec.Equivalent(codec) {
			return nil, invalidConfigf("mixed codec: array at %q uses %s, requested %s", p, oldCodec, codec.normalize())
		}
		o.logger.Info("opened existing array", slog.String("path", p.String()))
		return newArray(store, p, ModeReadWrite, old, o)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding .zarray")
	}
	if err := store.Put(descKey, data); err != nil {
		return nil, storageError(err, "put", descKey)
	}
	o.logger.Info("created array",
		slog.String("path", p.String()),
		slog.Any("shape", shape),
		slog.Any("chunks", chunks),
		slog.String("dtype", dtype.String()),
		slog.String("codec", codec.normalize().String()),
		slog.Int("shard_mb", shardBudgetMB))
	return newArray(store, p, ModeReadWrite, meta, o)
}

// deleteArray removes the descriptor, sidecar and every shard an existing
// array can have written. An undecodable descriptor only loses the
// descriptor and sidecar.
func deleteArray(store Store, p Path, desc []byte, log *slog.Logger) error {
	if old, err := decodeArrayMeta(desc); err == nil {
		dt, derr := old.DataType()
		grid, gerr := NewGrid(old.Shape, old.Chunks)
		if derr == nil && gerr == nil {
			sm := newShardMap(p, grid, old.ShardSizeMB, dt.Size())
			for si := int64(0); si < sm.NumShards(); si++ {
				if err := store.Delete(sm.Key(si)); err != nil {
					return storageError(err, "delete", sm.Key(si))
				}
			}
		}
	} else {
		log.Warn("overwriting undecodable descriptor", slog.String("path", p.String()), slog.Any("err", err))
	}
	for _, k := range []string{p.Key(string(MTAttributes)), p.Key(string(MTArray))} {
		if err := store.Delete(k); err != nil {
			return storageError(err, "delete", k)
		}
	}
	log.Info("deleted array", slog.String("path", p.String()))
	return nil
}

// Open opens the existing array at path.
func Open(store Store, path string, mode PersistenceMode, opts ...Option) (*Array, error) {
	o := buildOptions(opts)
	if _, err := ParsePersistenceMode(string(mode)); err != nil {
		return nil, err
	}
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}

	descKey := p.Key(string(MTArray))
	data, err := store.Get(descKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.Wrapf(err, "no array at %q", p)
		}
		return nil, storageError(err, "get", descKey)
	}
	meta, err := decodeArrayMeta(data)
	if err != nil {
		return nil, err
	}
	if o.codec != nil {
		stored, err := meta.Codec()
		if err != nil {
			return nil, err
		}
		if !stored.Equivalent(*o.codec) {
			return nil, invalidConfigf("mixed codec: array at %q uses %s, requested %s", p, stored, o.codec.normalize())
		}
	}
	a, err := newArray(store, p, mode, meta, o)
	if err != nil {
		return nil, err
	}
	o.logger.Info("opened array", slog.String("path", p.String()), slog.String("mode", string(mode)))
	return a, nil
}

func newArray(store Store, p Path, mode PersistenceMode, meta *ArrayMeta, o *options) (*Array, error) {
	dtype, err := meta.DataType()
	if err != nil {
		return nil, err
	}
	grid, err := NewGrid(meta.Shape, meta.Chunks)
	if err != nil {
		return nil, err
	}
	if err := grid.checkChunkBytes(dtype.Size()); err != nil {
		return nil, err
	}
	cfg, err := meta.Codec()
	if err != nil {
		return nil, err
	}
	codec, err := NewCodec(cfg, dtype)
	if err != nil {
		return nil, err
	}
	return &Array{
		path:   p,
		store:  store,
		mode:   mode,
		meta:   meta,
		dtype:  dtype,
		grid:   grid,
		codec:  codec,
		shards: newShardMap(p, grid, meta.ShardSizeMB, dtype.Size()),
		cache:  newChunkCache(o.cacheChunks, o.metrics),
		attrs:  newMetadataStore(store, p),
		opts:   o,
		log:    o.logger.With(slog.String("array", p.String())),
	}, nil
}

func (a *Array) checkOpen() error {
	if a.closed.Load() {
		return errors.Wrapf(ErrClosed, "array %q", a.path)
	}
	return nil
}

func (a *Array) checkWritable() error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if !a.mode.Writable() {
		return errors.Wrapf(ErrReadOnly, "array %q", a.path)
	}
	return nil
}

// regionBytes validates the region against the array and a buffer holding
// have elements, and returns the region size in bytes.
func (a *Array) regionBytes(origin, shape []int64, have int) (int, error) {
	if err := a.grid.CheckRegion(origin, shape); err != nil {
		return 0, err
	}
	count, ok := checkedProduct(shape)
	if !ok || count > math.MaxInt/int64(a.dtype.Size()) {
		return 0, outOfBoundsf("region %v is too large to address", shape)
	}
	n := int(count)
	if have < n {
		return 0, bufferTooSmallf("region %v needs %d elements, buffer holds %d", shape, n, have)
	}
	return n * a.dtype.Size(), nil
}

func checkElementType[T Element](a *Array) error {
	if t := elementType[T](); t != a.dtype {
		return invalidConfigf("array %q holds %s, buffer holds %s", a.path, a.dtype, t)
	}
	return nil
}

// ReadRegion fills buf with the box at origin of the given shape in
// row-major order. Never written elements read as zero. On error buf is
// left untouched.
func ReadRegion[T Element](a *Array, origin, shape []int64, buf []T) (err error) {
	defer a.observe("read", time.Now(), &err)
	if err := a.checkOpen(); err != nil {
		return err
	}
	if err := checkElementType[T](a); err != nil {
		return err
	}
	nbytes, err := a.regionBytes(origin, shape, len(buf))
	if err != nil {
		return err
	}
	raw := make([]byte, nbytes)
	if err := a.readRegion(origin, shape, raw); err != nil {
		return err
	}
	decodeElements(buf[:product(shape)], raw)
	return nil
}

// WriteRegion stores buf, in row-major order, into the box at origin of the
// given shape.
func WriteRegion[T Element](a *Array, origin, shape []int64, buf []T) (err error) {
	defer a.observe("write", time.Now(), &err)
	if err := a.checkWritable(); err != nil {
		return err
	}
	if err := checkElementType[T](a); err != nil {
		return err
	}
	nbytes, err := a.regionBytes(origin, shape, len(buf))
	if err != nil {
		return err
	}
	raw := make([]byte, nbytes)
	encodeElements(raw, buf[:product(shape)])
	return a.writeRegion(origin, shape, raw)
}

// ReadBytes is ReadRegion over raw little-endian element bytes.
func (a *Array) ReadBytes(origin, shape []int64, buf []byte) (err error) {
	defer a.observe("read", time.Now(), &err)
	if err := a.checkOpen(); err != nil {
		return err
	}
	size := a.dtype.Size()
	nbytes, err := a.regionBytes(origin, shape, len(buf)/size)
	if err != nil {
		return err
	}
	return a.readRegion(origin, shape, buf[:nbytes])
}

// WriteBytes is WriteRegion over raw little-endian element bytes.
func (a *Array) WriteBytes(origin, shape []int64, buf []byte) (err error) {
	defer a.observe("write", time.Now(), &err)
	if err := a.checkWritable(); err != nil {
		return err
	}
	size := a.dtype.Size()
	nbytes, err := a.regionBytes(origin, shape, len(buf)/size)
	if err != nil {
		return err
	}
	return a.writeRegion(origin, shape, buf[:nbytes])
}

func (a *Array) observe(op string, start time.Time, err *error) {
	a.opts.metrics.regionDone(op, start, *err)
}

// SetMetadata stores a string value under key. The sidecar is persisted
// before SetMetadata returns.
func (a *Array) SetMetadata(key, value string) error {
	if err := a.checkWritable(); err != nil {
		return err
	}
	return a.attrs.Set(key, value)
}

// GetMetadata returns the value stored under key.
func (a *Array) GetMetadata(key string) (string, error) {
	if err := a.checkOpen(); err != nil {
		return "", err
	}
	return a.attrs.Get(key)
}

// GetMetadataInto copies the value under key into buf with a trailing zero
// byte and returns the value length. ErrBufferTooSmall is returned when buf
// cannot hold both.
func (a *Array) GetMetadataInto(key string, buf []byte) (int, error) {
	if err := a.checkOpen(); err != nil {
		return 0, err
	}
	return a.attrs.GetInto(key, buf)
}

// ListMetadataKeys returns all metadata keys in lexicographic order.
func (a *Array) ListMetadataKeys() ([]string, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	return a.attrs.Keys()
}

// DeleteMetadata removes key from the sidecar.
func (a *Array) DeleteMetadata(key string) error {
	if err := a.checkWritable(); err != nil {
		return err
	}
	return a.attrs.Delete(key)
}

// Close releases the handle. Data and metadata are already durable, so
// Close only drops in-memory state. Closing twice is a no-op.
func (a *Array) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.cache.clear()
	a.shards.reset()
	a.attrs.reset()
	a.log.Info("closed array")
	return nil
}

func (a *Array) Shape() []int64      { return slices.Clone(a.meta.Shape) }
func (a *Array) ChunkShape() []int64 { return slices.Clone(a.meta.Chunks) }
func (a *Array) DataType() DataType  { return a.dtype }
func (a *Array) Codec() CodecConfig  { return a.codec.Config() }
func (a *Array) ShardBudgetMB() int  { return a.meta.ShardSizeMB }
func (a *Array) Rank() int           { return a.grid.Rank() }
func (a *Array) Mode() PersistenceMode {
	return a.mode
}

// GridShape returns the number of chunks along each axis.
func (a *Array) GridShape() []int64 { return a.grid.GridShape() }

// ChunksPerShard returns how many chunks share one shard object.
func (a *Array) ChunksPerShard() int64 { return a.shards.chunksPerShard }

func (a *Array) Path() string {
	return a.path.String()
}

func (a *Array) Info() string {
	return fmt.Sprintf("<zarr-go.Array %q shape=%v chunks=%v dtype=%s codec=%s shard=%dMiB>",
		a.path.String(), a.meta.Shape, a.meta.Chunks, a.dtype, a.codec.Config(), a.meta.ShardSizeMB)
}
