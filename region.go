package zarr

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// chunkTask is one chunk touched by a region call.
type chunkTask struct {
	proj   ChunkProjection
	linear int64
	slot   int
	// raw is the decoded chunk once loaded.
	raw []byte
	// cached is set when raw came from the chunk cache.
	cached bool
	// enc is the encoded chunk for writes.
	enc []byte
}

// shardTask groups the chunks of one region call that live in the same
// shard object.
type shardTask struct {
	index  int64
	key    string
	chunks []*chunkTask

	// Store state before the call.
	data    []byte
	existed bool
	entries []ShardEntry
	// covered is set when a write replaces every slot of the shard.
	covered bool

	// Rebuilt object and slot table for writes.
	newData    []byte
	newEntries []ShardEntry
}

// plan validates the region and groups its chunks by shard, in order of
// first appearance.
func (a *Array) plan(origin, shape []int64) ([]*shardTask, int, error) {
	projs, err := a.grid.Projections(origin, shape)
	if err != nil {
		return nil, 0, err
	}
	var shards []*shardTask
	byIndex := map[int64]*shardTask{}
	n := 0
	for p := range projs {
		si, slot := a.shards.Resolve(p.ChunkCoords)
		st, ok := byIndex[si]
		if !ok {
			st = &shardTask{index: si, key: a.shards.Key(si)}
			byIndex[si] = st
			shards = append(shards, st)
		}
		st.chunks = append(st.chunks, &chunkTask{
			proj:   p,
			linear: a.grid.LinearIndex(p.ChunkCoords),
			slot:   slot,
		})
		n++
	}
	return shards, n, nil
}

func (a *Array) rawChunkBytes() int {
	return int(a.grid.ChunkElements()) * a.dtype.Size()
}

// fetch loads the shard object and its slot table. A missing object is not
// an error; every chunk in it reads as zeros. verify forces every record
// checksum to be checked, which writes need before carrying untouched slots
// into a rebuilt shard.
func (a *Array) fetch(st *shardTask, verify bool) error {
	data, err := a.store.Get(st.key)
	if errors.Is(err, ErrNotFound) {
		st.existed = false
		a.shards.forget(st.index)
		return nil
	}
	if err != nil {
		return storageError(err, "get", st.key)
	}
	a.opts.metrics.bytesRead(len(data))
	entries, err := a.shards.entries(st.index, data, verify)
	if err != nil {
		a.opts.metrics.codecError()
		return err
	}
	st.data, st.existed, st.entries = data, true, entries
	return nil
}

// fetchRaw loads the shard object without parsing it. Writes that replace
// every slot only need the old bytes for rollback.
func (a *Array) fetchRaw(st *shardTask) error {
	data, err := a.store.Get(st.key)
	if errors.Is(err, ErrNotFound) {
		st.existed = false
		return nil
	}
	if err != nil {
		return storageError(err, "get", st.key)
	}
	a.opts.metrics.bytesRead(len(data))
	st.data, st.existed = data, true
	return nil
}

// coversShard reports whether the write replaces every slot of st.
func (a *Array) coversShard(st *shardTask) bool {
	if len(st.chunks) != a.shards.Slots(st.index) {
		return false
	}
	for _, ct := range st.chunks {
		if !a.grid.Covers(ct.proj) {
			return false
		}
	}
	return true
}

// load decodes the chunk from the fetched shard, or returns zeros when the
// chunk was never written. The result is always a fresh buffer.
func (a *Array) load(st *shardTask, ct *chunkTask) ([]byte, error) {
	if !st.existed || st.entries[ct.slot].Empty() {
		return make([]byte, a.rawChunkBytes()), nil
	}
	e := st.entries[ct.slot]
	if err := verifySlot(st.data, e, ct.slot); err != nil {
		a.opts.metrics.codecError()
		return nil, err
	}
	raw, err := a.codec.Decode(st.data[e.Offset:e.Offset+e.Length], a.rawChunkBytes())
	if err != nil {
		a.opts.metrics.codecError()
		return nil, err
	}
	return raw, nil
}

// lookupCache fills the chunks that are cached and reports whether the shard
// still has to be fetched.
func (a *Array) lookupCache(st *shardTask) (needFetch bool) {
	for _, ct := range st.chunks {
		if raw, ok := a.cache.get(ct.linear); ok {
			ct.raw, ct.cached = raw, true
		} else {
			needFetch = true
		}
	}
	return needFetch
}

func (a *Array) group() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(a.opts.concurrency)
	return g
}

func chunkError(err error, coord []int64) error {
	return errors.Wrapf(err, "chunk %v", errors.Safe(coord))
}

// readRegion fills dst with the row-major bytes of the region. dst is only
// written once every touched chunk has been loaded.
func (a *Array) readRegion(origin, shape []int64, dst []byte) error {
	shards, nchunks, err := a.plan(origin, shape)
	if err != nil {
		return err
	}

	g := a.group()
	for _, st := range shards {
		if !a.lookupCache(st) {
			continue
		}
		g.Go(func() error { return a.fetch(st, false) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g = a.group()
	for _, st := range shards {
		for _, ct := range st.chunks {
			if ct.cached {
				continue
			}
			g.Go(func() error {
				raw, err := a.load(st, ct)
				if err != nil {
					return chunkError(err, ct.proj.ChunkCoords)
				}
				ct.raw = raw
				if st.existed {
					a.cache.put(ct.linear, raw)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elemSize := int64(a.dtype.Size())
	for _, st := range shards {
		for _, ct := range st.chunks {
			p := ct.proj
			copyBox(dst, shape, p.OutStart, ct.raw, a.meta.Chunks, p.ChunkStart, p.Count, elemSize)
		}
	}
	a.log.Debug("read region",
		slog.String("path", a.path.String()),
		slog.Int("chunks", nchunks),
		slog.Int("shards", len(shards)),
		slog.Int("bytes", int(product(shape))*int(elemSize)))
	return nil
}

// writeRegion stores the row-major bytes in src into the region. All
// decoding, merging and encoding happens before the first store write. Each
// touched shard is rewritten with a single Put; when a Put fails, shards
// already written by this call are restored.
func (a *Array) writeRegion(origin, shape []int64, src []byte) error {
	shards, nchunks, err := a.plan(origin, shape)
	if err != nil {
		return err
	}

	// Other slots of a shard must survive the rewrite, so touched shards
	// are fetched and verified. A shard the write replaces entirely is only
	// read back for rollback, which a single-shard write never needs.
	g := a.group()
	for _, st := range shards {
		st.covered = a.coversShard(st)
		switch {
		case st.covered && len(shards) == 1:
		case st.covered:
			g.Go(func() error { return a.fetchRaw(st) })
		default:
			g.Go(func() error { return a.fetch(st, true) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elemSize := int64(a.dtype.Size())
	g = a.group()
	for _, st := range shards {
		for _, ct := range st.chunks {
			g.Go(func() error {
				var raw []byte
				if a.grid.Covers(ct.proj) {
					raw = make([]byte, a.rawChunkBytes())
				} else if cached, ok := a.cache.get(ct.linear); ok {
					raw = cached
				} else {
					var err error
					if raw, err = a.load(st, ct); err != nil {
						return chunkError(err, ct.proj.ChunkCoords)
					}
				}
				p := ct.proj
				copyBox(raw, a.meta.Chunks, p.ChunkStart, src, shape, p.OutStart, p.Count, elemSize)
				enc, err := a.codec.Encode(raw)
				if err != nil {
					a.opts.metrics.codecError()
					return chunkError(err, p.ChunkCoords)
				}
				ct.raw, ct.enc = raw, enc
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, st := range shards {
		var slots [][]byte
		if st.existed && !st.covered {
			slots = splitShard(st.data, st.entries)
		} else {
			slots = make([][]byte, a.shards.Slots(st.index))
		}
		for _, ct := range st.chunks {
			slots[ct.slot] = ct.enc
		}
		st.newData, st.newEntries = buildShard(st.key, slots)
	}

	for i, st := range shards {
		if err := a.store.Put(st.key, st.newData); err != nil {
			err = storageError(err, "put", st.key)
			a.rollback(shards[:i])
			for _, st := range shards {
				a.shards.forget(st.index)
				for _, ct := range st.chunks {
					a.cache.invalidate(ct.linear)
				}
			}
			return err
		}
		a.opts.metrics.bytesWritten(len(st.newData))
		a.shards.remember(st.index, st.newEntries)
	}
	for _, st := range shards {
		for _, ct := range st.chunks {
			a.cache.put(ct.linear, ct.raw)
		}
	}
	a.log.Debug("wrote region",
		slog.String("path", a.path.String()),
		slog.Int("chunks", nchunks),
		slog.Int("shards", len(shards)),
		slog.Int("bytes", int(product(shape))*int(elemSize)))
	return nil
}

// rollback restores shards written earlier in a failed call, newest first.
func (a *Array) rollback(written []*shardTask) {
	for i := len(written) - 1; i >= 0; i-- {
		st := written[i]
		var err error
		if st.existed {
			err = a.store.Put(st.key, st.data)
		} else {
			err = a.store.Delete(st.key)
		}
		a.log.Warn("rolling back shard",
			slog.String("path", a.path.String()),
			slog.String("key", st.key),
			slog.Bool("existed", st.existed),
			slog.Any("err", err))
	}
}

func product(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
