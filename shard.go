package zarr

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// A shard object packs the encoded chunks of consecutive linear chunk
// indices:
//
//	magic    "ZSH1"
//	nslots   uvarint
//	nslots * (length uvarint, payload, xxhash64 little-endian uint64)
//
// A zero length marks a slot whose chunk was never written; it carries no
// payload and no checksum.
const (
	shardMagic   = "ZSH1"
	checksumSize = 8
	bytesPerMiB  = 1 << 20
)

// ShardEntry locates one encoded chunk inside its shard object.
type ShardEntry struct {
	Key    string
	Offset int
	Length int
}

// Empty reports whether the slot holds no chunk.
func (e ShardEntry) Empty() bool { return e.Length == 0 }

// shardMap groups chunks into shard objects. The grouping is a pure function
// of the grid and the shard budget.
type shardMap struct {
	root           Path
	grid           *Grid
	chunksPerShard int64

	mu sync.Mutex
	// offsets caches the scanned slot table of each shard this handle has
	// seen, keyed by shard index.
	offsets map[int64][]ShardEntry
}

// chunksPerShard returns how many chunks fit the budget. The budget is a
// soft target on uncompressed bytes; a chunk larger than the budget gets a
// shard of its own.
func chunksPerShard(budgetMB int, rawChunkBytes int64) int64 {
	if budgetMB <= 0 || rawChunkBytes <= 0 {
		return 1
	}
	return max(1, int64(budgetMB)*bytesPerMiB/rawChunkBytes)
}

func newShardMap(root Path, grid *Grid, budgetMB int, elemSize int) *shardMap {
	return &shardMap{
		root:           root,
		grid:           grid,
		chunksPerShard: chunksPerShard(budgetMB, grid.ChunkElements()*int64(elemSize)),
		offsets:        map[int64][]ShardEntry{},
	}
}

// NumShards returns how many shard objects a fully written array occupies.
func (m *shardMap) NumShards() int64 {
	return (m.grid.NumChunks() + m.chunksPerShard - 1) / m.chunksPerShard
}

// Slots returns the number of slots in the shard with index si. The last
// shard may be short.
func (m *shardMap) Slots(si int64) int {
	first := si * m.chunksPerShard
	return int(min(m.chunksPerShard, m.grid.NumChunks()-first))
}

// Resolve returns the shard index and slot holding the chunk at coord.
func (m *shardMap) Resolve(coord []int64) (shard int64, slot int) {
	linear := m.grid.LinearIndex(coord)
	return linear / m.chunksPerShard, int(linear % m.chunksPerShard)
}

// Key returns the store key of shard si.
func (m *shardMap) Key(si int64) string {
	return m.root.Key(chunkDir, strconv.FormatInt(si, 10))
}

// cached returns the slot table recorded for shard si, if any.
func (m *shardMap) cached(si int64) ([]ShardEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.offsets[si]
	return e, ok
}

func (m *shardMap) remember(si int64, entries []ShardEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[si] = entries
}

func (m *shardMap) forget(si int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offsets, si)
}

func (m *shardMap) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets = map[int64][]ShardEntry{}
}

// entries returns the slot table for the shard object data, scanning it on
// first use. A table whose extent disagrees with data is rescanned. A cached
// table skips checksum verification; callers verify the slots they use.
// rescan forces a full scan.
func (m *shardMap) entries(si int64, data []byte, rescan bool) ([]ShardEntry, error) {
	if e, ok := m.cached(si); ok && !rescan && tableMatches(e, data) {
		return e, nil
	}
	e, err := scanShard(m.Key(si), data, m.Slots(si))
	if err != nil {
		return nil, err
	}
	m.remember(si, e)
	return e, nil
}

func tableMatches(entries []ShardEntry, data []byte) bool {
	if len(entries) == 0 {
		return false
	}
	last := entries[len(entries)-1]
	end := last.Offset + last.Length
	if !last.Empty() {
		end += checksumSize
	}
	return end == len(data)
}

// scanShard walks the shard object and verifies every record checksum.
func scanShard(key string, data []byte, wantSlots int) ([]ShardEntry, error) {
	if len(data) < len(shardMagic) || string(data[:len(shardMagic)]) != shardMagic {
		return nil, corruptf("shard %q: bad magic", key)
	}
	off := len(shardMagic)
	n, w := binary.Uvarint(data[off:])
	if w <= 0 {
		return nil, corruptf("shard %q: bad slot count", key)
	}
	off += w
	if n != uint64(wantSlots) {
		return nil, corruptf("shard %q: %d slots, expected %d", key, n, wantSlots)
	}
	entries := make([]ShardEntry, wantSlots)
	for i := range entries {
		l, w := binary.Uvarint(data[off:])
		if w <= 0 {
			return nil, corruptf("shard %q: slot %d: bad length", key, i)
		}
		off += w
		entries[i] = ShardEntry{Key: key, Offset: off}
		if l == 0 {
			continue
		}
		if l > uint64(len(data)-off) || len(data)-off-int(l) < checksumSize {
			return nil, corruptf("shard %q: slot %d: record of %d bytes is truncated", key, i, l)
		}
		payload := data[off : off+int(l)]
		sum := binary.LittleEndian.Uint64(data[off+int(l):])
		if xxhash.Sum64(payload) != sum {
			return nil, corruptf("shard %q: slot %d: checksum mismatch", key, i)
		}
		entries[i].Length = int(l)
		off += int(l) + checksumSize
	}
	if off != len(data) {
		return nil, corruptf("shard %q: %d trailing bytes", key, len(data)-off)
	}
	return entries, nil
}

// buildShard serializes slots in order; a nil or empty slot is recorded as
// never written. It returns the object and its slot table.
func buildShard(key string, slots [][]byte) ([]byte, []ShardEntry) {
	size := len(shardMagic) + binary.MaxVarintLen64
	for _, s := range slots {
		size += binary.MaxVarintLen64 + len(s) + checksumSize
	}
	out := make([]byte, 0, size)
	out = append(out, shardMagic...)
	out = binary.AppendUvarint(out, uint64(len(slots)))
	entries := make([]ShardEntry, len(slots))
	for i, s := range slots {
		out = binary.AppendUvarint(out, uint64(len(s)))
		entries[i] = ShardEntry{Key: key, Offset: len(out), Length: len(s)}
		if len(s) == 0 {
			continue
		}
		out = append(out, s...)
		out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(s))
	}
	return out, entries
}

// verifySlot checks the record checksum of one non-empty slot.
func verifySlot(data []byte, e ShardEntry, slot int) error {
	end := e.Offset + e.Length
	if end+checksumSize > len(data) {
		return corruptf("shard %q: slot %d: record is truncated", e.Key, slot)
	}
	if xxhash.Sum64(data[e.Offset:end]) != binary.LittleEndian.Uint64(data[end:]) {
		return corruptf("shard %q: slot %d: checksum mismatch", e.Key, slot)
	}
	return nil
}

// splitShard returns the payload of every slot, nil for empty ones. The
// payloads alias data.
func splitShard(data []byte, entries []ShardEntry) [][]byte {
	slots := make([][]byte, len(entries))
	for i, e := range entries {
		if !e.Empty() {
			slots[i] = data[e.Offset : e.Offset+e.Length]
		}
	}
	return slots
}
