package zarr

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minlz"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/sync/errgroup"
)

// A blosc frame is a small header followed by independently compressed
// blocks:
//
//	version   byte
//	shuffle   byte
//	subcodec  byte
//	typesize  byte
//	rawLen    uvarint
//	blockSize uvarint
//	nblocks   uvarint
//	nblocks * (flag byte, length uvarint, payload)
//
// flag 0 stores the (shuffled) block raw, flag 1 compressed with subcodec.
const (
	bloscVersion      = 1
	bloscHeaderFixed  = 4
	blockRaw          = 0
	blockCompressed   = 1
	// maxBloscBlockSize matches the largest block minlz accepts.
	maxBloscBlockSize = 8 << 20
)

type subCodecID byte

const (
	subLZ4 subCodecID = iota + 1
	subZstd
	subBloscLZ
	subSnappy
)

var subCodecIDs = map[string]subCodecID{
	"lz4":     subLZ4,
	"zstd":    subZstd,
	"blosclz": subBloscLZ,
	"snappy":  subSnappy,
}

// lz4Levels maps blosc levels 4-9 onto lz4 HC depths; lower levels use the
// fast block compressor.
var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// compressBlock returns the compressed block, or nil when compression did
// not shrink it.
func compressBlock(id subCodecID, level int, src []byte) ([]byte, error) {
	var out []byte
	switch id {
	case subLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		var n int
		var err error
		if level <= 3 {
			n, err = lz4.CompressBlock(src, dst, nil)
		} else {
			n, err = lz4.CompressBlockHC(src, dst, lz4Levels[level-1], nil, nil)
		}
		if err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		out = dst[:n]
	case subZstd:
		enc, err := zstdEncoder(level)
		if err != nil {
			return nil, err
		}
		out = enc.EncodeAll(src, nil)
	case subBloscLZ:
		minLevel := minlz.LevelFastest
		if level > 5 {
			minLevel = minlz.LevelBalanced
		}
		var err error
		out, err = minlz.Encode(nil, src, minLevel)
		if err != nil {
			return nil, errors.Wrap(err, "minlz compress")
		}
	case subSnappy:
		out = snappy.Encode(nil, src)
	default:
		return nil, errors.AssertionFailedf("unknown blosc sub-codec %d", id)
	}
	if len(out) == 0 || len(out) >= len(src) {
		return nil, nil
	}
	return out, nil
}

func decompressBlock(id subCodecID, src []byte, rawLen int) ([]byte, error) {
	var out []byte
	var err error
	switch id {
	case subLZ4:
		out = make([]byte, rawLen)
		var n int
		n, err = lz4.UncompressBlock(src, out)
		if err == nil && n != rawLen {
			return nil, corruptf("lz4 block: got %d bytes, expected %d", n, rawLen)
		}
	case subZstd:
		var dec *zstd.Decoder
		if dec, err = zstdDecoder(); err != nil {
			return nil, err
		}
		out, err = dec.DecodeAll(src, make([]byte, 0, rawLen))
	case subBloscLZ:
		out, err = minlz.Decode(nil, src)
	case subSnappy:
		out, err = snappy.Decode(nil, src)
	default:
		return nil, corruptf("unknown blosc sub-codec %d", id)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "blosc block"), ErrCorrupt)
	}
	if len(out) != rawLen {
		return nil, corruptf("blosc block: got %d bytes, expected %d", len(out), rawLen)
	}
	return out, nil
}

// bloscBlockSize rounds the configured block size down to whole elements.
func bloscBlockSize(cfg CodecConfig, typeSize, rawLen int) int {
	bs := cfg.BlockSize
	if bs == 0 {
		bs = defaultBloscBlockSize
	}
	if bs > rawLen {
		bs = rawLen
	}
	if bs >= typeSize {
		bs -= bs % typeSize
	}
	if bs == 0 {
		bs = 1
	}
	return bs
}

func numBlocks(rawLen, blockSize int) int {
	return (rawLen + blockSize - 1) / blockSize
}

func workers(threads int) int {
	if threads < 1 {
		return 1
	}
	return threads
}

func bloscEncode(raw []byte, cfg CodecConfig, typeSize int) ([]byte, error) {
	id := subCodecIDs[cfg.subCompressor()]
	bs := bloscBlockSize(cfg, typeSize, len(raw))
	n := numBlocks(len(raw), bs)

	type block struct {
		flag    byte
		payload []byte
	}
	blocks := make([]block, n)
	var g errgroup.Group
	g.SetLimit(workers(cfg.Threads))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			end := min((i+1)*bs, len(raw))
			src := shuffleBlock(cfg.Shuffle, raw[i*bs:end], typeSize)
			blocks[i] = block{flag: blockRaw, payload: src}
			if cfg.Level == 0 {
				return nil
			}
			c, err := compressBlock(id, cfg.Level, src)
			if err != nil {
				return errors.Wrapf(err, "block %d", i)
			}
			if c != nil {
				blocks[i] = block{flag: blockCompressed, payload: c}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	size := bloscHeaderFixed + 3*binary.MaxVarintLen64
	for _, b := range blocks {
		size += 1 + binary.MaxVarintLen64 + len(b.payload)
	}
	out := make([]byte, 0, size)
	out = append(out, bloscVersion, byte(cfg.Shuffle), byte(id), byte(typeSize))
	out = binary.AppendUvarint(out, uint64(len(raw)))
	out = binary.AppendUvarint(out, uint64(bs))
	out = binary.AppendUvarint(out, uint64(n))
	for _, b := range blocks {
		out = append(out, b.flag)
		out = binary.AppendUvarint(out, uint64(len(b.payload)))
		out = append(out, b.payload...)
	}
	return out, nil
}

func readUvarint(b []byte, what string) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, corruptf("blosc frame: bad %s", what)
	}
	return v, b[n:], nil
}

func bloscDecode(enc []byte, cfg CodecConfig, typeSize, rawLen int) ([]byte, error) {
	if len(enc) < bloscHeaderFixed {
		return nil, corruptf("blosc frame: %d bytes is shorter than the header", len(enc))
	}
	if enc[0] != bloscVersion {
		return nil, corruptf("blosc frame: unknown version %d", enc[0])
	}
	shuffle, id, ts := Shuffle(enc[1]), subCodecID(enc[2]), int(enc[3])
	if shuffle != cfg.Shuffle || id != subCodecIDs[cfg.subCompressor()] || ts != typeSize {
		return nil, corruptf("blosc frame written with shuffle=%d codec=%d typesize=%d, array uses shuffle=%d codec=%s typesize=%d",
			shuffle, id, ts, cfg.Shuffle, cfg.subCompressor(), typeSize)
	}
	b := enc[bloscHeaderFixed:]
	total, b, err := readUvarint(b, "raw length")
	if err != nil {
		return nil, err
	}
	if total != uint64(rawLen) {
		return nil, corruptf("blosc frame: raw length %d, expected %d", total, rawLen)
	}
	bs64, b, err := readUvarint(b, "block size")
	if err != nil {
		return nil, err
	}
	n64, b, err := readUvarint(b, "block count")
	if err != nil {
		return nil, err
	}
	if bs64 == 0 || bs64 > uint64(max(rawLen, 1)) {
		return nil, corruptf("blosc frame: bad block size %d", bs64)
	}
	bs := int(bs64)
	n := numBlocks(rawLen, bs)
	if n64 != uint64(n) {
		return nil, corruptf("blosc frame: %d blocks, expected %d", n64, n)
	}

	type block struct {
		flag    byte
		payload []byte
	}
	blocks := make([]block, n)
	for i := range blocks {
		if len(b) == 0 {
			return nil, corruptf("blosc frame: truncated at block %d", i)
		}
		flag := b[0]
		var l uint64
		if l, b, err = readUvarint(b[1:], "block length"); err != nil {
			return nil, err
		}
		if l > uint64(len(b)) {
			return nil, corruptf("blosc frame: block %d length %d exceeds remaining %d bytes", i, l, len(b))
		}
		blocks[i] = block{flag: flag, payload: b[:l]}
		b = b[l:]
	}
	if len(b) != 0 {
		return nil, corruptf("blosc frame: %d trailing bytes", len(b))
	}

	out := make([]byte, rawLen)
	var g errgroup.Group
	g.SetLimit(workers(cfg.Threads))
	for i, blk := range blocks {
		g.Go(func() error {
			start := i * bs
			want := min(bs, rawLen-start)
			var shuffled []byte
			switch blk.flag {
			case blockRaw:
				if len(blk.payload) != want {
					return corruptf("blosc block %d: raw length %d, expected %d", i, len(blk.payload), want)
				}
				shuffled = blk.payload
			case blockCompressed:
				var err error
				if shuffled, err = decompressBlock(id, blk.payload, want); err != nil {
					return errors.Wrapf(err, "block %d", i)
				}
			default:
				return corruptf("blosc block %d: unknown flag %d", i, blk.flag)
			}
			copy(out[start:], unshuffleBlock(shuffle, shuffled, typeSize))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
