package zarr

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/qri-io/dataset/compression"
	"gopkg.in/yaml.v3"
)

// Compressor selects the whole-chunk codec.
type Compressor string

const (
	CompressorNone  Compressor = "none"
	CompressorZstd  Compressor = "zstd"
	CompressorBlosc Compressor = "blosc"
	CompressorGzip  Compressor = "gzip"
)

// Shuffle selects the transposition applied to each blosc block before
// compression. Values match the blosc shuffle flag.
type Shuffle int

const (
	NoShuffle   Shuffle = 0
	ByteShuffle Shuffle = 1
	BitShuffle  Shuffle = 2
)

func (s Shuffle) String() string {
	switch s {
	case NoShuffle:
		return "none"
	case ByteShuffle:
		return "byte"
	case BitShuffle:
		return "bit"
	}
	return fmt.Sprintf("shuffle(%d)", int(s))
}

// ParseShuffle accepts "none", "byte", "bit" or the numeric blosc flag.
func ParseShuffle(s string) (Shuffle, error) {
	switch s {
	case "none", "0", "":
		return NoShuffle, nil
	case "byte", "1":
		return ByteShuffle, nil
	case "bit", "2":
		return BitShuffle, nil
	}
	return 0, invalidConfigf("unknown shuffle %q", s)
}

// UnmarshalYAML accepts any form ParseShuffle does, so preset files may
// name the shuffle.
func (s *Shuffle) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return invalidConfigf("line %d: shuffle must be a scalar", value.Line)
	}
	v, err := ParseShuffle(value.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseCompressor accepts the compressor names; "" means none.
func ParseCompressor(s string) (Compressor, error) {
	switch c := Compressor(s); c {
	case "", CompressorNone:
		return CompressorNone, nil
	case CompressorZstd, CompressorBlosc, CompressorGzip:
		return c, nil
	}
	return "", invalidConfigf("unknown compressor %q", s)
}

// CodecConfig describes how chunks are encoded. It is fixed when the array
// is created.
type CodecConfig struct {
	Compressor Compressor `yaml:"compressor"`
	// Level is 1-22 for zstd and 0-9 for blosc. gzip always uses the
	// default level.
	Level int `yaml:"level"`
	// SubCompressor is the blosc block codec: lz4, zstd, blosclz or snappy.
	SubCompressor string `yaml:"sub_compressor"`
	// BlockSize is the blosc block size in bytes. 0 picks 256 KiB.
	BlockSize int     `yaml:"block_size"`
	Shuffle   Shuffle `yaml:"shuffle"`
	// Threads bounds the blosc block workers. It does not affect the
	// encoded bytes.
	Threads int `yaml:"threads"`
}

const (
	defaultBloscBlockSize = 256 << 10
	maxZstdLevel          = 22
	maxBloscLevel         = 9
)

// Validate checks the configuration for internal consistency.
func (c CodecConfig) Validate() error {
	if c.Threads < 0 {
		return invalidConfigf("negative thread hint %d", c.Threads)
	}
	switch c.Compressor {
	case "", CompressorNone:
		if c.Level != 0 || c.SubCompressor != "" || c.Shuffle != NoShuffle || c.BlockSize != 0 {
			return invalidConfigf("compressor none takes no level, sub-compressor, shuffle or block size")
		}
	case CompressorZstd:
		if c.Level < 1 || c.Level > maxZstdLevel {
			return invalidConfigf("zstd level %d out of range [1,%d]", c.Level, maxZstdLevel)
		}
		if c.SubCompressor != "" || c.Shuffle != NoShuffle || c.BlockSize != 0 {
			return invalidConfigf("zstd takes no sub-compressor, shuffle or block size")
		}
	case CompressorGzip:
		if c.Level < 0 || c.Level > 9 {
			return invalidConfigf("gzip level %d out of range [0,9]", c.Level)
		}
		if c.SubCompressor != "" || c.Shuffle != NoShuffle || c.BlockSize != 0 {
			return invalidConfigf("gzip takes no sub-compressor, shuffle or block size")
		}
	case CompressorBlosc:
		if c.Level < 0 || c.Level > maxBloscLevel {
			return invalidConfigf("blosc level %d out of range [0,%d]", c.Level, maxBloscLevel)
		}
		if _, ok := subCodecIDs[c.subCompressor()]; !ok {
			return invalidConfigf("unknown blosc sub-compressor %q", c.SubCompressor)
		}
		if c.Shuffle < NoShuffle || c.Shuffle > BitShuffle {
			return invalidConfigf("unknown shuffle %d", int(c.Shuffle))
		}
		if c.BlockSize < 0 || c.BlockSize > maxBloscBlockSize {
			return invalidConfigf("blosc block size %d out of range [0,%d]", c.BlockSize, maxBloscBlockSize)
		}
	default:
		return invalidConfigf("unknown compressor %q", c.Compressor)
	}
	return nil
}

func (c CodecConfig) normalize() CodecConfig {
	if c.Compressor == "" {
		c.Compressor = CompressorNone
	}
	if c.Compressor == CompressorBlosc && c.SubCompressor == "" {
		c.SubCompressor = "lz4"
	}
	return c
}

func (c CodecConfig) subCompressor() string {
	if c.SubCompressor == "" {
		return "lz4"
	}
	return c.SubCompressor
}

// Equivalent reports whether chunks written under c decode under o. The
// thread hint is ignored.
func (c CodecConfig) Equivalent(o CodecConfig) bool {
	c, o = c.normalize(), o.normalize()
	c.Threads, o.Threads = 0, 0
	return c == o
}

func (c CodecConfig) String() string {
	c = c.normalize()
	switch c.Compressor {
	case CompressorBlosc:
		return fmt.Sprintf("blosc(%s, level=%d, shuffle=%s, block=%d)", c.SubCompressor, c.Level, c.Shuffle, c.BlockSize)
	case CompressorNone:
		return "none"
	default:
		return fmt.Sprintf("%s(level=%d)", c.Compressor, c.Level)
	}
}

// CompressionMeta defines compression settings zarr-go understands. It is
// the persisted form of CodecConfig.
type CompressionMeta struct {
	ID        string `json:"id"`
	Cname     string `json:"cname,omitempty"`
	Clevel    int    `json:"clevel"`
	Shuffle   int    `json:"shuffle,omitempty"`
	Blocksize int    `json:"blocksize,omitempty"`
	Threads   int    `json:"threads,omitempty"`
}

func (c CodecConfig) meta() CompressionMeta {
	c = c.normalize()
	m := CompressionMeta{
		ID:      string(c.Compressor),
		Clevel:  c.Level,
		Threads: c.Threads,
	}
	if c.Compressor == CompressorBlosc {
		m.Cname = c.SubCompressor
		m.Shuffle = int(c.Shuffle)
		m.Blocksize = c.BlockSize
	}
	return m
}

// CodecConfig converts the persisted settings back into a validated config.
func (m *CompressionMeta) CodecConfig() (CodecConfig, error) {
	comp, err := ParseCompressor(m.ID)
	if err != nil {
		return CodecConfig{}, err
	}
	c := CodecConfig{
		Compressor:    comp,
		Level:         m.Clevel,
		SubCompressor: m.Cname,
		BlockSize:     m.Blocksize,
		Shuffle:       Shuffle(m.Shuffle),
		Threads:       m.Threads,
	}
	if err := c.Validate(); err != nil {
		return CodecConfig{}, err
	}
	return c.normalize(), nil
}

// Codec encodes and decodes whole chunks for one array.
type Codec struct {
	cfg      CodecConfig
	typeSize int
}

// NewCodec validates cfg and binds it to the element width of dtype, which
// drives blosc shuffling.
func NewCodec(cfg CodecConfig, dtype DataType) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !dtype.Valid() {
		return nil, invalidConfigf("unsupported data type %s", dtype)
	}
	return &Codec{cfg: cfg.normalize(), typeSize: dtype.Size()}, nil
}

// Config returns the normalized configuration.
func (c *Codec) Config() CodecConfig { return c.cfg }

// Encode turns a raw chunk into its stored form. Output is deterministic for
// a given config and input. The result may alias raw.
func (c *Codec) Encode(raw []byte) ([]byte, error) {
	switch c.cfg.Compressor {
	case CompressorNone:
		return raw, nil
	case CompressorZstd:
		enc, err := zstdEncoder(c.cfg.Level)
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(raw, nil), nil
	case CompressorGzip:
		return gzipEncode(raw)
	case CompressorBlosc:
		return bloscEncode(raw, c.cfg, c.typeSize)
	}
	return nil, errors.AssertionFailedf("unhandled compressor %q", c.cfg.Compressor)
}

// Decode reverses Encode. The result always has exactly rawLen bytes and
// never aliases enc; any mismatch is reported as ErrCorrupt.
func (c *Codec) Decode(enc []byte, rawLen int) ([]byte, error) {
	switch c.cfg.Compressor {
	case CompressorNone:
		if len(enc) != rawLen {
			return nil, corruptf("raw chunk has %d bytes, expected %d", len(enc), rawLen)
		}
		return append([]byte(nil), enc...), nil
	case CompressorZstd:
		return zstdDecode(enc, rawLen)
	case CompressorGzip:
		return gzipDecode(enc, rawLen)
	case CompressorBlosc:
		return bloscDecode(enc, c.cfg, c.typeSize, rawLen)
	}
	return nil, errors.AssertionFailedf("unhandled compressor %q", c.cfg.Compressor)
}

// zstd encoders are shared per level; EncodeAll and DecodeAll are safe for
// concurrent use.
var zstdEncoders struct {
	sync.Mutex
	m map[zstd.EncoderLevel]*zstd.Encoder
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	l := zstd.EncoderLevelFromZstd(level)
	zstdEncoders.Lock()
	defer zstdEncoders.Unlock()
	if e, ok := zstdEncoders.m[l]; ok {
		return e, nil
	}
	e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(l), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}
	if zstdEncoders.m == nil {
		zstdEncoders.m = map[zstd.EncoderLevel]*zstd.Encoder{}
	}
	zstdEncoders.m[l] = e
	return e, nil
}

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

func zstdDecode(enc []byte, rawLen int) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, errors.Wrap(err, "zstd decoder")
	}
	out, err := dec.DecodeAll(enc, make([]byte, 0, rawLen))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "zstd decompress"), ErrCorrupt)
	}
	if len(out) != rawLen {
		return nil, corruptf("zstd decompress: got %d bytes, expected %d", len(out), rawLen)
	}
	return out, nil
}

// gzipFormat is the qri compression format name.
const gzipFormat = "gzip"

func gzipEncode(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := compression.Compressor(gzipFormat, &buf)
	if err != nil {
		return nil, errors.Wrap(err, "gzip compressor")
	}
	if _, err := w.Write(raw); err != nil {
		return nil, errors.Wrap(err, "gzip compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip compress")
	}
	return buf.Bytes(), nil
}

func gzipDecode(enc []byte, rawLen int) ([]byte, error) {
	r, err := compression.Decompressor(gzipFormat, io.NopCloser(bytes.NewReader(enc)))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "gzip decompress"), ErrCorrupt)
	}
	defer r.Close()
	// Read one byte past rawLen to detect oversized payloads.
	out, err := io.ReadAll(io.LimitReader(r, int64(rawLen)+1))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "gzip decompress"), ErrCorrupt)
	}
	if len(out) != rawLen {
		return nil, corruptf("gzip decompress: got %d bytes, expected %d", len(out), rawLen)
	}
	return out, nil
}
