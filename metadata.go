package zarr

import (
	"encoding/json"
	"slices"

	"github.com/cockroachdb/errors"
)

type MetaType string

const (
	// MTAttributes stores userland metadata keyed by array name
	MTAttributes MetaType = ".zattrs"
	// MTArray is the key for storing metadata on an array store
	MTArray MetaType = ".zarray"
)

// chunkDir is the path element under which shard objects live.
const chunkDir = "c"

// Each array requires essential configuration metadata to be stored,
// enabling correct interpretation of the stored data.
// This metadata is encoded using JSON and stored as the value of the
// ".zarray" key within an array store. It is written once when the array is
// created and never modified.
type ArrayMeta struct {
	// An integer defining the version of the storage specification to which
	// the array store adheres.
	ZarrFormat int `json:"zarr_format"`
	// A list of integers defining the length of each dimension of the array.
	Shape []int64 `json:"shape"`
	// A list of integers defining the length of each dimension of a chunk of the
	// array. Note that all chunks within a Zarr array have the same shape.
	Chunks []int64 `json:"chunks"`
	// The element type, as a NumPy typestr.
	Dtype Dtype `json:"dtype"`
	// The chunk codec, or null if chunks are stored raw.
	Compressor *CompressionMeta `json:"compressor"`
	// Uninitialized portions of the array read as this value. Always 0.
	FillValue int `json:"fill_value"`
	// Either "C" or "F". Only row-major "C" is written.
	Order string `json:"order"`
	// Filters are not supported and always null.
	Filters []Filter `json:"filters"`
	// The separator placed between the chunk directory and shard index.
	DimensionSeparator string `json:"dimension_separator"`
	// Target shard size in MiB of uncompressed chunk data. 0 stores one
	// chunk per shard object.
	ShardSizeMB int `json:"shard_size_mb"`
}

type Filter struct {
	ID string `json:"id"`
}

func newArrayMeta(dtype DataType, shape, chunks []int64, shardMB int, codec CodecConfig) *ArrayMeta {
	m := &ArrayMeta{
		ZarrFormat:         ZarrFormat,
		Shape:              append([]int64(nil), shape...),
		Chunks:             append([]int64(nil), chunks...),
		Dtype:              dtype.Dtype(),
		Order:              "C",
		DimensionSeparator: "/",
		ShardSizeMB:        shardMB,
	}
	if codec = codec.normalize(); codec.Compressor != CompressorNone {
		cm := codec.meta()
		m.Compressor = &cm
	}
	return m
}

func decodeArrayMeta(data []byte) (*ArrayMeta, error) {
	m := &ArrayMeta{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decoding .zarray"), ErrCorrupt)
	}
	if m.ZarrFormat != ZarrFormat {
		return nil, invalidConfigf("unsupported zarr_format %d", m.ZarrFormat)
	}
	if m.Order != "" && m.Order != "C" {
		return nil, invalidConfigf("unsupported order %q", m.Order)
	}
	if len(m.Filters) > 0 {
		return nil, invalidConfigf("filters are not supported")
	}
	if m.ShardSizeMB < 0 {
		return nil, invalidConfigf("negative shard_size_mb %d", m.ShardSizeMB)
	}
	return m, nil
}

// DataType resolves the descriptor's dtype.
func (m *ArrayMeta) DataType() (DataType, error) {
	return m.Dtype.DataType()
}

// Codec resolves the descriptor's compressor.
func (m *ArrayMeta) Codec() (CodecConfig, error) {
	if m.Compressor == nil {
		return CodecConfig{}, nil
	}
	return m.Compressor.CodecConfig()
}

// sameLayout reports whether two descriptors describe the same grid and
// element type.
func (m *ArrayMeta) sameLayout(o *ArrayMeta) bool {
	return slices.Equal(m.Shape, o.Shape) && slices.Equal(m.Chunks, o.Chunks) &&
		m.Dtype == o.Dtype && m.ShardSizeMB == o.ShardSizeMB
}

// Attributes is the metadata sidecar document stored under ".zattrs".
type Attributes struct {
	CustomMetadata map[string]string `json:"custom_metadata"`
}

func decodeAttributes(data []byte) (map[string]string, error) {
	var a Attributes
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decoding .zattrs"), ErrCorrupt)
	}
	if a.CustomMetadata == nil {
		a.CustomMetadata = map[string]string{}
	}
	return a.CustomMetadata, nil
}
