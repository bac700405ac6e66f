package main

import (
	"os"

	"github.com/cockroachdb/errors"
	zarr "github.com/go2scope/zarr-go"
	"gopkg.in/yaml.v3"
)

// preset is a named codec configuration.
type preset struct {
	Name  string           `yaml:"name"`
	Codec zarr.CodecConfig `yaml:"codec"`
}

type presetFile struct {
	Presets []preset `yaml:"presets"`
}

func blosc(sub string, level int, shuffle zarr.Shuffle) zarr.CodecConfig {
	return zarr.CodecConfig{
		Compressor:    zarr.CompressorBlosc,
		SubCompressor: sub,
		Level:         level,
		BlockSize:     256 << 10,
		Shuffle:       shuffle,
		Threads:       4,
	}
}

func zstd(level int) zarr.CodecConfig {
	return zarr.CodecConfig{Compressor: zarr.CompressorZstd, Level: level, Threads: 1}
}

var builtinPresets = []preset{
	{"No compression", zarr.CodecConfig{Compressor: zarr.CompressorNone}},
	{"ZSTD light", zstd(1)},
	{"ZSTD balanced", zstd(3)},
	{"ZSTD heavy", zstd(9)},
	{"Blosc-LZ4 light", blosc("lz4", 1, zarr.ByteShuffle)},
	{"Blosc-LZ4 balanced", blosc("lz4", 5, zarr.BitShuffle)},
	{"Blosc-LZ4 heavy", blosc("lz4", 9, zarr.BitShuffle)},
	{"Blosc-ZSTD light", blosc("zstd", 1, zarr.ByteShuffle)},
	{"Blosc-ZSTD balanced", blosc("zstd", 3, zarr.BitShuffle)},
	{"Blosc-ZSTD heavy", blosc("zstd", 9, zarr.BitShuffle)},
	{"Blosc-BLOSCLZ light", blosc("blosclz", 1, zarr.ByteShuffle)},
	{"Blosc-BLOSCLZ balanced", blosc("blosclz", 5, zarr.BitShuffle)},
	{"Blosc-BLOSCLZ heavy", blosc("blosclz", 9, zarr.BitShuffle)},
	{"Blosc-Snappy", blosc("snappy", 5, zarr.ByteShuffle)},
	{"Gzip", zarr.CodecConfig{Compressor: zarr.CompressorGzip}},
}

// loadPresets returns the built-in presets, or those in path when set.
func loadPresets(path string) ([]preset, error) {
	if path == "" {
		return builtinPresets, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading presets")
	}
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing presets %q", path)
	}
	if len(f.Presets) == 0 {
		return nil, errors.Newf("%s: no presets", path)
	}
	for _, p := range f.Presets {
		if err := p.Codec.Validate(); err != nil {
			return nil, errors.Wrapf(err, "preset %q", p.Name)
		}
	}
	return f.Presets, nil
}

func findPreset(presets []preset, name string) (zarr.CodecConfig, error) {
	for _, p := range presets {
		if p.Name == name {
			return p.Codec, nil
		}
	}
	return zarr.CodecConfig{}, errors.Newf("unknown preset %q", name)
}
