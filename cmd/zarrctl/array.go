package main

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	zarr "github.com/go2scope/zarr-go"
	"github.com/spf13/cobra"
)

var createConfig struct {
	shape      string
	chunks     string
	dtype      string
	shardMB    int
	preset     string
	presetFile string
	compressor string
	level      int
	sub        string
	blockSize  int
	shuffle    string
	threads    int
	overwrite  bool
}

var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "create an array",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var infoCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "describe an array",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var writeRampCmd = &cobra.Command{
	Use:   "write-ramp <path>",
	Short: "fill an array with a ramp of its linear element index",
	Args:  cobra.ExactArgs(1),
	RunE:  runWriteRamp,
}

var readConfig struct {
	origin string
	shape  string
	limit  int
}

var readCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "print the elements of a region",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the library version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "zarr-go %s (zarr format %d)\n", zarr.VersionString(), zarr.ZarrFormat)
	},
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createConfig.shape, "shape", "64,64,64", "array extent per axis")
	f.StringVar(&createConfig.chunks, "chunks", "32,32,32", "chunk extent per axis")
	f.StringVar(&createConfig.dtype, "dtype", "uint16", "element type: uint8, uint16 or uint32")
	f.IntVar(&createConfig.shardMB, "shard-mb", 16, "shard budget in MiB of uncompressed chunk data (0: one chunk per shard)")
	f.StringVar(&createConfig.preset, "preset", "", "named codec preset; overrides the codec flags")
	f.StringVar(&createConfig.presetFile, "presets", "", "YAML file of codec presets")
	f.StringVar(&createConfig.compressor, "compressor", "none", "none, zstd, blosc or gzip")
	f.IntVar(&createConfig.level, "level", 0, "compression level")
	f.StringVar(&createConfig.sub, "sub", "", "blosc sub-compressor: lz4, zstd, blosclz or snappy")
	f.IntVar(&createConfig.blockSize, "block-size", 0, "blosc block size in bytes (0: 256 KiB)")
	f.StringVar(&createConfig.shuffle, "shuffle", "none", "blosc shuffle: none, byte or bit")
	f.IntVar(&createConfig.threads, "threads", 0, "blosc block workers")
	f.BoolVar(&createConfig.overwrite, "overwrite", false, "replace an existing array")

	readCmd.Flags().StringVar(&readConfig.origin, "origin", "", "region origin (default: all zeros)")
	readCmd.Flags().StringVar(&readConfig.shape, "shape", "", "region shape (default: whole array)")
	readCmd.Flags().IntVar(&readConfig.limit, "limit", 64, "maximum number of elements printed (0: all)")
}

func codecFromFlags() (zarr.CodecConfig, error) {
	if createConfig.preset != "" {
		presets, err := loadPresets(createConfig.presetFile)
		if err != nil {
			return zarr.CodecConfig{}, err
		}
		return findPreset(presets, createConfig.preset)
	}
	comp, err := zarr.ParseCompressor(createConfig.compressor)
	if err != nil {
		return zarr.CodecConfig{}, err
	}
	shuffle, err := zarr.ParseShuffle(createConfig.shuffle)
	if err != nil {
		return zarr.CodecConfig{}, err
	}
	return zarr.CodecConfig{
		Compressor:    comp,
		Level:         createConfig.level,
		SubCompressor: createConfig.sub,
		BlockSize:     createConfig.blockSize,
		Shuffle:       shuffle,
		Threads:       createConfig.threads,
	}, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	shape, err := parseDims(createConfig.shape)
	if err != nil {
		return err
	}
	chunks, err := parseDims(createConfig.chunks)
	if err != nil {
		return err
	}
	dtype, err := zarr.ParseDataType(createConfig.dtype)
	if err != nil {
		return err
	}
	codec, err := codecFromFlags()
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	opts := arrayOptions()
	if createConfig.overwrite {
		opts = append(opts, zarr.WithOverwrite())
	}
	a, err := zarr.Create(store, args[0], dtype, shape, chunks, createConfig.shardMB, codec, opts...)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Fprintln(cmd.OutOrStdout(), a.Info())
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	a, err := zarr.Open(store, args[0], zarr.ModeRead, arrayOptions()...)
	if err != nil {
		return err
	}
	defer a.Close()

	w := cmd.OutOrStdout()
	raw := uint64(product(a.Shape())) * uint64(a.DataType().Size())
	fmt.Fprintf(w, "path:        %s\n", a.Path())
	fmt.Fprintf(w, "dtype:       %s\n", a.DataType())
	fmt.Fprintf(w, "shape:       %v (%s)\n", a.Shape(), humanize.IBytes(raw))
	fmt.Fprintf(w, "chunks:      %v\n", a.ChunkShape())
	fmt.Fprintf(w, "grid:        %v\n", a.GridShape())
	fmt.Fprintf(w, "codec:       %s\n", a.Codec())
	fmt.Fprintf(w, "shard:       %d MiB, %d chunks per shard\n", a.ShardBudgetMB(), a.ChunksPerShard())
	keys, err := a.ListMetadataKeys()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "metadata:    %s\n", strings.Join(keys, ", "))
	return nil
}

func runWriteRamp(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	a, err := zarr.Open(store, args[0], zarr.ModeReadWrite, arrayOptions()...)
	if err != nil {
		return err
	}
	defer a.Close()

	shape := a.Shape()
	origin := make([]int64, len(shape))
	n := product(shape)
	switch a.DataType() {
	case zarr.Uint8:
		err = zarr.WriteRegion(a, origin, shape, ramp[uint8](n))
	case zarr.Uint16:
		err = zarr.WriteRegion(a, origin, shape, ramp[uint16](n))
	case zarr.Uint32:
		err = zarr.WriteRegion(a, origin, shape, ramp[uint32](n))
	default:
		err = errors.AssertionFailedf("unhandled data type %s", a.DataType())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d elements (%s)\n", n, humanize.IBytes(uint64(n)*uint64(a.DataType().Size())))
	return nil
}

// ramp returns 0, 1, 2, ... wrapping at the width of T.
func ramp[T zarr.Element](n int64) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T(i)
	}
	return out
}

func runRead(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	a, err := zarr.Open(store, args[0], zarr.ModeRead, arrayOptions()...)
	if err != nil {
		return err
	}
	defer a.Close()

	origin, err := parseDims(readConfig.origin)
	if err != nil {
		return err
	}
	if origin == nil {
		origin = make([]int64, a.Rank())
	}
	shape, err := parseDims(readConfig.shape)
	if err != nil {
		return err
	}
	if shape == nil {
		shape = a.Shape()
		if len(origin) == len(shape) {
			for i := range shape {
				shape[i] -= origin[i]
			}
		}
	}

	var vals []uint64
	switch a.DataType() {
	case zarr.Uint8:
		vals, err = readAs[uint8](a, origin, shape)
	case zarr.Uint16:
		vals, err = readAs[uint16](a, origin, shape)
	case zarr.Uint32:
		vals, err = readAs[uint32](a, origin, shape)
	default:
		err = errors.AssertionFailedf("unhandled data type %s", a.DataType())
	}
	if err != nil {
		return err
	}
	if readConfig.limit > 0 && len(vals) > readConfig.limit {
		vals = vals[:readConfig.limit]
	}
	w := cmd.OutOrStdout()
	for i, v := range vals {
		if i > 0 {
			fmt.Fprint(w, " ")
		}
		fmt.Fprint(w, v)
	}
	fmt.Fprintln(w)
	return nil
}

func readAs[T zarr.Element](a *zarr.Array, origin, shape []int64) ([]uint64, error) {
	// A negative extent is reported by ReadRegion.
	buf := make([]T, max(product(shape), 0))
	if err := zarr.ReadRegion(a, origin, shape, buf); err != nil {
		return nil, err
	}
	out := make([]uint64, len(buf))
	for i, v := range buf {
		out[i] = uint64(v)
	}
	return out, nil
}
