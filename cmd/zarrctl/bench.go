package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	zarr "github.com/go2scope/zarr-go"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var benchConfig struct {
	shape      string
	chunks     string
	shardMB    int
	presetFile string
	only       string
	keep       bool
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "compare codec presets on a synthetic uint16 volume",
	Long: `
Writes a uint16 volume chunk by chunk under every codec preset, reads it
back and reports the stored size, wall times, compression ratio and
per-chunk latency percentiles.
`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchConfig.shape, "shape", "256,256,256", "volume extent per axis")
	f.StringVar(&benchConfig.chunks, "chunks", "32,32,32", "chunk extent per axis")
	f.IntVar(&benchConfig.shardMB, "shard-mb", 16, "shard budget in MiB")
	f.StringVar(&benchConfig.presetFile, "presets", "", "YAML file of codec presets (default: built-in table)")
	f.StringVar(&benchConfig.only, "only", "", "run a single named preset")
	f.BoolVar(&benchConfig.keep, "keep", false, "keep the benchmark stores")
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

// latency clamps to the histogram range.
func latency(start time.Time) int64 {
	return min(time.Since(start), maxLatency).Nanoseconds()
}

type benchResult struct {
	name      string
	size      int64
	write     time.Duration
	read      time.Duration
	writeHist *hdrhistogram.Histogram
	readHist  *hdrhistogram.Histogram
}

func runBench(cmd *cobra.Command, args []string) error {
	shape, err := parseDims(benchConfig.shape)
	if err != nil {
		return err
	}
	chunks, err := parseDims(benchConfig.chunks)
	if err != nil {
		return err
	}
	presets, err := loadPresets(benchConfig.presetFile)
	if err != nil {
		return err
	}
	if benchConfig.only != "" {
		codec, err := findPreset(presets, benchConfig.only)
		if err != nil {
			return err
		}
		presets = []preset{{Name: benchConfig.only, Codec: codec}}
	}

	raw := product(shape) * int64(zarr.Uint16.Size())
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "volume %v, chunks %v, %s uncompressed\n\n", shape, chunks, humanize.IBytes(uint64(raw)))

	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Configuration", "Size", "Write (s)", "Read (s)", "Ratio",
		"Write p50/p99 (ms)", "Read p50/p99 (ms)"})
	for _, p := range presets {
		res, err := benchPreset(p, shape, chunks)
		if err != nil {
			return errors.Wrapf(err, "preset %q", p.Name)
		}
		ratio := 0.0
		if res.size > 0 {
			ratio = float64(raw) / float64(res.size)
		}
		tbl.Append([]string{
			res.name,
			humanize.IBytes(uint64(res.size)),
			fmt.Sprintf("%.3f", res.write.Seconds()),
			fmt.Sprintf("%.3f", res.read.Seconds()),
			fmt.Sprintf("%.2f", ratio),
			quantiles(res.writeHist),
			quantiles(res.readHist),
		})
	}
	tbl.Render()
	return nil
}

func quantiles(h *hdrhistogram.Histogram) string {
	ms := func(q float64) float64 {
		return time.Duration(h.ValueAtQuantile(q)).Seconds() * 1000
	}
	return fmt.Sprintf("%.2f/%.2f", ms(50), ms(99))
}

func benchPreset(p preset, shape, chunks []int64) (_ benchResult, err error) {
	dir, err := os.MkdirTemp("", "zarrctl-bench-")
	if err != nil {
		return benchResult{}, err
	}
	if !benchConfig.keep {
		defer func() { err = errors.CombineErrors(err, os.RemoveAll(dir)) }()
	}
	store, err := zarr.NewLocalStore(dir)
	if err != nil {
		return benchResult{}, err
	}
	store.NoSync = true

	opts := append(arrayOptions(), zarr.WithCacheChunks(0))
	res := benchResult{name: p.Name, writeHist: newHistogram(), readHist: newHistogram()}

	a, err := zarr.Create(store, "bench", zarr.Uint16, shape, chunks, benchConfig.shardMB, p.Codec, opts...)
	if err != nil {
		return benchResult{}, err
	}
	start := time.Now()
	err = forEachChunk(shape, chunks, func(origin, box []int64) error {
		data := make([]uint16, product(box))
		for i := range data {
			data[i] = uint16((i % 16) * 4096)
		}
		t := time.Now()
		if err := zarr.WriteRegion(a, origin, box, data); err != nil {
			return err
		}
		return res.writeHist.RecordValue(latency(t))
	})
	res.write = time.Since(start)
	if err := errors.CombineErrors(err, a.Close()); err != nil {
		return benchResult{}, err
	}

	a, err = zarr.Open(store, "bench", zarr.ModeRead, opts...)
	if err != nil {
		return benchResult{}, err
	}
	defer a.Close()
	start = time.Now()
	err = forEachChunk(shape, chunks, func(origin, box []int64) error {
		data := make([]uint16, product(box))
		t := time.Now()
		if err := zarr.ReadRegion(a, origin, box, data); err != nil {
			return err
		}
		return res.readHist.RecordValue(latency(t))
	})
	res.read = time.Since(start)
	if err != nil {
		return benchResult{}, err
	}

	res.size, err = dirSize(dir)
	return res, err
}

// forEachChunk calls fn with the in-bounds box of every chunk in row-major
// order.
func forEachChunk(shape, chunks []int64, fn func(origin, box []int64) error) error {
	if len(shape) != len(chunks) {
		return errors.Newf("shape %v and chunks %v differ in rank", shape, chunks)
	}
	coord := make([]int64, len(shape))
	for {
		origin := make([]int64, len(shape))
		box := make([]int64, len(shape))
		for i := range shape {
			origin[i] = coord[i] * chunks[i]
			box[i] = min(chunks[i], shape[i]-origin[i])
		}
		if err := fn(origin, box); err != nil {
			return err
		}
		i := len(coord) - 1
		for ; i >= 0; i-- {
			coord[i]++
			if coord[i]*chunks[i] < shape[i] {
				break
			}
			coord[i] = 0
		}
		if i < 0 {
			return nil
		}
	}
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}
