package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	zarr "github.com/go2scope/zarr-go"
	"github.com/spf13/cobra"
)

var (
	storeDir    string
	verbose     bool
	concurrency int
)

var rootCmd = &cobra.Command{
	Use:   "zarrctl [command] (flags)",
	Short: "zarr-go array inspection and benchmarking tool",
	Long:  ``,
	// Errors are printed by main; usage only for flag errors.
	SilenceErrors: true,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		createCmd,
		infoCmd,
		writeRampCmd,
		readCmd,
		metaCmd,
		benchCmd,
		versionCmd,
	)

	rootCmd.PersistentFlags().StringVarP(
		&storeDir, "store", "s", ".", "directory the store is rooted at")
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "log region operations at debug level")
	rootCmd.PersistentFlags().IntVarP(
		&concurrency, "concurrency", "c", 0, "chunks decoded or encoded at once (0 uses GOMAXPROCS)")

	if err := rootCmd.Execute(); err != nil {
		log.Printf("zarrctl: %v (%s)", err, zarr.CodeOf(err))
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openStore() (*zarr.LocalStore, error) {
	return zarr.NewLocalStore(storeDir)
}

func arrayOptions() []zarr.Option {
	return []zarr.Option{
		zarr.WithLogger(logger()),
		zarr.WithConcurrency(concurrency),
	}
}

// parseDims parses a comma separated list such as "64,64,64".
func parseDims(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	dims := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %q", s)
		}
		dims[i] = v
	}
	return dims, nil
}

func product(dims []int64) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}
