package zarr

import (
	"log/slog"
	"runtime"
)

// Option configures Create and Open.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	concurrency int
	cacheChunks int
	metrics     *Metrics
	overwrite   bool
	codec       *CodecConfig
}

const defaultCacheChunks = 64

func defaultOptions() *options {
	return &options{
		logger:      slog.New(slog.DiscardHandler),
		concurrency: runtime.GOMAXPROCS(0),
		cacheChunks: defaultCacheChunks,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger for lifecycle and region events. A nil logger
// keeps the default, which discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConcurrency bounds the number of chunks decoded or encoded at once.
// Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.concurrency = n
		}
	}
}

// WithCacheChunks sets how many decoded chunks are kept in memory. 0
// disables the cache.
func WithCacheChunks(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.cacheChunks = n
		}
	}
}

// WithMetrics reports array activity to m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithOverwrite makes Create replace an existing array at the same path,
// deleting its descriptor, metadata and shards first.
func WithOverwrite() Option {
	return func(o *options) {
		o.overwrite = true
	}
}

// WithCodec makes Open fail unless the stored array uses an equivalent
// codec.
func WithCodec(cfg CodecConfig) Option {
	return func(o *options) {
		o.codec = &cfg
	}
}
