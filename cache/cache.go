// Package cache provides the in-memory chunk cache shared by every stream
// opened through an engine.
//
// The cache stores fixed-size chunks keyed by (file ID, chunk index) and
// evicts the least recently used chunk once the configured chunk budget is
// exceeded. The budget is global: a busy file may evict another file's
// chunks. There is no per-file quota.
package cache

// DefaultChunkSize is the default chunk size used by ring buffers.
const DefaultChunkSize int64 = 512 << 10

// DefaultMaxChunks is the default resident chunk budget (128 MiB with the
// default chunk size).
const DefaultMaxChunks = 256

// Metrics receives cache observations. A nil Metrics disables collection.
type Metrics interface {
	// ObserveRead records a read of n bytes. hit is true when the whole
	// requested range was resident.
	ObserveRead(n int, hit bool)

	// ObserveEviction records the eviction of one chunk.
	ObserveEviction()

	// RecordResidentChunks records the current resident chunk count.
	RecordResidentChunks(n int)
}

// Stats is a point-in-time snapshot of ring buffer counters.
type Stats struct {
	ChunkSize      int64
	MaxChunks      int
	ResidentChunks int
	Hits           int64
	Misses         int64
	Evictions      int64
}

// Config controls ring buffer construction.
type Config struct {
	// ChunkSize is the size in bytes of each cached chunk.
	ChunkSize int64

	// MaxChunks is the maximum number of resident chunks across all files.
	MaxChunks int

	// Metrics receives cache observations. Optional.
	Metrics Metrics
}

// DefaultConfig returns the default ring buffer configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		MaxChunks: DefaultMaxChunks,
	}
}

// Option configures a RingBuffer.
type Option func(*Config)

// WithChunkSize sets the chunk size in bytes.
func WithChunkSize(n int64) Option {
	return func(cfg *Config) {
		cfg.ChunkSize = n
	}
}

// WithMaxChunks sets the resident chunk budget.
func WithMaxChunks(n int) Option {
	return func(cfg *Config) {
		cfg.MaxChunks = n
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}
