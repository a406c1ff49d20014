package streamcache

import (
	"errors"
	"time"

	"github.com/meigma/streamcache/cache"
	"github.com/meigma/streamcache/window"
)

// Config holds the engine's tuning knobs.
type Config struct {
	// ChunkSize is the cache's storage and eviction granularity.
	ChunkSize int64

	// MaxChunks bounds the number of resident chunks across all files.
	MaxChunks int

	// WindowSize bounds each download window.
	WindowSize int64

	// MinPrefixForValidation is the prefix requested before the container
	// is first validated.
	MinPrefixForValidation int64

	// MaxPrefixScan is how far the validator looks for the metadata box
	// before declaring the file not streamable.
	MaxPrefixScan int64

	// PollInterval is the backend polling period.
	PollInterval time.Duration

	// ReadyTimeout bounds Open.
	ReadyTimeout time.Duration

	// MinReadAhead is how many bytes must be local at a seek position
	// before a read resumes.
	MinReadAhead int64

	// WindowTimeout bounds each wait for a seek position.
	WindowTimeout time.Duration

	// SeekDebounce is the minimum spacing of window requests for one file.
	SeekDebounce time.Duration

	// LogThrottle limits repeated poll-loop log lines.
	LogThrottle time.Duration
}

// DefaultConfig returns the default configuration: 512 KiB chunks, a
// 128 MiB cache, 16 MiB windows and 30 second timeouts.
func DefaultConfig() Config {
	w := window.DefaultConfig()
	return Config{
		ChunkSize:              cache.DefaultChunkSize,
		MaxChunks:              cache.DefaultMaxChunks,
		WindowSize:             w.WindowSize,
		MinPrefixForValidation: w.MinPrefixForValidation,
		MaxPrefixScan:          w.MaxPrefixScan,
		PollInterval:           w.PollInterval,
		ReadyTimeout:           w.ReadyTimeout,
		MinReadAhead:           w.MinReadAhead,
		WindowTimeout:          w.WindowTimeout,
		SeekDebounce:           w.SeekDebounce,
		LogThrottle:            w.LogThrottle,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errors.New("chunk size must be > 0")
	}
	if c.MaxChunks <= 0 {
		return errors.New("max chunks must be > 0")
	}
	return c.window().Validate()
}

func (c Config) window() window.Config {
	return window.Config{
		WindowSize:             c.WindowSize,
		MinPrefixForValidation: c.MinPrefixForValidation,
		MaxPrefixScan:          c.MaxPrefixScan,
		MinReadAhead:           c.MinReadAhead,
		PollInterval:           c.PollInterval,
		ReadyTimeout:           c.ReadyTimeout,
		WindowTimeout:          c.WindowTimeout,
		SeekDebounce:           c.SeekDebounce,
		LogThrottle:            c.LogThrottle,
	}
}
