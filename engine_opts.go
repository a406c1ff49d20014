package streamcache

import (
	"errors"
	"log/slog"
	"time"

	"github.com/meigma/streamcache/cache"
	"github.com/meigma/streamcache/window"
)

// Option configures an Engine.
type Option func(*Engine) error

// Metrics receives both cache and coordinator events. The metrics package
// provides a Prometheus implementation.
type Metrics interface {
	cache.Metrics
	window.Metrics
}

// --- Configuration Options ---

// WithConfig replaces the whole configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}

// WithChunkSize sets the cache chunk size.
func WithChunkSize(n int64) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("chunk size must be > 0")
		}
		e.cfg.ChunkSize = n
		return nil
	}
}

// WithMaxChunks sets the number of chunks the cache may hold.
func WithMaxChunks(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("max chunks must be > 0")
		}
		e.cfg.MaxChunks = n
		return nil
	}
}

// WithWindowSize sets the download window length.
func WithWindowSize(n int64) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("window size must be > 0")
		}
		e.cfg.WindowSize = n
		return nil
	}
}

// WithPollInterval sets the backend polling period.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return errors.New("poll interval must be > 0")
		}
		e.cfg.PollInterval = d
		return nil
	}
}

// WithReadyTimeout bounds how long Open waits for a file to become ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return errors.New("ready timeout must be > 0")
		}
		e.cfg.ReadyTimeout = d
		return nil
	}
}

// --- Wiring Options ---

// WithLogger sets the logger used by the engine and its coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithCache shares an existing ring buffer instead of creating one. The
// buffer's own chunk size and budget apply; ChunkSize and MaxChunks are
// ignored.
func WithCache(ring *cache.RingBuffer) Option {
	return func(e *Engine) error {
		if ring == nil {
			return errors.New("cache is nil")
		}
		e.cache = ring
		return nil
	}
}
