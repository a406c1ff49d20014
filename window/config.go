package window

import (
	"errors"
	"time"
)

// Default tuning values.
const (
	DefaultWindowSize             int64 = 16 << 20
	DefaultMinPrefixForValidation int64 = 256 << 10
	DefaultMaxPrefixScan          int64 = 8 << 20
	DefaultMinReadAhead           int64 = 512 << 10

	DefaultPollInterval  = 100 * time.Millisecond
	DefaultReadyTimeout  = 30 * time.Second
	DefaultWindowTimeout = 30 * time.Second
	DefaultSeekDebounce  = 200 * time.Millisecond
	DefaultLogThrottle   = time.Second
)

// Config holds the coordinator knobs.
type Config struct {
	// WindowSize bounds the length of a download window.
	WindowSize int64

	// MinPrefixForValidation is the prefix length requested before the
	// container is validated for the first time.
	MinPrefixForValidation int64

	// MaxPrefixScan is the validator's scan budget.
	MaxPrefixScan int64

	// MinReadAhead is how many bytes at a seek position must be local before
	// EnsureWindow returns.
	MinReadAhead int64

	PollInterval  time.Duration
	ReadyTimeout  time.Duration
	WindowTimeout time.Duration

	// SeekDebounce is the minimum spacing between window requests sent to
	// the backend. Zero disables debouncing.
	SeekDebounce time.Duration

	// LogThrottle limits repeated poll-loop log lines.
	LogThrottle time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:             DefaultWindowSize,
		MinPrefixForValidation: DefaultMinPrefixForValidation,
		MaxPrefixScan:          DefaultMaxPrefixScan,
		MinReadAhead:           DefaultMinReadAhead,
		PollInterval:           DefaultPollInterval,
		ReadyTimeout:           DefaultReadyTimeout,
		WindowTimeout:          DefaultWindowTimeout,
		SeekDebounce:           DefaultSeekDebounce,
		LogThrottle:            DefaultLogThrottle,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return errors.New("window size must be > 0")
	case c.MinPrefixForValidation <= 0:
		return errors.New("min prefix for validation must be > 0")
	case c.MaxPrefixScan <= 0:
		return errors.New("max prefix scan must be > 0")
	case c.MinReadAhead <= 0:
		return errors.New("min read-ahead must be > 0")
	case c.MinReadAhead > c.WindowSize:
		return errors.New("min read-ahead must not exceed window size")
	case c.PollInterval <= 0:
		return errors.New("poll interval must be > 0")
	case c.ReadyTimeout <= 0:
		return errors.New("ready timeout must be > 0")
	case c.WindowTimeout <= 0:
		return errors.New("window timeout must be > 0")
	case c.SeekDebounce < 0:
		return errors.New("seek debounce must be >= 0")
	case c.LogThrottle < 0:
		return errors.New("log throttle must be >= 0")
	}
	return nil
}
