package streamcache

import (
	"github.com/meigma/streamcache/backend"
	"github.com/meigma/streamcache/window"
)

// Errors re-exported from window.
var (
	// ErrReadinessTimeout is returned when a file or seek position did not
	// become readable within its wall-clock budget.
	ErrReadinessTimeout = window.ErrReadinessTimeout

	// ErrContainerNotStreamable is returned when the container metadata is
	// not found within the scan budget.
	ErrContainerNotStreamable = window.ErrContainerNotStreamable

	// ErrBackendFileMissing is returned when the backend can no longer
	// resolve the file.
	ErrBackendFileMissing = window.ErrBackendFileMissing

	// ErrWindowSuperseded is returned to a read whose wait was cancelled by
	// a seek elsewhere in the same file.
	ErrWindowSuperseded = window.ErrWindowSuperseded

	// ErrClosed is returned by operations on a closed Stream or Engine.
	ErrClosed = window.ErrClosed
)

// Errors re-exported from backend.
var (
	// ErrFileMissing is the transport-level form of ErrBackendFileMissing.
	ErrFileMissing = backend.ErrFileMissing

	// ErrTransient marks a backend failure worth retrying.
	ErrTransient = backend.ErrTransient
)
