package window

import "errors"

var (
	// ErrReadinessTimeout is returned when a file or window did not become
	// ready within its wall-clock budget. Callers may retry; the
	// coordinator does not.
	ErrReadinessTimeout = errors.New("streamcache: readiness timeout")

	// ErrContainerNotStreamable is returned when the container metadata box
	// is absent from the scan budget.
	ErrContainerNotStreamable = errors.New("streamcache: container not streamable")

	// ErrBackendFileMissing is returned when the backend no longer knows the
	// file.
	ErrBackendFileMissing = errors.New("streamcache: backend file missing")

	// ErrWindowSuperseded is returned to a window wait cancelled by a newer
	// seek on the same file.
	ErrWindowSuperseded = errors.New("streamcache: window superseded")

	// ErrClosed is returned after the file or coordinator has been released.
	ErrClosed = errors.New("streamcache: closed")
)
