package streamcache

import "fmt"

// ReadinessState is where a Stream is in its lifecycle.
type ReadinessState int

const (
	// StateNotReady is a stream that has not started opening.
	StateNotReady ReadinessState = iota

	// StateValidatingContainer means the prefix is downloading and the
	// container metadata is being checked.
	StateValidatingContainer

	// StateReady means reads are served.
	StateReady

	// StateSeekReady means a read is waiting for a relocated window. The
	// stream returns to StateReady once the bytes arrive.
	StateSeekReady

	// StateFailed is terminal; Stream.Err reports why.
	StateFailed
)

func (s ReadinessState) String() string {
	switch s {
	case StateNotReady:
		return "not-ready"
	case StateValidatingContainer:
		return "validating-container"
	case StateReady:
		return "ready"
	case StateSeekReady:
		return "seek-ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
