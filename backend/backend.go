// Package backend defines the contract between the streaming core and the
// remote file transport.
//
// A transport downloads files forward only: a request names an offset, a
// limit and a priority, and the transport fills a local copy in the
// background. At most one request per file is active; a new request replaces
// the previous one.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFileMissing is returned when the remote file can no longer be
	// resolved. It is permanent.
	ErrFileMissing = errors.New("backend: file missing")

	// ErrTransient marks a failure that may succeed on the next poll.
	ErrTransient = errors.New("backend: transient error")
)

// Priority orders download requests. The transport maps it to whatever
// scheme its remote side uses.
type Priority int

const (
	// PriorityLow is used for downloads nobody is waiting for.
	PriorityLow Priority = iota

	// PriorityBackground is used for prefetch of upcoming items.
	PriorityBackground

	// PriorityHigh is used for the window a player is blocked on.
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// UnknownSize is reported as TotalSize before the transport learns it.
const UnknownSize int64 = -1

// FileState is a snapshot of a file's local download progress.
type FileState struct {
	// DownloadedPrefixSize is the number of contiguous bytes available from
	// offset 0.
	DownloadedPrefixSize int64

	// LocalReadableBytes is the total number of bytes held locally,
	// contiguous or not.
	LocalReadableBytes int64

	// IsComplete is set once the whole file is local.
	IsComplete bool

	// TotalSize is the remote file size, or UnknownSize.
	TotalSize int64
}

// Backend is the transport collaborator.
//
// Implementations must be safe for concurrent use. Methods return errors
// wrapping ErrFileMissing for permanent resolution failures; anything else
// is treated as transient by the caller.
type Backend interface {
	// FileState reports download progress for fileID.
	FileState(ctx context.Context, fileID string) (FileState, error)

	// RequestDownload asks for [offset, offset+limit) to be downloaded at
	// the given priority, replacing any previous request for fileID.
	// A limit of 0 means "to the end of the file".
	RequestDownload(ctx context.Context, fileID string, offset, limit int64, priority Priority) error

	// CancelDownload stops downloading fileID. Bytes already local stay
	// readable.
	CancelDownload(ctx context.Context, fileID string) error

	// AvailableAt returns the number of contiguous local bytes starting at
	// offset.
	AvailableAt(ctx context.Context, fileID string, offset int64) (int64, error)

	// ReadAt reads local bytes of fileID. Reading bytes that are not local
	// yields unspecified data; callers consult AvailableAt first.
	ReadAt(ctx context.Context, fileID string, p []byte, off int64) (int, error)
}

// IsMissing reports whether err is a permanent resolution failure.
func IsMissing(err error) bool {
	return errors.Is(err, ErrFileMissing)
}

// LocalReader adapts a backend file to io.ReaderAt.
type LocalReader struct {
	ctx     context.Context //nolint:containedctx // io.ReaderAt has no context parameter
	backend Backend
	fileID  string
}

// NewLocalReader returns an io.ReaderAt over the local bytes of fileID.
func NewLocalReader(ctx context.Context, b Backend, fileID string) *LocalReader {
	return &LocalReader{ctx: ctx, backend: b, fileID: fileID}
}

// ReadAt implements io.ReaderAt.
func (r *LocalReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	n, err := r.backend.ReadAt(r.ctx, r.fileID, p, off)
	if err == nil && n < len(p) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

var _ io.ReaderAt = (*LocalReader)(nil)
