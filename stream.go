package streamcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/meigma/streamcache/backend"
	"github.com/meigma/streamcache/window"
)

// maxStalls bounds consecutive window waits that add no readable bytes.
const maxStalls = 3

// Stream is an open, ready remote file. ReadAt may be called concurrently;
// Read and Seek share a cursor and should be used from one goroutine.
type Stream struct {
	engine *Engine
	fileID string

	// ctx ends when the stream is closed; reads blocked on a window wait
	// return ErrClosed at once.
	ctx    context.Context //nolint:containedctx // lifetime of the handle
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	state   ReadinessState
	err     error
	ready   window.Ready
	size    int64
	offset  int64
	waiting int
	closed  bool
}

// Interface compliance.
var (
	_ io.ReaderAt   = (*Stream)(nil)
	_ io.ReadSeeker = (*Stream)(nil)
	_ io.Closer     = (*Stream)(nil)
)

// FileID returns the backend file ID.
func (s *Stream) FileID() string {
	return s.fileID
}

// Size returns the file size, or -1 while the backend has not reported it.
func (s *Stream) Size() int64 {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()
	if size >= 0 {
		return size
	}
	size = s.engine.coord.Size(s.fileID)
	if size >= 0 {
		s.mu.Lock()
		s.size = size
		s.mu.Unlock()
	}
	return size
}

// Ready returns what the readiness check found.
func (s *Stream) Ready() window.Ready {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// State returns the current readiness state.
func (s *Stream) State() ReadinessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady && s.waiting > 0 {
		return StateSeekReady
	}
	return s.state
}

// Err returns the reason for StateFailed, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setState(state ReadinessState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
}

// ReadAt implements io.ReaderAt. A read blocks while the bytes at off are
// downloaded, for at most the configured window timeout per stall.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	return s.ReadAtContext(context.Background(), p, off)
}

// ReadAtContext is ReadAt with a context bounding the wait.
func (s *Stream) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read %s: negative offset %d", s.fileID, off)
	}
	if err := s.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()

	want := len(p)
	if size := s.Size(); size >= 0 {
		if off >= size {
			return 0, io.EOF
		}
		if int64(want) > size-off {
			want = int(size - off)
		}
	}

	ring := s.engine.cache
	n := 0
	stalls := 0
	for n < want {
		m := ring.Read(s.fileID, off+int64(n), p[n:want])
		n += m
		if n == want {
			break
		}
		if m > 0 {
			stalls = 0
		}

		if err := s.waitWindow(ctx, off+int64(n)); err != nil {
			return n, err
		}
		if err := s.usable(); err != nil {
			return n, err
		}
		if ring.Resident(s.fileID, off+int64(n), 1) == 0 {
			// nothing landed at the position: past the end of a file whose
			// size was unknown, or evicted straight away by another reader
			if s.Size() < 0 {
				return n, io.EOF
			}
			stalls++
			if stalls >= maxStalls {
				return n, io.ErrNoProgress
			}
		}
		if size := s.Size(); size >= 0 && off+int64(want) > size {
			want = int(max(size-off, 0))
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// waitWindow moves the file's download window to pos and waits.
func (s *Stream) waitWindow(ctx context.Context, pos int64) error {
	s.mu.Lock()
	s.waiting++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiting--
		s.mu.Unlock()
	}()

	err := s.engine.coord.EnsureWindow(ctx, s.fileID, pos)
	if errors.Is(err, window.ErrBackendFileMissing) {
		s.fail(err)
	}
	return err
}

func (s *Stream) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.state == StateFailed:
		return s.err
	}
	return nil
}

// ReadRange returns up to length bytes at pos. short is set when fewer
// bytes than requested were available: at end of file, or when err is
// non-nil.
func (s *Stream) ReadRange(ctx context.Context, pos int64, length int) (data []byte, short bool, err error) {
	if length <= 0 {
		return nil, false, nil
	}
	buf := make([]byte, length)
	n, err := s.ReadAtContext(ctx, buf, pos)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return buf[:n], n < length, err
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	off := s.offset
	s.mu.Unlock()

	n, err := s.ReadAt(p, off)
	s.mu.Lock()
	s.offset = off + int64(n)
	s.mu.Unlock()

	if n > 0 && errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

// Seek implements io.Seeker. Seeking does not touch the backend; the next
// read relocates the download window when needed.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		s.mu.Lock()
		base = s.offset
		s.mu.Unlock()
	case io.SeekEnd:
		size := s.Size()
		if size < 0 {
			return 0, fmt.Errorf("seek %s: size unknown", s.fileID)
		}
		base = size
	default:
		return 0, fmt.Errorf("seek %s: invalid whence %d", s.fileID, whence)
	}

	target := base + offset
	if target < 0 {
		return 0, fmt.Errorf("seek %s: negative position %d", s.fileID, target)
	}
	s.mu.Lock()
	s.offset = target
	s.mu.Unlock()
	return target, nil
}

// Close releases the stream. The last Stream on a file cancels its
// backend download; cached chunks are kept for later opens.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel(ErrClosed)

	err := s.engine.coord.CancelOnPlaybackEnd(context.Background(), s.fileID)
	if err != nil && !errors.Is(err, backend.ErrFileMissing) {
		return err
	}
	return nil
}
