package httpbackend

import (
	"context"
	_ "crypto/sha256" // digest.Verifier for sha256
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/streamcache/backend"
	"github.com/meigma/streamcache/internal/extent"
)

type file struct {
	id     string
	digest digest.Digest
	local  *os.File
	remote *remote

	mu       sync.Mutex
	present  *extent.Set
	size     int64
	cancel   context.CancelFunc
	gen      uint64
	lastErr  error
	missing  error
	verified bool
	wg       sync.WaitGroup
}

// state reports progress. A transient download failure is returned once and
// then cleared; a permanent one is returned on every call.
func (f *file) state() (backend.FileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.missing != nil {
		return backend.FileState{}, f.missing
	}
	if err := f.lastErr; err != nil {
		f.lastErr = nil
		return backend.FileState{}, err
	}
	st := backend.FileState{
		DownloadedPrefixSize: f.present.Contiguous(0),
		LocalReadableBytes:   f.present.Len(),
		TotalSize:            f.size,
	}
	st.IsComplete = f.size >= 0 && st.LocalReadableBytes >= f.size && (f.digest == "" || f.verified)
	return st, nil
}

// start replaces any running download with one for [offset, offset+limit).
func (f *file) start(b *Backend, offset, limit int64, priority backend.Priority) {
	ctx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = cancel
	f.gen++
	gen := f.gen
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()

		if priority != backend.PriorityHigh && b.bgSlots != nil {
			if err := b.bgSlots.Acquire(ctx, 1); err != nil {
				return
			}
			defer b.bgSlots.Release(1)
		}

		err := f.download(ctx, b.blockSize, offset, limit)
		switch {
		case err == nil, ctx.Err() != nil:
		case backend.IsMissing(err):
			b.log().Warn("file unavailable", "file", f.id, "error", err)
		default:
			b.log().Debug("download interrupted", "file", f.id, "offset", offset, "error", err)
		}
		f.finish(gen, err)
	}()
}

// stop cancels the running download, if any.
func (f *file) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.gen++
}

func (f *file) finish(gen uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if backend.IsMissing(err) {
		f.missing = err
		return
	}
	if gen != f.gen {
		return
	}
	f.cancel = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		f.lastErr = err
	}
}

func (f *file) download(ctx context.Context, blockSize, offset, limit int64) error {
	size, err := f.ensureSize(ctx)
	if err != nil {
		return err
	}
	end := size
	if limit > 0 {
		end = min(size, offset+limit)
	}

	f.mu.Lock()
	start := f.present.FirstMissing(offset, end)
	f.mu.Unlock()
	if start >= end {
		return f.verify()
	}

	body, err := f.remote.openRange(ctx, start, end)
	if err != nil {
		return err
	}
	defer drain(body)

	buf := make([]byte, blockSize)
	off := start
	for off < end {
		want := min(int64(len(buf)), end-off)
		n, err := io.ReadFull(body, buf[:want])
		if n > 0 {
			if _, werr := f.local.WriteAt(buf[:n], off); werr != nil {
				return werr
			}
			f.mu.Lock()
			f.present.Add(off, int64(n))
			f.mu.Unlock()
			off += int64(n)
		}
		if err != nil {
			if off >= end {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read range at %d: %w: %w", off, backend.ErrTransient, err)
		}
	}
	return f.verify()
}

func (f *file) ensureSize(ctx context.Context) (int64, error) {
	f.mu.Lock()
	size := f.size
	f.mu.Unlock()
	if size >= 0 {
		return size, nil
	}

	size, err := f.remote.probe(ctx)
	if err != nil {
		return 0, err
	}
	if err := f.local.Truncate(size); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.size = size
	f.mu.Unlock()
	return size, nil
}

// verify checks the digest once every byte is local. A mismatch drops the
// local copy and marks the file missing.
func (f *file) verify() error {
	f.mu.Lock()
	done := f.size >= 0 && f.present.Len() >= f.size
	skip := f.digest == "" || f.verified
	size := f.size
	f.mu.Unlock()
	if !done || skip {
		return nil
	}

	if err := f.digest.Validate(); err != nil {
		return fmt.Errorf("verify %s: %w: %w", f.id, backend.ErrFileMissing, err)
	}
	verifier := f.digest.Verifier()
	if _, err := io.Copy(verifier, io.NewSectionReader(f.local, 0, size)); err != nil {
		return err
	}
	if !verifier.Verified() {
		f.mu.Lock()
		f.present.Clear()
		f.mu.Unlock()
		return fmt.Errorf("verify %s: %w: %w", f.id, ErrDigestMismatch, backend.ErrFileMissing)
	}

	f.mu.Lock()
	f.verified = true
	f.mu.Unlock()
	return nil
}
