// Package memory provides a scripted in-memory transport.
//
// Downloads advance only when the file state is polled: every FileState call
// delivers up to Step bytes of the active request. This makes progress
// deterministic for tests and lets the streamprobe CLI simulate a slow
// remote.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/meigma/streamcache/backend"
	"github.com/meigma/streamcache/internal/extent"
)

// Request records one RequestDownload call.
type Request struct {
	FileID   string
	Offset   int64
	Limit    int64
	Priority backend.Priority
}

type file struct {
	data      []byte
	local     *extent.Set
	active    *Request
	cursor    int64
	step      int64
	hideSize  bool
	missing   bool
	failNext  int
	stateCall int
}

// Backend is an in-memory backend.Backend.
type Backend struct {
	step int64

	mu       sync.Mutex
	files    map[string]*file
	requests []Request
	cancels  []string
}

// Option configures a Backend.
type Option func(*Backend)

// WithStep sets how many bytes each poll delivers. Zero stalls downloads
// until Advance is called.
func WithStep(n int64) Option {
	return func(b *Backend) {
		b.step = n
	}
}

// New returns an empty Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		step:  64 << 10,
		files: make(map[string]*file),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add registers fileID with the given content. Nothing is local yet.
func (b *Backend) Add(fileID string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[fileID] = &file{data: data, local: extent.New(), step: b.step}
}

// SetStep overrides the per-poll delivery for one file.
func (b *Backend) SetStep(fileID string, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[fileID]; ok {
		f.step = n
	}
}

// HideSize makes FileState report an unknown size until a download starts.
func (b *Backend) HideSize(fileID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[fileID]; ok {
		f.hideSize = true
	}
}

// Preload marks [off, off+n) as already local.
func (b *Backend) Preload(fileID string, off, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[fileID]; ok {
		n = min(n, int64(len(f.data))-off)
		f.local.Add(off, n)
	}
}

// Remove makes fileID unresolvable.
func (b *Backend) Remove(fileID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[fileID]; ok {
		f.missing = true
	}
}

// FailNext makes the next n FileState calls for fileID fail transiently.
func (b *Backend) FailNext(fileID string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[fileID]; ok {
		f.failNext = n
	}
}

// Advance delivers n bytes of the active request for fileID.
func (b *Backend) Advance(fileID string, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[fileID]; ok {
		f.deliver(n)
	}
}

// Requests returns a copy of all download requests so far.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.requests))
	copy(out, b.requests)
	return out
}

// Cancels returns the file IDs passed to CancelDownload, in order.
func (b *Backend) Cancels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.cancels))
	copy(out, b.cancels)
	return out
}

// StateCalls returns how many times FileState was called for fileID.
func (b *Backend) StateCalls(fileID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[fileID]; ok {
		return f.stateCall
	}
	return 0
}

// FileState implements backend.Backend. Each call delivers one step.
func (b *Backend) FileState(ctx context.Context, fileID string) (backend.FileState, error) {
	if err := ctx.Err(); err != nil {
		return backend.FileState{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.lookup(fileID)
	if err != nil {
		return backend.FileState{}, err
	}
	f.stateCall++
	if f.failNext > 0 {
		f.failNext--
		return backend.FileState{}, fmt.Errorf("file %s: %w", fileID, backend.ErrTransient)
	}
	f.deliver(f.step)

	size := int64(len(f.data))
	state := backend.FileState{
		DownloadedPrefixSize: f.local.Contiguous(0),
		LocalReadableBytes:   f.local.Len(),
		IsComplete:           f.local.Len() >= size,
		TotalSize:            size,
	}
	if f.hideSize && f.active == nil {
		state.TotalSize = backend.UnknownSize
	}
	return state, nil
}

// RequestDownload implements backend.Backend.
func (b *Backend) RequestDownload(ctx context.Context, fileID string, offset, limit int64, priority backend.Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.lookup(fileID)
	if err != nil {
		return err
	}
	if offset < 0 || limit < 0 {
		return fmt.Errorf("request %s: invalid range offset=%d limit=%d", fileID, offset, limit)
	}
	req := Request{FileID: fileID, Offset: offset, Limit: limit, Priority: priority}
	b.requests = append(b.requests, req)
	f.active = &req
	f.cursor = offset
	return nil
}

// CancelDownload implements backend.Backend.
func (b *Backend) CancelDownload(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.lookup(fileID)
	if err != nil {
		return err
	}
	b.cancels = append(b.cancels, fileID)
	f.active = nil
	return nil
}

// AvailableAt implements backend.Backend.
func (b *Backend) AvailableAt(ctx context.Context, fileID string, offset int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.lookup(fileID)
	if err != nil {
		return 0, err
	}
	return f.local.Contiguous(offset), nil
}

// ReadAt implements backend.Backend.
func (b *Backend) ReadAt(ctx context.Context, fileID string, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.lookup(fileID)
	if err != nil {
		return 0, err
	}
	avail := f.local.Contiguous(off)
	if avail == 0 {
		return 0, fmt.Errorf("read %s at %d: not local", fileID, off)
	}
	return copy(p[:min(int64(len(p)), avail)], f.data[off:]), nil
}

func (b *Backend) lookup(fileID string) (*file, error) {
	f, ok := b.files[fileID]
	if !ok || f.missing {
		return nil, fmt.Errorf("file %s: %w", fileID, backend.ErrFileMissing)
	}
	return f, nil
}

// deliver moves the active request forward by up to n bytes.
func (f *file) deliver(n int64) {
	if f.active == nil || n <= 0 {
		return
	}
	size := int64(len(f.data))
	end := size
	if f.active.Limit > 0 {
		end = min(size, f.active.Offset+f.active.Limit)
	}
	// skip what is already local
	f.cursor = f.local.FirstMissing(f.cursor, end)
	if f.cursor >= end {
		return
	}
	chunk := min(n, end-f.cursor)
	f.local.Add(f.cursor, chunk)
	f.cursor += chunk
}

var _ backend.Backend = (*Backend)(nil)
