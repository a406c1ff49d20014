// Package httpbackend implements backend.Backend over HTTP range requests.
//
// Each file gets a sparse local copy in a temporary directory. A download
// request runs one forward range GET in the background and records the
// bytes it lands in a roaring bitmap; a new request for the same file
// cancels the previous one. High priority downloads start immediately,
// lower priorities share a bounded number of slots.
package httpbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/meigma/streamcache/backend"
	"github.com/meigma/streamcache/internal/extent"
)

// ErrDigestMismatch is returned when a completed download does not match
// the expected digest.
var ErrDigestMismatch = errors.New("httpbackend: digest mismatch")

var errClosed = errors.New("httpbackend: closed")

// DefaultBlockSize is the write granularity of downloads.
const DefaultBlockSize int64 = 64 << 10

// DefaultBackgroundSlots is the default number of concurrent non-high
// priority downloads.
const DefaultBackgroundSlots = 2

// Backend is an HTTP range-request transport.
type Backend struct {
	client    *nethttp.Client
	headers   nethttp.Header
	resolve   Resolver
	dir       string
	blockSize int64
	bgSlots   *semaphore.Weighted
	logger    *slog.Logger

	mu     sync.Mutex
	files  map[string]*file
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(b *Backend) {
		b.client = client
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(b *Backend) {
		if b.headers == nil {
			b.headers = make(nethttp.Header)
		}
		b.headers.Set(key, value)
	}
}

// WithDir sets the directory holding local copies. Defaults to os.TempDir().
func WithDir(dir string) Option {
	return func(b *Backend) {
		b.dir = dir
	}
}

// WithBlockSize sets the download write granularity.
func WithBlockSize(n int64) Option {
	return func(b *Backend) {
		b.blockSize = n
	}
}

// WithBackgroundSlots bounds concurrent Background and Low priority
// downloads. Values <= 0 leave them unbounded.
func WithBackgroundSlots(n int) Option {
	return func(b *Backend) {
		if n <= 0 {
			b.bgSlots = nil
			return
		}
		b.bgSlots = semaphore.NewWeighted(int64(n))
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a Backend that resolves file IDs with resolve.
func New(resolve Resolver, opts ...Option) (*Backend, error) {
	if resolve == nil {
		return nil, errors.New("httpbackend: resolver is nil")
	}
	b := &Backend{
		client:    nethttp.DefaultClient,
		resolve:   resolve,
		dir:       os.TempDir(),
		blockSize: DefaultBlockSize,
		bgSlots:   semaphore.NewWeighted(DefaultBackgroundSlots),
		files:     make(map[string]*file),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = nethttp.DefaultClient
	}
	if b.blockSize <= 0 {
		return nil, errors.New("httpbackend: block size must be > 0")
	}
	return b, nil
}

func (b *Backend) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// FileState implements backend.Backend.
func (b *Backend) FileState(ctx context.Context, fileID string) (backend.FileState, error) {
	f, err := b.file(ctx, fileID)
	if err != nil {
		return backend.FileState{}, err
	}
	return f.state()
}

// RequestDownload implements backend.Backend.
func (b *Backend) RequestDownload(ctx context.Context, fileID string, offset, limit int64, priority backend.Priority) error {
	if offset < 0 || limit < 0 {
		return fmt.Errorf("request %s: invalid range offset=%d limit=%d", fileID, offset, limit)
	}
	f, err := b.file(ctx, fileID)
	if err != nil {
		return err
	}
	f.start(b, offset, limit, priority)
	return nil
}

// CancelDownload implements backend.Backend.
func (b *Backend) CancelDownload(ctx context.Context, fileID string) error {
	b.mu.Lock()
	f, ok := b.files[fileID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	f.stop()
	return nil
}

// AvailableAt implements backend.Backend.
func (b *Backend) AvailableAt(ctx context.Context, fileID string, offset int64) (int64, error) {
	f, err := b.file(ctx, fileID)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing != nil {
		return 0, f.missing
	}
	return f.present.Contiguous(offset), nil
}

// ReadAt implements backend.Backend.
func (b *Backend) ReadAt(ctx context.Context, fileID string, p []byte, off int64) (int, error) {
	f, err := b.file(ctx, fileID)
	if err != nil {
		return 0, err
	}
	n, err := f.local.ReadAt(p, off)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// Close stops every download and removes the local copies.
func (b *Backend) Close() error {
	b.mu.Lock()
	files := b.files
	b.files = make(map[string]*file)
	b.closed = true
	b.mu.Unlock()

	var errs []error
	for _, f := range files {
		f.stop()
		f.wg.Wait()
		if err := f.local.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := os.Remove(f.local.Name()); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// file returns the state for fileID, resolving it on first use. The
// resolver and temp file creation run without b.mu held; a racing first use
// of the same file keeps whichever state was stored first.
func (b *Backend) file(ctx context.Context, fileID string) (*file, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errClosed
	}
	if f, ok := b.files[fileID]; ok {
		b.mu.Unlock()
		return f, nil
	}
	b.mu.Unlock()

	src, err := b.resolve(ctx, fileID)
	if err != nil {
		return nil, err
	}
	local, err := os.CreateTemp(b.dir, "stream-*.part")
	if err != nil {
		return nil, err
	}
	f := &file{
		id:      fileID,
		digest:  src.Digest,
		local:   local,
		present: extent.New(),
		size:    backend.UnknownSize,
		remote: &remote{
			url:     src.URL,
			client:  b.client,
			headers: b.headers,
		},
	}

	b.mu.Lock()
	existing, ok := b.files[fileID]
	closed := b.closed
	if !ok && !closed {
		b.files[fileID] = f
	}
	b.mu.Unlock()

	if ok || closed {
		discard(local)
		if closed {
			return nil, errClosed
		}
		return existing, nil
	}
	b.log().Debug("resolved file", "file", fileID, "url", src.URL)
	return f, nil
}

// discard closes and removes an unused temp file.
func discard(local *os.File) {
	_ = local.Close()
	_ = os.Remove(local.Name())
}
