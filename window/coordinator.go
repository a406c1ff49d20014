// Package window coordinates backend downloads for files being played.
//
// A Coordinator keeps at most one active download window per file. It polls
// the backend for progress, copies newly local bytes into the shared chunk
// cache, and gates first playback on the container metadata being present.
//
// Each file has a lifetime context created by Attach and cancelled by the
// last CancelOnPlaybackEnd. Readiness loops and window tasks run detached
// from their callers and are parented to that lifetime, so a caller giving
// up never cancels work another caller is waiting on.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/streamcache/backend"
	"github.com/meigma/streamcache/cache"
	"github.com/meigma/streamcache/container"
)

// Ready describes a file that may be handed to a player.
type Ready struct {
	FileID string

	// TotalSize is the file size, or backend.UnknownSize.
	TotalSize int64

	// Complete is set when the backend held the whole file.
	Complete bool

	// Metadata is the validated metadata box. Zero when the file became
	// ready by completing before validation passed.
	Metadata container.Box
}

// Coordinator owns the download windows of every open file.
type Coordinator struct {
	backend   backend.Backend
	cache     *cache.RingBuffer
	cfg       Config
	validator *container.Validator
	logger    *slog.Logger
	metrics   Metrics

	readyGroup singleflight.Group
	gen        atomic.Uint64

	mu     sync.Mutex
	files  map[string]*fileState
	closed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates a Coordinator that ingests into ring.
func New(b backend.Backend, ring *cache.RingBuffer, cfg Config, opts ...Option) (*Coordinator, error) {
	if b == nil {
		return nil, errors.New("window: backend is nil")
	}
	if ring == nil {
		return nil, errors.New("window: cache is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("window: %w", err)
	}
	c := &Coordinator{
		backend:   b,
		cache:     ring,
		cfg:       cfg,
		validator: container.New(container.WithMaxScanBytes(cfg.MaxPrefixScan)),
		files:     make(map[string]*fileState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	return c, nil
}

func (c *Coordinator) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// fileState is the per-file bookkeeping. Fields below mu are guarded by it.
type fileState struct {
	id     string
	gen    uint64
	ctx    context.Context //nolint:containedctx // lifetime of the open file
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	refs      int
	size      int64
	ready     *Ready
	task      *windowTask
	windows   int
	lastIssue time.Time
}

func (st *fileState) setSize(size int64) {
	if size < 0 {
		return
	}
	st.mu.Lock()
	st.size = size
	st.mu.Unlock()
}

func (st *fileState) totalSize() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.size
}

// Size returns the last size the backend reported for fileID, or
// backend.UnknownSize.
func (c *Coordinator) Size(fileID string) int64 {
	c.mu.Lock()
	st, ok := c.files[fileID]
	c.mu.Unlock()
	if !ok {
		return backend.UnknownSize
	}
	return st.totalSize()
}

// Attach registers one more open handle on fileID.
func (c *Coordinator) Attach(fileID string) error {
	st, err := c.state(fileID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.refs++
	st.mu.Unlock()
	return nil
}

// state returns the bookkeeping for fileID, creating it on first use.
func (c *Coordinator) state(fileID string) (*fileState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if st, ok := c.files[fileID]; ok {
		return st, nil
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	st := &fileState{
		id:     fileID,
		gen:    c.gen.Add(1),
		ctx:    ctx,
		cancel: cancel,
		size:   backend.UnknownSize,
	}
	c.files[fileID] = st
	return st, nil
}

// CancelOnPlaybackEnd releases one handle on fileID. When the last handle
// goes, in-flight waits are cancelled and the backend download is
// cancelled. Cached chunks are kept.
func (c *Coordinator) CancelOnPlaybackEnd(ctx context.Context, fileID string) error {
	if !c.release(fileID) {
		return nil
	}
	if err := c.backend.CancelDownload(ctx, fileID); err != nil && !backend.IsMissing(err) {
		return fmt.Errorf("cancel download %s: %w", fileID, err)
	}
	c.log().Debug("playback ended", "file", fileID)
	return nil
}

// Deprioritize releases one handle on fileID like CancelOnPlaybackEnd, but
// lets the rest of the file continue downloading at background priority.
func (c *Coordinator) Deprioritize(ctx context.Context, fileID string) error {
	if !c.release(fileID) {
		return nil
	}
	if err := c.backend.RequestDownload(ctx, fileID, 0, 0, backend.PriorityBackground); err != nil {
		if backend.IsMissing(err) {
			return fmt.Errorf("%s: %w", fileID, ErrBackendFileMissing)
		}
		return fmt.Errorf("deprioritize %s: %w", fileID, err)
	}
	return nil
}

// release drops one reference and reports whether the file was torn down.
func (c *Coordinator) release(fileID string) bool {
	c.mu.Lock()
	st, ok := c.files[fileID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	st.mu.Lock()
	if st.refs > 1 {
		st.refs--
		st.mu.Unlock()
		c.mu.Unlock()
		return false
	}
	st.refs = 0
	st.task = nil
	st.mu.Unlock()
	delete(c.files, fileID)
	c.mu.Unlock()

	st.cancel(ErrClosed)
	return true
}

// Close releases every file and cancels their downloads.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	files := c.files
	c.files = make(map[string]*fileState)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for id, st := range files {
		st.cancel(ErrClosed)
		if err := c.backend.CancelDownload(ctx, id); err != nil && !backend.IsMissing(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnsureFileReady waits until fileID can be handed to a player: either the
// container metadata box is fully local, or the whole file is. Concurrent
// calls for the same file share one polling loop and its outcome.
func (c *Coordinator) EnsureFileReady(ctx context.Context, fileID string) (Ready, error) {
	st, err := c.state(fileID)
	if err != nil {
		return Ready{}, err
	}
	st.mu.Lock()
	ready := st.ready
	st.mu.Unlock()
	if ready != nil {
		return *ready, nil
	}

	key := fileID + "#" + strconv.FormatUint(st.gen, 10)
	ch := c.readyGroup.DoChan(key, func() (any, error) {
		return c.readyLoop(st)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Ready{}, res.Err
		}
		r, _ := res.Val.(Ready) //nolint:errcheck // always Ready when Err is nil
		return r, nil
	case <-ctx.Done():
		return Ready{}, ctx.Err()
	}
}

func (c *Coordinator) readyLoop(st *fileState) (ready Ready, err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveReadiness(time.Since(start), err)
		if err != nil {
			c.log().Warn("file not ready", "file", st.id, "elapsed", time.Since(start), "error", err)
		}
	}()

	ctx, cancel := context.WithTimeoutCause(st.ctx, c.cfg.ReadyTimeout, ErrReadinessTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	logs := throttle{every: c.cfg.LogThrottle}
	want := c.cfg.MinPrefixForValidation
	var requested, validated int64

	for {
		if want > requested {
			err := c.backend.RequestDownload(ctx, st.id, 0, want, backend.PriorityHigh)
			switch {
			case err == nil:
				requested = want
			case backend.IsMissing(err):
				return Ready{}, fmt.Errorf("%s: %w", st.id, ErrBackendFileMissing)
			case ctx.Err() == nil && logs.allow(time.Now()):
				c.log().Debug("prefix request failed", "file", st.id, "error", err, "suppressed", logs.take())
			}
		}

		fs, err := c.backend.FileState(ctx, st.id)
		switch {
		case err == nil:
			st.setSize(fs.TotalSize)
			r, done, err := c.checkReady(ctx, st, fs, &want, &validated)
			if err != nil {
				return Ready{}, err
			}
			if done {
				st.mu.Lock()
				st.ready = &r
				st.mu.Unlock()
				c.log().Debug("file ready", "file", st.id, "elapsed", time.Since(start), "complete", r.Complete)
				return r, nil
			}
			if logs.allow(time.Now()) {
				c.log().Debug("waiting for prefix", "file", st.id,
					"prefix", fs.DownloadedPrefixSize, "want", want, "size", fs.TotalSize)
			}
		case backend.IsMissing(err):
			return Ready{}, fmt.Errorf("%s: %w", st.id, ErrBackendFileMissing)
		case ctx.Err() == nil && logs.allow(time.Now()):
			c.log().Debug("file state poll failed", "file", st.id, "error", err, "suppressed", logs.take())
		}

		select {
		case <-ctx.Done():
			return Ready{}, fmt.Errorf("%s: %w", st.id, context.Cause(ctx))
		case <-ticker.C:
		}
	}
}

// checkReady ingests the prefix and validates it once enough is local.
func (c *Coordinator) checkReady(ctx context.Context, st *fileState, fs backend.FileState, want, validated *int64) (Ready, bool, error) {
	prefix := fs.DownloadedPrefixSize
	if _, err := c.ingest(ctx, st.id, 0, min(prefix, *want)); err != nil && backend.IsMissing(err) {
		return Ready{}, false, fmt.Errorf("%s: %w", st.id, ErrBackendFileMissing)
	}

	if fs.IsComplete {
		return Ready{FileID: st.id, TotalSize: fs.TotalSize, Complete: true}, true, nil
	}

	threshold := c.cfg.MinPrefixForValidation
	if fs.TotalSize >= 0 {
		threshold = min(threshold, fs.TotalSize)
	}
	if prefix < threshold || prefix <= *validated {
		return Ready{}, false, nil
	}
	*validated = prefix

	res := c.validator.Validate(backend.NewLocalReader(ctx, c.backend, st.id), prefix)
	switch res.Status {
	case container.StatusComplete:
		return Ready{FileID: st.id, TotalSize: fs.TotalSize, Metadata: res.Box}, true, nil
	case container.StatusNotFound:
		return Ready{}, false, fmt.Errorf("%s: scanned %d bytes: %w", st.id, res.Scanned, ErrContainerNotStreamable)
	default:
		if res.Malformed {
			// the local bytes could not be read; scan the same prefix again
			*validated = 0
			return Ready{}, false, nil
		}
		need := res.Need
		if fs.TotalSize >= 0 {
			need = min(need, fs.TotalSize)
		}
		*want = max(*want, need)
		return Ready{}, false, nil
	}
}

// ingest copies up to n locally available bytes at off from the backend
// into the cache, skipping what is already resident.
func (c *Coordinator) ingest(ctx context.Context, fileID string, off, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	skip := c.cache.Resident(fileID, off, n)
	off += skip
	n -= skip
	if n <= 0 {
		return 0, nil
	}

	buf := make([]byte, min(n, c.cache.ChunkSize()))
	var copied int64
	for copied < n {
		p := buf[:min(int64(len(buf)), n-copied)]
		m, err := c.backend.ReadAt(ctx, fileID, p, off+copied)
		if m > 0 {
			c.cache.Write(fileID, off+copied, p[:m])
			copied += int64(m)
		}
		if err != nil {
			c.metrics.ObserveIngest(int(copied))
			return copied, err
		}
		if m == 0 {
			break
		}
	}
	c.metrics.ObserveIngest(int(copied))
	return copied, nil
}
