package streamcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/streamcache/backend"
	"github.com/meigma/streamcache/cache"
	"github.com/meigma/streamcache/window"
)

// prefetchConcurrency bounds concurrent readiness loops started by Prefetch.
const prefetchConcurrency = 4

// Engine owns the process-wide chunk cache and download coordinator.
// It is safe for concurrent use.
type Engine struct {
	backend backend.Backend
	cfg     Config
	cache   *cache.RingBuffer
	coord   *window.Coordinator
	logger  *slog.Logger
	metrics Metrics
}

// New creates an Engine over b.
func New(b backend.Backend, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, errors.New("streamcache: backend is nil")
	}
	e := &Engine{
		backend: b,
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("streamcache: %w", err)
		}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("streamcache: %w", err)
	}

	if e.cache == nil {
		cacheOpts := []cache.Option{
			cache.WithChunkSize(e.cfg.ChunkSize),
			cache.WithMaxChunks(e.cfg.MaxChunks),
		}
		if e.metrics != nil {
			cacheOpts = append(cacheOpts, cache.WithMetrics(e.metrics))
		}
		ring, err := cache.New(cacheOpts...)
		if err != nil {
			return nil, fmt.Errorf("streamcache: %w", err)
		}
		e.cache = ring
	}

	coordOpts := []window.Option{window.WithLogger(e.logger)}
	if e.metrics != nil {
		coordOpts = append(coordOpts, window.WithMetrics(e.metrics))
	}
	coord, err := window.New(b, e.cache, e.cfg.window(), coordOpts...)
	if err != nil {
		return nil, fmt.Errorf("streamcache: %w", err)
	}
	e.coord = coord
	return e, nil
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Cache returns the shared ring buffer.
func (e *Engine) Cache() *cache.RingBuffer {
	return e.cache
}

// Open waits for fileID to become ready and returns a Stream over it.
//
// Open fails with ErrReadinessTimeout, ErrContainerNotStreamable or
// ErrBackendFileMissing, or with ctx's error if ctx ends first. The
// readiness check runs once per file; concurrent Opens of the same file
// share it.
func (e *Engine) Open(ctx context.Context, fileID string) (*Stream, error) {
	if err := e.coord.Attach(fileID); err != nil {
		return nil, err
	}
	lifetime, cancel := context.WithCancelCause(context.Background())
	s := &Stream{
		engine: e,
		fileID: fileID,
		ctx:    lifetime,
		cancel: cancel,
		state:  StateNotReady,
		size:   backend.UnknownSize,
	}

	s.setState(StateValidatingContainer)
	ready, err := e.coord.EnsureFileReady(ctx, fileID)
	if err != nil {
		s.fail(err)
		cancel(err)
		if rerr := e.coord.CancelOnPlaybackEnd(context.WithoutCancel(ctx), fileID); rerr != nil {
			e.log().Debug("release after failed open", "file", fileID, "error", rerr)
		}
		return nil, err
	}

	s.mu.Lock()
	s.ready = ready
	s.size = ready.TotalSize
	s.state = StateReady
	s.mu.Unlock()
	e.log().Debug("stream opened", "file", fileID, "size", ready.TotalSize, "complete", ready.Complete)
	return s, nil
}

// Prefetch makes upcoming files ready without opening them, then leaves
// their remaining bytes downloading at background priority. A failing file
// does not stop the others; the first error is returned once all are done.
func (e *Engine) Prefetch(ctx context.Context, fileIDs ...string) error {
	var g errgroup.Group
	g.SetLimit(prefetchConcurrency)
	for _, id := range fileIDs {
		g.Go(func() error {
			if err := e.coord.Attach(id); err != nil {
				return err
			}
			if _, err := e.coord.EnsureFileReady(ctx, id); err != nil {
				_ = e.coord.CancelOnPlaybackEnd(context.WithoutCancel(ctx), id) //nolint:errcheck // the readiness error wins
				return fmt.Errorf("prefetch %s: %w", id, err)
			}
			return e.coord.Deprioritize(ctx, id)
		})
	}
	return g.Wait()
}

// Close cancels every download and fails pending reads with ErrClosed.
// Cached chunks stay in the ring buffer.
func (e *Engine) Close(ctx context.Context) error {
	return e.coord.Close(ctx)
}
