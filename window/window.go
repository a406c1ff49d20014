package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meigma/streamcache/backend"
)

// Window is a byte range being downloaded at high priority.
type Window struct {
	Start int64
	End   int64 // exclusive
}

// Contains reports whether pos lies inside the window.
func (w Window) Contains(pos int64) bool {
	return pos >= w.Start && pos < w.End
}

// Len returns the window length.
func (w Window) Len() int64 {
	return w.End - w.Start
}

// errTaskDone is reported to waiters whose task finished without covering
// their position; EnsureWindow starts a fresh task.
var errTaskDone = errors.New("window task finished")

// windowTask downloads one window and ingests it into the cache. Waiters
// are woken on every poll.
type windowTask struct {
	win    Window
	from   int64
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.Mutex
	changed chan struct{}
	waiters int
	err     error
}

func newWindowTask(win Window, from int64, cancel context.CancelCauseFunc) *windowTask {
	return &windowTask{
		win:     win,
		from:    from,
		cancel:  cancel,
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
}

func (t *windowTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// notify returns a channel closed on the next poll.
func (t *windowTask) notify() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

func (t *windowTask) broadcast() {
	t.mu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *windowTask) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

func (t *windowTask) result() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *windowTask) join(delta int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiters += delta
	return t.waiters
}

// Current returns the active window for fileID, if any.
func (c *Coordinator) Current(fileID string) (Window, bool) {
	c.mu.Lock()
	st, ok := c.files[fileID]
	c.mu.Unlock()
	if !ok {
		return Window{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.task == nil {
		return Window{}, false
	}
	return st.task.win, true
}

// EnsureWindow makes sure the bytes at pos are being downloaded and waits
// until MinReadAhead bytes there (or the rest of the file) are cached.
//
// A position inside the active window reuses it. Any other position
// relocates the window to [pos, pos+WindowSize), cancelling the previous
// download and failing its waiters with ErrWindowSuperseded. Waits are
// bounded by WindowTimeout; on timeout the window is dropped so the next
// call issues a fresh request.
func (c *Coordinator) EnsureWindow(ctx context.Context, fileID string, pos int64) (err error) {
	if pos < 0 {
		return fmt.Errorf("ensure window %s: negative position %d", fileID, pos)
	}
	st, err := c.state(fileID)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		c.metrics.ObserveSeekWait(time.Since(start), err)
	}()

	waitCtx, cancel := context.WithTimeoutCause(ctx, c.cfg.WindowTimeout, ErrReadinessTimeout)
	defer cancel()

	for {
		need := c.readAhead(st, pos)
		if need <= 0 {
			return nil
		}
		if c.cache.Resident(fileID, pos, need) >= need {
			return nil
		}
		// already local at the backend, no window needed
		if n, err := c.ingestAvailable(waitCtx, fileID, pos, need); err == nil && n >= need {
			return nil
		}

		task := c.windowFor(st, pos)
		err := c.wait(waitCtx, st, task, pos, need)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errTaskDone):
			continue
		case errors.Is(err, ErrReadinessTimeout):
			c.dropWindow(st, task)
			c.log().Warn("window wait timed out", "file", fileID, "pos", pos, "window_start", task.win.Start)
			return fmt.Errorf("%s at %d: %w", fileID, pos, ErrReadinessTimeout)
		default:
			return err
		}
	}
}

// readAhead is the number of bytes at pos EnsureWindow waits for.
func (c *Coordinator) readAhead(st *fileState, pos int64) int64 {
	need := c.cfg.MinReadAhead
	if size := st.totalSize(); size >= 0 {
		need = min(need, size-pos)
	}
	return need
}

// windowFor returns the task covering pos, relocating or restarting the
// window as needed.
func (c *Coordinator) windowFor(st *fileState, pos int64) *windowTask {
	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.task
	if prev != nil && prev.win.Contains(pos) {
		if pos >= prev.from && !prev.finished() {
			return prev
		}
		// pos is inside the window but behind the download, or the task is
		// done without it; fetch again from pos
		prev.cancel(errTaskDone)
		return c.startTask(st, prev.win, pos, false)
	}

	end := pos + c.cfg.WindowSize
	if st.size >= 0 {
		end = min(end, st.size)
	}
	if prev != nil {
		prev.cancel(ErrWindowSuperseded)
	}
	return c.startTask(st, Window{Start: pos, End: end}, pos, prev != nil || st.windows > 0)
}

// startTask launches a window task. Callers hold st.mu.
func (c *Coordinator) startTask(st *fileState, win Window, from int64, relocate bool) *windowTask {
	ctx, cancel := context.WithCancelCause(st.ctx)
	t := newWindowTask(win, from, cancel)
	st.task = t
	st.windows++

	delay := time.Duration(0)
	if !st.lastIssue.IsZero() && c.cfg.SeekDebounce > 0 {
		delay = c.cfg.SeekDebounce - time.Since(st.lastIssue)
	}
	if delay <= 0 {
		// claim the slot now so a seek right behind this one is delayed
		st.lastIssue = time.Now()
	}
	c.log().Debug("window relocated", "file", st.id, "start", win.Start, "end", win.End, "from", from, "delay", max(delay, 0))
	go c.runTask(ctx, st, t, delay, relocate)
	return t
}

// dropWindow forgets task if it is still the active window.
func (c *Coordinator) dropWindow(st *fileState, t *windowTask) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.task == t {
		st.task = nil
		t.cancel(ErrReadinessTimeout)
	}
}

func (c *Coordinator) runTask(ctx context.Context, st *fileState, t *windowTask, delay time.Duration, relocate bool) {
	defer t.cancel(nil)

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.finish(context.Cause(ctx))
			return
		case <-timer.C:
		}
	}

	if err := c.issue(ctx, st, t, relocate); err != nil {
		t.finish(err)
		return
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	logs := throttle{every: c.cfg.LogThrottle}
	rate := newRateMeter(5 * time.Second)
	cursor := t.from
	idleSince := time.Now()

	for {
		complete := false
		fs, err := c.backend.FileState(ctx, st.id)
		switch {
		case err == nil:
			st.setSize(fs.TotalSize)
			complete = fs.IsComplete
		case backend.IsMissing(err):
			t.finish(fmt.Errorf("%s: %w", st.id, ErrBackendFileMissing))
			return
		case ctx.Err() == nil && logs.allow(time.Now()):
			c.log().Debug("file state poll failed", "file", st.id, "error", err, "suppressed", logs.take())
		}

		end := t.win.End
		if size := st.totalSize(); size >= 0 {
			end = min(end, size)
		}
		if cursor < end {
			n, err := c.ingestAvailable(ctx, st.id, cursor, end-cursor)
			if backend.IsMissing(err) {
				t.finish(fmt.Errorf("%s: %w", st.id, ErrBackendFileMissing))
				return
			}
			if n > 0 {
				now := time.Now()
				cursor += n
				idleSince = now
				rate.add(now, n)
				if logs.allow(now) {
					c.log().Debug("window progress", "file", st.id, "cursor", cursor, "end", end,
						"bytes_per_sec", int64(rate.perSecond(now)))
				}
			}
		}
		t.broadcast()

		if cursor >= end || complete {
			t.finish(nil)
			return
		}
		if t.join(0) == 0 && time.Since(idleSince) > c.cfg.WindowTimeout {
			// nobody is waiting and nothing arrives; a later miss restarts it
			t.finish(nil)
			return
		}

		select {
		case <-ctx.Done():
			t.finish(context.Cause(ctx))
			return
		case <-ticker.C:
		}
	}
}

// issue sends the window request to the backend.
func (c *Coordinator) issue(ctx context.Context, st *fileState, t *windowTask, relocate bool) error {
	if relocate {
		if err := c.backend.CancelDownload(ctx, st.id); err != nil && backend.IsMissing(err) {
			return fmt.Errorf("%s: %w", st.id, ErrBackendFileMissing)
		}
	}
	limit := t.win.End - t.from
	if err := c.backend.RequestDownload(ctx, st.id, t.from, limit, backend.PriorityHigh); err != nil {
		if backend.IsMissing(err) {
			return fmt.Errorf("%s: %w", st.id, ErrBackendFileMissing)
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		// the poll loop keeps going; a stalled window ends in a timeout
		c.log().Debug("window request failed", "file", st.id, "from", t.from, "error", err)
	}

	st.mu.Lock()
	st.lastIssue = time.Now()
	st.mu.Unlock()
	c.metrics.ObserveWindowRequest()
	return nil
}

// ingestAvailable copies the contiguous local bytes at off, up to n.
func (c *Coordinator) ingestAvailable(ctx context.Context, fileID string, off, n int64) (int64, error) {
	avail, err := c.backend.AvailableAt(ctx, fileID, off)
	if err != nil {
		return 0, err
	}
	avail = min(avail, n)
	if avail <= 0 {
		return 0, nil
	}
	// bytes already resident count as progress
	resident := c.cache.Resident(fileID, off, avail)
	copied, err := c.ingest(ctx, fileID, off+resident, avail-resident)
	return resident + copied, err
}

// wait blocks until need bytes at pos are cached or the task ends.
func (c *Coordinator) wait(ctx context.Context, st *fileState, t *windowTask, pos, need int64) error {
	t.join(1)
	defer t.join(-1)

	for {
		changed := t.notify()

		if c.cache.Resident(st.id, pos, need) >= need {
			return nil
		}
		// the backend may already hold these bytes from an earlier window
		if n, err := c.ingestAvailable(ctx, st.id, pos, need); err == nil && n >= need {
			return nil
		}

		select {
		case <-changed:
		case <-t.done:
			if c.cache.Resident(st.id, pos, need) >= need {
				return nil
			}
			if err := t.result(); err != nil {
				return err
			}
			return errTaskDone
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
