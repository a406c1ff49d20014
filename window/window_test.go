package window

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/streamcache/backend"
	"github.com/meigma/streamcache/backend/memory"
	"github.com/meigma/streamcache/internal/testutil"
)

// readyMovie returns a coordinator with "movie" already past readiness.
func readyMovie(t *testing.T, cfg Config) (*Coordinator, *memory.Backend, []byte) {
	t.Helper()
	movie := testutil.FastStartMovie(1000, 1<<20)
	b := memory.New(memory.WithStep(64 << 10))
	b.Add("movie", movie)
	c, _ := newTestCoordinator(t, b, cfg)
	require.NoError(t, c.Attach("movie"))
	_, err := c.EnsureFileReady(context.Background(), "movie")
	require.NoError(t, err)
	return c, b, movie
}

func requestsSince(b *memory.Backend, n int) []memory.Request {
	return b.Requests()[n:]
}

func TestWindowContains(t *testing.T) {
	t.Parallel()

	w := Window{Start: 100, End: 200}
	assert.True(t, w.Contains(100))
	assert.True(t, w.Contains(199))
	assert.False(t, w.Contains(200))
	assert.False(t, w.Contains(99))
	assert.Equal(t, int64(100), w.Len())
}

func TestEnsureWindowRelocates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	c, b, movie := readyMovie(t, cfg)
	base := len(b.Requests())

	require.NoError(t, c.EnsureWindow(ctx, "movie", 300_000))
	win, ok := c.Current("movie")
	require.True(t, ok)
	assert.Equal(t, Window{Start: 300_000, End: 300_000 + cfg.WindowSize}, win)
	assert.Equal(t, []memory.Request{
		{FileID: "movie", Offset: 300_000, Limit: cfg.WindowSize, Priority: backend.PriorityHigh},
	}, requestsSince(b, base))
	assert.Empty(t, b.Cancels())

	// inside the window: no new request
	require.NoError(t, c.EnsureWindow(ctx, "movie", 310_000))
	assert.Len(t, requestsSince(b, base), 1)

	// outside: one request at the new position, the old one cancelled
	require.NoError(t, c.EnsureWindow(ctx, "movie", 700_000))
	assert.Equal(t, []memory.Request{
		{FileID: "movie", Offset: 300_000, Limit: cfg.WindowSize, Priority: backend.PriorityHigh},
		{FileID: "movie", Offset: 700_000, Limit: cfg.WindowSize, Priority: backend.PriorityHigh},
	}, requestsSince(b, base))
	assert.Equal(t, []string{"movie"}, b.Cancels())

	got := make([]byte, cfg.MinReadAhead)
	n := c.cache.Read("movie", 700_000, got)
	assert.Equal(t, int(cfg.MinReadAhead), n)
	assert.Equal(t, movie[700_000:700_000+cfg.MinReadAhead], got)
}

func TestEnsureWindowClipsToFileEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	c, b, movie := readyMovie(t, cfg)
	size := int64(len(movie))
	base := len(b.Requests())

	pos := size - 1000
	require.NoError(t, c.EnsureWindow(ctx, "movie", pos))
	win, ok := c.Current("movie")
	require.True(t, ok)
	assert.Equal(t, Window{Start: pos, End: size}, win)
	assert.Equal(t, int64(1000), requestsSince(b, base)[0].Limit)
	assert.True(t, c.cache.ContainsRange("movie", pos, 1000))

	// at or past the end there is nothing to wait for
	require.NoError(t, c.EnsureWindow(ctx, "movie", size))
	require.NoError(t, c.EnsureWindow(ctx, "movie", size+10))
	assert.Len(t, requestsSince(b, base), 1)

	require.Error(t, c.EnsureWindow(ctx, "movie", -1))
}

func TestEnsureWindowUsesBackendBytes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	c, b, _ := readyMovie(t, cfg)
	b.Preload("movie", 500_000, 10_000)
	base := len(b.Requests())

	// already local at the backend: ingested without a window
	require.NoError(t, c.EnsureWindow(ctx, "movie", 500_000))
	assert.True(t, c.cache.ContainsRange("movie", 500_000, cfg.MinReadAhead))
	assert.Empty(t, requestsSince(b, base))
	_, ok := c.Current("movie")
	assert.False(t, ok)
}

func TestEnsureWindowSupersededAndDebounced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	cfg.SeekDebounce = 500 * time.Millisecond
	c, b, _ := readyMovie(t, cfg)
	b.SetStep("movie", 0)
	base := len(b.Requests())

	seek := func(pos int64) <-chan error {
		errc := make(chan error, 1)
		go func() { errc <- c.EnsureWindow(ctx, "movie", pos) }()
		require.Eventually(t, func() bool {
			w, ok := c.Current("movie")
			return ok && w.Start == pos
		}, time.Second, time.Millisecond)
		return errc
	}

	first := seek(200_000)
	require.Eventually(t, func() bool { return len(requestsSince(b, base)) == 1 }, time.Second, time.Millisecond)
	second := seek(400_000)
	assert.ErrorIs(t, <-first, ErrWindowSuperseded)
	third := seek(600_000)
	assert.ErrorIs(t, <-second, ErrWindowSuperseded)

	b.SetStep("movie", 64<<10)
	require.NoError(t, <-third)

	var offsets []int64
	for _, req := range requestsSince(b, base) {
		offsets = append(offsets, req.Offset)
	}
	assert.Equal(t, []int64{200_000, 600_000}, offsets, "the middle seek never reaches the backend")
	assert.Equal(t, []string{"movie"}, b.Cancels())
}

func TestEnsureWindowTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	cfg.WindowTimeout = 50 * time.Millisecond
	c, b, _ := readyMovie(t, cfg)
	b.SetStep("movie", 0)
	base := len(b.Requests())

	err := c.EnsureWindow(ctx, "movie", 300_000)
	require.ErrorIs(t, err, ErrReadinessTimeout)
	_, ok := c.Current("movie")
	assert.False(t, ok, "a timed out window is dropped")

	// a retry issues a fresh request
	b.SetStep("movie", 64<<10)
	require.NoError(t, c.EnsureWindow(ctx, "movie", 300_000))
	assert.Len(t, requestsSince(b, base), 2)
}

func TestEnsureWindowFileMissing(t *testing.T) {
	t.Parallel()

	c, b, _ := readyMovie(t, testConfig())
	b.Remove("movie")

	err := c.EnsureWindow(context.Background(), "movie", 300_000)
	assert.ErrorIs(t, err, ErrBackendFileMissing)
}

func TestEnsureWindowReleased(t *testing.T) {
	t.Parallel()

	c, b, _ := readyMovie(t, testConfig())
	b.SetStep("movie", 0)

	errc := make(chan error, 1)
	go func() { errc <- c.EnsureWindow(context.Background(), "movie", 300_000) }()
	require.Eventually(t, func() bool {
		_, ok := c.Current("movie")
		return ok
	}, time.Second, time.Millisecond)
	require.NoError(t, c.CancelOnPlaybackEnd(context.Background(), "movie"))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("EnsureWindow did not return after release")
	}
}

func TestRateMeter(t *testing.T) {
	t.Parallel()

	m := newRateMeter(4 * time.Second)
	now := time.Unix(1000, 0)
	m.add(now, 1000)
	m.add(now.Add(500*time.Millisecond), 1000)
	m.add(now.Add(time.Second), 2000)
	assert.InDelta(t, 1000.0, m.perSecond(now.Add(time.Second)), 0.001)

	// the first bucket ages out
	assert.InDelta(t, 500.0, m.perSecond(now.Add(4*time.Second)), 0.001)
	assert.InDelta(t, 0.0, m.perSecond(now.Add(10*time.Second)), 0.001)
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	th := throttle{every: time.Second}
	now := time.Unix(1000, 0)
	assert.True(t, th.allow(now))
	assert.False(t, th.allow(now.Add(100*time.Millisecond)))
	assert.False(t, th.allow(now.Add(200*time.Millisecond)))
	assert.True(t, th.allow(now.Add(time.Second)))
	assert.Equal(t, 2, th.take())
	assert.Equal(t, 0, th.take())

	off := throttle{}
	assert.True(t, off.allow(now))
	assert.True(t, off.allow(now))
}
