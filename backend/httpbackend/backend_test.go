package httpbackend

import (
	"bytes"
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/streamcache/backend"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func serveBytes(t *testing.T, data []byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("ETag", `"v1"`)
		nethttp.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBackend(t *testing.T, sources map[string]Source, opts ...Option) *Backend {
	t.Helper()
	opts = append([]Option{WithDir(t.TempDir()), WithBlockSize(4 << 10)}, opts...)
	b, err := New(StaticResolver(sources), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitComplete(t *testing.T, b *Backend, fileID string) backend.FileState {
	t.Helper()
	var st backend.FileState
	require.Eventually(t, func() bool {
		var err error
		st, err = b.FileState(context.Background(), fileID)
		return err == nil && st.IsComplete
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestBackendFullDownload(t *testing.T) {
	t.Parallel()

	data := testData(100 << 10)
	srv := serveBytes(t, data, nil)
	b := newBackend(t, map[string]Source{"movie": {URL: srv.URL}})
	ctx := context.Background()

	st, err := b.FileState(ctx, "movie")
	require.NoError(t, err)
	assert.Equal(t, backend.UnknownSize, st.TotalSize)
	assert.False(t, st.IsComplete)

	require.NoError(t, b.RequestDownload(ctx, "movie", 0, 0, backend.PriorityHigh))
	st = waitComplete(t, b, "movie")
	assert.Equal(t, int64(len(data)), st.TotalSize)
	assert.Equal(t, int64(len(data)), st.DownloadedPrefixSize)

	got := make([]byte, len(data))
	n, err := b.ReadAt(ctx, "movie", got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
}

func TestBackendPartialRange(t *testing.T) {
	t.Parallel()

	data := testData(64 << 10)
	srv := serveBytes(t, data, nil)
	b := newBackend(t, map[string]Source{"movie": {URL: srv.URL}})
	ctx := context.Background()

	require.NoError(t, b.RequestDownload(ctx, "movie", 10_000, 5_000, backend.PriorityBackground))
	require.Eventually(t, func() bool {
		n, err := b.AvailableAt(ctx, "movie", 10_000)
		return err == nil && n == 5_000
	}, 5*time.Second, 5*time.Millisecond)

	st, err := b.FileState(ctx, "movie")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.DownloadedPrefixSize)
	assert.Equal(t, int64(5_000), st.LocalReadableBytes)
	assert.False(t, st.IsComplete)

	got := make([]byte, 5_000)
	_, err = b.ReadAt(ctx, "movie", got, 10_000)
	require.NoError(t, err)
	assert.Equal(t, data[10_000:15_000], got)
}

func TestBackendSkipsLocalBytes(t *testing.T) {
	t.Parallel()

	data := testData(32 << 10)
	var hits atomic.Int64
	srv := serveBytes(t, data, &hits)
	b := newBackend(t, map[string]Source{"movie": {URL: srv.URL}})
	ctx := context.Background()

	require.NoError(t, b.RequestDownload(ctx, "movie", 0, 0, backend.PriorityHigh))
	waitComplete(t, b, "movie")
	before := hits.Load()

	require.NoError(t, b.RequestDownload(ctx, "movie", 0, 0, backend.PriorityHigh))
	// give the goroutine a chance to run
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, hits.Load())
}

func TestBackendMissing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nethttp.NotFoundHandler())
	t.Cleanup(srv.Close)
	b := newBackend(t, map[string]Source{"gone": {URL: srv.URL}})
	ctx := context.Background()

	_, err := b.FileState(ctx, "unknown")
	assert.True(t, backend.IsMissing(err))

	require.NoError(t, b.RequestDownload(ctx, "gone", 0, 0, backend.PriorityHigh))
	require.Eventually(t, func() bool {
		_, err := b.FileState(ctx, "gone")
		return backend.IsMissing(err)
	}, 5*time.Second, 5*time.Millisecond)

	_, err = b.AvailableAt(ctx, "gone", 0)
	assert.True(t, backend.IsMissing(err))
}

func TestBackendDigest(t *testing.T) {
	t.Parallel()

	data := testData(20 << 10)
	srv := serveBytes(t, data, nil)
	b := newBackend(t, map[string]Source{
		"good": {URL: srv.URL, Digest: digest.FromBytes(data)},
		"bad":  {URL: srv.URL, Digest: digest.FromString("something else")},
	})
	ctx := context.Background()

	require.NoError(t, b.RequestDownload(ctx, "good", 0, 0, backend.PriorityHigh))
	waitComplete(t, b, "good")

	require.NoError(t, b.RequestDownload(ctx, "bad", 0, 0, backend.PriorityHigh))
	var err error
	require.Eventually(t, func() bool {
		_, err = b.FileState(ctx, "bad")
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.True(t, backend.IsMissing(err))
}

func TestBackendRangeUnsupported(t *testing.T) {
	t.Parallel()

	data := testData(1024)
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	b := newBackend(t, map[string]Source{"movie": {URL: srv.URL}})
	ctx := context.Background()

	require.NoError(t, b.RequestDownload(ctx, "movie", 0, 0, backend.PriorityHigh))
	var err error
	require.Eventually(t, func() bool {
		_, err = b.FileState(ctx, "movie")
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrRangeUnsupported)

	// reported once, then cleared
	_, err = b.FileState(ctx, "movie")
	assert.NoError(t, err)
}

func TestBackendCancel(t *testing.T) {
	t.Parallel()

	data := testData(256 << 10)
	release := make(chan struct{})
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodGet && r.Header.Get("Range") != "bytes=0-0" {
			<-release
		}
		nethttp.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	b := newBackend(t, map[string]Source{"movie": {URL: srv.URL}})
	ctx := context.Background()

	require.NoError(t, b.RequestDownload(ctx, "movie", 0, 0, backend.PriorityHigh))
	require.NoError(t, b.CancelDownload(ctx, "movie"))
	require.NoError(t, b.CancelDownload(ctx, "never-requested"))

	st, err := b.FileState(ctx, "movie")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.LocalReadableBytes)
}

func TestBackendBackgroundSlots(t *testing.T) {
	t.Parallel()

	data := testData(64 << 10)
	release := make(chan struct{})
	blocked := make(chan struct{}, 1)
	slow := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodGet && r.Header.Get("Range") != "bytes=0-0" {
			select {
			case blocked <- struct{}{}:
			default:
			}
			<-release
		}
		nethttp.ServeContent(w, r, "a.mp4", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	var hits atomic.Int64
	fast := serveBytes(t, data, &hits)

	b := newBackend(t, map[string]Source{
		"a": {URL: slow.URL},
		"b": {URL: fast.URL},
	}, WithBackgroundSlots(1))
	ctx := context.Background()

	require.NoError(t, b.RequestDownload(ctx, "a", 0, 0, backend.PriorityBackground))
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("first background download never started")
	}

	// the only slot is taken
	require.NoError(t, b.RequestDownload(ctx, "b", 0, 0, backend.PriorityLow))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, hits.Load())

	// high priority does not queue
	require.NoError(t, b.RequestDownload(ctx, "b", 0, 0, backend.PriorityHigh))
	st := waitComplete(t, b, "b")
	assert.Equal(t, int64(len(data)), st.TotalSize)
}

func TestBackendSlowResolverDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	srv := serveBytes(t, testData(8<<10), nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	resolve := func(ctx context.Context, fileID string) (Source, error) {
		if fileID == "slow" {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return Source{}, ctx.Err()
			}
		}
		return Source{URL: srv.URL}, nil
	}
	b, err := New(resolve, WithDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	slowDone := make(chan error, 1)
	go func() {
		_, err := b.FileState(context.Background(), "slow")
		slowDone <- err
	}()
	<-entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := b.FileState(context.Background(), "fast")
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FileState blocked behind another file's resolver")
	}

	close(release)
	require.NoError(t, <-slowDone)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)

	_, err = New(StaticResolver(nil), WithBlockSize(0))
	require.Error(t, err)
}

func TestParseContentRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr bool
	}{
		{name: "valid", value: "bytes 0-0/1234", want: 1234},
		{name: "spaces", value: "  bytes 10-20/99 ", want: 99},
		{name: "unknown size", value: "bytes 0-0/*", wantErr: true},
		{name: "no unit", value: "0-0/10", wantErr: true},
		{name: "no slash", value: "bytes 0-0", wantErr: true},
		{name: "negative", value: "bytes 0-0/-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseContentRange(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	for code, missing := range map[int]bool{
		nethttp.StatusNotFound:            true,
		nethttp.StatusGone:                true,
		nethttp.StatusPreconditionFailed:  true,
		nethttp.StatusInternalServerError: false,
		nethttp.StatusTooManyRequests:     false,
	} {
		err := statusError(&nethttp.Response{StatusCode: code, Status: nethttp.StatusText(code)})
		assert.Equal(t, missing, backend.IsMissing(err), "status %d", code)
		assert.Equal(t, !missing, errors.Is(err, backend.ErrTransient), "status %d", code)
	}
	assert.NoError(t, statusError(&nethttp.Response{StatusCode: nethttp.StatusPartialContent}))
}
