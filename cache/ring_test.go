package cache

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, chunkSize int64, maxChunks int, opts ...Option) *RingBuffer {
	t.Helper()
	opts = append([]Option{WithChunkSize(chunkSize), WithMaxChunks(maxChunks)}, opts...)
	r, err := New(opts...)
	require.NoError(t, err)
	return r
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(WithChunkSize(0))
	require.Error(t, err)

	_, err = New(WithMaxChunks(0))
	require.Error(t, err)
}

func TestRingRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pos  int64
		size int
	}{
		{name: "inside one chunk", pos: 10, size: 100},
		{name: "exact chunk", pos: 1024, size: 1024},
		{name: "spans boundary", pos: 1000, size: 100},
		{name: "spans three chunks", pos: 512, size: 2048},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newTestRing(t, 1024, 8)
			data := pattern(tt.size, 7)

			assert.Equal(t, tt.size, r.Write("f", tt.pos, data))

			got := make([]byte, tt.size)
			assert.Equal(t, tt.size, r.Read("f", tt.pos, got))
			assert.Equal(t, data, got)
			assert.True(t, r.ContainsRange("f", tt.pos, int64(tt.size)))
		})
	}
}

func TestRingEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 4)

	require.Equal(t, 4096, r.Write("f", 0, pattern(4096, 1)))
	assert.True(t, r.ContainsRange("f", 0, 4096))
	assert.Equal(t, 4, r.Len())

	require.Equal(t, 10, r.Write("f", 4096, pattern(10, 2)))
	assert.False(t, r.ContainsRange("f", 0, 1024))
	assert.True(t, r.ContainsRange("f", 1024, 3072))
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, int64(1), r.Stats().Evictions)
}

func TestRingReadPromotesChunk(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 4)
	require.Equal(t, 4096, r.Write("f", 0, pattern(4096, 1)))

	// touching chunk 0 makes chunk 1 the eviction candidate
	buf := make([]byte, 16)
	require.Equal(t, 16, r.Read("f", 0, buf))

	r.Write("f", 4096, pattern(1024, 3))
	assert.True(t, r.ContainsRange("f", 0, 1024))
	assert.False(t, r.ContainsRange("f", 1024, 1024))
}

func TestRingShortReadAtGap(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 8)
	data := pattern(1024, 9)
	require.Equal(t, 1024, r.Write("f", 0, data))

	buf := make([]byte, 2048)
	n := r.Read("f", 512, buf)
	assert.Equal(t, 512, n)
	assert.Equal(t, data[512:], buf[:n])

	assert.Equal(t, 0, r.Read("f", 1024, buf))
	assert.False(t, r.ContainsRange("f", 512, 1024))
}

func TestRingPartialChunkNeverFabricates(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 8)
	data := pattern(200, 4)
	require.Equal(t, 200, r.Write("f", 300, data))

	buf := make([]byte, 100)
	assert.Equal(t, 0, r.Read("f", 0, buf), "bytes before the written span are not resident")
	assert.False(t, r.ContainsRange("f", 0, 10))

	buf = make([]byte, 1000)
	n := r.Read("f", 300, buf)
	assert.Equal(t, 200, n)
	assert.Equal(t, data, buf[:n])

	// filling the hole joins the spans
	head := pattern(300, 11)
	r.Write("f", 0, head)
	n = r.Read("f", 0, buf)
	assert.Equal(t, 500, n)
	assert.Equal(t, head, buf[:300])
	assert.Equal(t, data, buf[300:500])
}

func TestRingOverwriteKeepsUntouchedBytes(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 8)
	r.Write("f", 0, bytes.Repeat([]byte{0xAA}, 1024))
	r.Write("f", 100, bytes.Repeat([]byte{0xBB}, 10))

	buf := make([]byte, 1024)
	require.Equal(t, 1024, r.Read("f", 0, buf))
	assert.Equal(t, byte(0xAA), buf[99])
	assert.Equal(t, byte(0xBB), buf[100])
	assert.Equal(t, byte(0xBB), buf[109])
	assert.Equal(t, byte(0xAA), buf[110])
}

func TestRingNoOps(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 4)

	assert.Equal(t, 0, r.Write("f", -1, []byte("x")))
	assert.Equal(t, 0, r.Write("f", 0, nil))
	assert.Equal(t, 0, r.Read("f", -5, make([]byte, 4)))
	assert.Equal(t, 0, r.Read("f", 0, nil))
	assert.False(t, r.ContainsRange("f", 0, 0))
	assert.False(t, r.ContainsRange("f", -1, 10))
	assert.Equal(t, 0, r.Len())
}

func TestRingFilesAreIsolated(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 8)
	r.Write("a", 0, pattern(1024, 1))
	r.Write("b", 0, pattern(1024, 2))

	buf := make([]byte, 1024)
	require.Equal(t, 1024, r.Read("a", 0, buf))
	assert.Equal(t, pattern(1024, 1), buf)

	r.ClearFile("a")
	assert.False(t, r.ContainsRange("a", 0, 1))
	assert.True(t, r.ContainsRange("b", 0, 1024))

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.ContainsRange("b", 0, 1))
}

func TestRingGlobalBudgetEvictsOtherFiles(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 2)
	r.Write("a", 0, pattern(2048, 1))
	r.Write("b", 0, pattern(1024, 2))

	assert.False(t, r.ContainsRange("a", 0, 1024))
	assert.True(t, r.ContainsRange("a", 1024, 1024))
	assert.True(t, r.ContainsRange("b", 0, 1024))
}

func TestRingResident(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1024, 8)
	r.Write("f", 100, pattern(2000, 1))

	assert.Equal(t, int64(2000), r.Resident("f", 100, 4096))
	assert.Equal(t, int64(500), r.Resident("f", 100, 500))
	assert.Equal(t, int64(0), r.Resident("f", 0, 4096))
	assert.Equal(t, int64(1000), r.Resident("f", 1100, 4096))
}

type countingMetrics struct {
	mu        sync.Mutex
	hits      int
	misses    int
	evictions int
	resident  int
}

func (m *countingMetrics) ObserveRead(_ int, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *countingMetrics) ObserveEviction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
}

func (m *countingMetrics) RecordResidentChunks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resident = n
}

func TestRingMetrics(t *testing.T) {
	t.Parallel()

	m := &countingMetrics{}
	r := newTestRing(t, 1024, 2, WithMetrics(m))

	r.Write("f", 0, pattern(3072, 1))
	buf := make([]byte, 10)
	r.Read("f", 2048, buf)
	r.Read("f", 0, buf)

	assert.Equal(t, 1, m.hits)
	assert.Equal(t, 1, m.misses)
	assert.Equal(t, 1, m.evictions)
	assert.Equal(t, 2, m.resident)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestRingConcurrentWriterReader(t *testing.T) {
	t.Parallel()

	const size = 64 << 10
	r := newTestRing(t, 4096, 64)
	data := pattern(size, 3)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for off := 0; off < size; off += 1000 {
			end := min(off+1000, size)
			r.Write("f", int64(off), data[off:end])
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for i := 0; i < 200; i++ {
			off := int64(i*317) % size
			n := r.Read("f", off, buf)
			// whatever is visible must match what was written
			if !bytes.Equal(buf[:n], data[off:off+int64(n)]) {
				t.Errorf("read at %d returned bytes that were never written", off)
				return
			}
		}
	}()
	wg.Wait()

	got := make([]byte, size)
	assert.Equal(t, size, r.Read("f", 0, got))
	assert.Equal(t, data, got)
}
