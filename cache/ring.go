package cache

import (
	"errors"
	"math"
	"sync"
)

type chunkKey struct {
	fileID string
	index  int64
}

// chunk is one resident block. prev/next link it into the recency list.
type chunk struct {
	key   chunkKey
	data  []byte
	spans []span // written ranges within data, sorted and disjoint
	prev  *chunk
	next  *chunk
}

type span struct {
	lo, hi int64
}

// fill marks [lo, hi) as written, merging with overlapping or adjacent spans.
func (c *chunk) fill(lo, hi int64) {
	merged := make([]span, 0, len(c.spans)+1)
	ns := span{lo: lo, hi: hi}
	placed := false
	for _, s := range c.spans {
		switch {
		case s.hi < ns.lo:
			merged = append(merged, s)
		case ns.hi < s.lo:
			if !placed {
				merged = append(merged, ns)
				placed = true
			}
			merged = append(merged, s)
		default:
			ns.lo = min(ns.lo, s.lo)
			ns.hi = max(ns.hi, s.hi)
		}
	}
	if !placed {
		merged = append(merged, ns)
	}
	c.spans = merged
}

// validEnd returns the end of the written span containing off, or off when
// the byte at off was never written.
func (c *chunk) validEnd(off int64) int64 {
	for _, s := range c.spans {
		if s.lo <= off && off < s.hi {
			return s.hi
		}
	}
	return off
}

// RingBuffer is a capacity-bounded chunk cache with strict LRU eviction.
//
// Writes and reads hold a single mutex for the full copy, so a chunk's bytes
// are visible to readers only once the write that touched them has finished.
// Reads never return bytes that were not written: a read stops at the first
// missing chunk or unwritten byte and reports a short count.
type RingBuffer struct {
	chunkSize int64
	maxChunks int
	metrics   Metrics

	mu        sync.Mutex
	chunks    map[chunkKey]*chunk
	root      chunk // sentinel: root.next is most recent, root.prev least recent
	hits      int64
	misses    int64
	evictions int64
}

// New creates a ring buffer.
func New(opts ...Option) (*RingBuffer, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ChunkSize <= 0 {
		return nil, errors.New("cache: chunk size must be > 0")
	}
	if cfg.ChunkSize > math.MaxInt32 {
		return nil, errors.New("cache: chunk size too large")
	}
	if cfg.MaxChunks <= 0 {
		return nil, errors.New("cache: max chunks must be > 0")
	}
	r := &RingBuffer{
		chunkSize: cfg.ChunkSize,
		maxChunks: cfg.MaxChunks,
		metrics:   cfg.Metrics,
		chunks:    make(map[chunkKey]*chunk),
	}
	r.root.next = &r.root
	r.root.prev = &r.root
	return r, nil
}

// ChunkSize returns the configured chunk size.
func (r *RingBuffer) ChunkSize() int64 {
	return r.chunkSize
}

// Write copies p into the cache at pos for fileID and returns len(p).
//
// Chunks are allocated zeroed on first touch; bytes of a chunk outside the
// written range keep whatever they held before. Every touched chunk becomes
// most recently used, then least recently used chunks are evicted until the
// budget holds. A write spanning more chunks than the budget evicts its own
// leading chunks.
func (r *RingBuffer) Write(fileID string, pos int64, p []byte) int {
	if pos < 0 || len(p) == 0 || pos > math.MaxInt64-int64(len(p)) {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	written := 0
	for written < len(p) {
		abs := pos + int64(written)
		key := chunkKey{fileID: fileID, index: abs / r.chunkSize}
		off := abs - key.index*r.chunkSize

		c, ok := r.chunks[key]
		if !ok {
			c = &chunk{key: key, data: make([]byte, r.chunkSize)}
			r.chunks[key] = c
			r.pushFront(c)
		} else {
			r.moveToFront(c)
		}

		n := copy(c.data[off:], p[written:])
		c.fill(off, off+int64(n))
		written += n
	}

	r.evictOverflow()
	if r.metrics != nil {
		r.metrics.RecordResidentChunks(len(r.chunks))
	}
	return written
}

// Read copies resident bytes for fileID starting at pos into p. It stops at
// the first non-resident chunk or unwritten byte and returns the number of
// bytes copied, which may be zero.
func (r *RingBuffer) Read(fileID string, pos int64, p []byte) int {
	if pos < 0 || len(p) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for n < len(p) {
		abs := pos + int64(n)
		key := chunkKey{fileID: fileID, index: abs / r.chunkSize}
		off := abs - key.index*r.chunkSize

		c, ok := r.chunks[key]
		if !ok {
			break
		}
		end := c.validEnd(off)
		if end <= off {
			break
		}
		r.moveToFront(c)

		m := copy(p[n:], c.data[off:end])
		n += m
		if off+int64(m) < r.chunkSize {
			// either p is full or the written span ended inside this chunk
			break
		}
	}

	hit := n == len(p)
	if hit {
		r.hits++
	} else {
		r.misses++
	}
	if r.metrics != nil {
		r.metrics.ObserveRead(n, hit)
	}
	return n
}

// ContainsRange reports whether every byte of [pos, pos+length) for fileID
// is resident. It does not change recency.
func (r *RingBuffer) ContainsRange(fileID string, pos, length int64) bool {
	if pos < 0 || length <= 0 || pos > math.MaxInt64-length {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	end := pos + length
	for abs := pos; abs < end; {
		key := chunkKey{fileID: fileID, index: abs / r.chunkSize}
		chunkStart := key.index * r.chunkSize
		off := abs - chunkStart

		c, ok := r.chunks[key]
		if !ok {
			return false
		}
		need := min(r.chunkSize, end-chunkStart)
		if c.validEnd(off) < need {
			return false
		}
		abs = chunkStart + r.chunkSize
	}
	return true
}

// Resident returns the number of contiguous resident bytes for fileID
// starting at pos, capped at limit.
func (r *RingBuffer) Resident(fileID string, pos, limit int64) int64 {
	if pos < 0 || limit <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for n < limit {
		abs := pos + n
		key := chunkKey{fileID: fileID, index: abs / r.chunkSize}
		off := abs - key.index*r.chunkSize
		c, ok := r.chunks[key]
		if !ok {
			break
		}
		end := c.validEnd(off)
		if end <= off {
			break
		}
		n += end - off
		if end < r.chunkSize {
			break
		}
	}
	return min(n, limit)
}

// ClearFile evicts every chunk belonging to fileID.
func (r *RingBuffer) ClearFile(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, c := range r.chunks {
		if key.fileID != fileID {
			continue
		}
		r.unlink(c)
		delete(r.chunks, key)
	}
	if r.metrics != nil {
		r.metrics.RecordResidentChunks(len(r.chunks))
	}
}

// Clear evicts everything.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks = make(map[chunkKey]*chunk)
	r.root.next = &r.root
	r.root.prev = &r.root
	if r.metrics != nil {
		r.metrics.RecordResidentChunks(0)
	}
}

// Len returns the number of resident chunks.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Stats returns a snapshot of the buffer counters.
func (r *RingBuffer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		ChunkSize:      r.chunkSize,
		MaxChunks:      r.maxChunks,
		ResidentChunks: len(r.chunks),
		Hits:           r.hits,
		Misses:         r.misses,
		Evictions:      r.evictions,
	}
}

// evictOverflow drops least recently used chunks until the budget holds.
// Caller must hold r.mu.
func (r *RingBuffer) evictOverflow() {
	for len(r.chunks) > r.maxChunks {
		lru := r.root.prev
		r.unlink(lru)
		delete(r.chunks, lru.key)
		r.evictions++
		if r.metrics != nil {
			r.metrics.ObserveEviction()
		}
	}
}

func (r *RingBuffer) pushFront(c *chunk) {
	c.prev = &r.root
	c.next = r.root.next
	r.root.next.prev = c
	r.root.next = c
}

func (r *RingBuffer) unlink(c *chunk) {
	c.prev.next = c.next
	c.next.prev = c.prev
	c.prev = nil
	c.next = nil
}

func (r *RingBuffer) moveToFront(c *chunk) {
	if r.root.next == c {
		return
	}
	r.unlink(c)
	r.pushFront(c)
}
