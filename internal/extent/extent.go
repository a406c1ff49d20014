// Package extent tracks which byte ranges of a file are held locally.
package extent

import (
	"github.com/RoaringBitmap/roaring/roaring64"
)

// Set is a set of byte offsets stored as a roaring bitmap. Contiguous
// downloads collapse into run containers, so a fully downloaded file costs a
// handful of words. Set is not safe for concurrent use.
type Set struct {
	bm *roaring64.Bitmap
}

// New returns an empty Set.
func New() *Set {
	return &Set{bm: roaring64.New()}
}

// Add marks [off, off+n) as present.
func (s *Set) Add(off, n int64) {
	if off < 0 || n <= 0 {
		return
	}
	s.bm.AddRange(uint64(off), uint64(off+n))
}

// Contains reports whether the byte at off is present.
func (s *Set) Contains(off int64) bool {
	return off >= 0 && s.bm.Contains(uint64(off))
}

// Len returns the number of present bytes.
func (s *Set) Len() int64 {
	return int64(s.bm.GetCardinality()) //nolint:gosec // bounded by file size
}

// Clear removes everything.
func (s *Set) Clear() {
	s.bm.Clear()
}

// Contiguous returns how many bytes are present starting at off without a
// gap.
func (s *Set) Contiguous(off int64) int64 {
	if !s.Contains(off) {
		return 0
	}
	hi := int64(s.bm.Maximum()) + 1 - off //nolint:gosec // offsets are non-negative int64
	lo := int64(1)
	// largest L in [lo, hi] such that [off, off+L) is fully present
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if s.count(off, mid) == mid {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// FirstMissing returns the first absent offset at or after off, bounded by
// size.
func (s *Set) FirstMissing(off, size int64) int64 {
	end := off + s.Contiguous(off)
	return min(end, size)
}

func (s *Set) count(off, n int64) int64 {
	upper := s.bm.Rank(uint64(off + n - 1))
	if off == 0 {
		return int64(upper) //nolint:gosec // bounded by file size
	}
	return int64(upper - s.bm.Rank(uint64(off-1))) //nolint:gosec // bounded by file size
}
