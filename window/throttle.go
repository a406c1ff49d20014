package window

import "time"

// throttle lets one event through per interval. Not safe for concurrent
// use; each poll loop owns its own.
type throttle struct {
	every time.Duration
	last  time.Time
	// suppressed counts events dropped since the last one allowed.
	suppressed int
}

func (t *throttle) allow(now time.Time) bool {
	if t.every <= 0 || t.last.IsZero() || now.Sub(t.last) >= t.every {
		t.last = now
		return true
	}
	t.suppressed++
	return false
}

// take returns and resets the suppressed count.
func (t *throttle) take() int {
	n := t.suppressed
	t.suppressed = 0
	return n
}
