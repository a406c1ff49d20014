package window

import (
	"time"

	"github.com/gammazero/deque"
)

type sample struct {
	bytes int64
	at    time.Time
}

// rateMeter is a sliding-window byte rate. Samples are bucketed per
// second. Not safe for concurrent use.
type rateMeter struct {
	dq     deque.Deque[sample]
	total  int64
	window time.Duration
}

func newRateMeter(window time.Duration) *rateMeter {
	return &rateMeter{window: window}
}

func (m *rateMeter) add(now time.Time, n int64) {
	now = now.Truncate(time.Second)
	if m.dq.Len() > 0 && m.dq.Back().at.Equal(now) {
		last := m.dq.PopBack()
		last.bytes += n
		m.dq.PushBack(last)
	} else {
		m.dq.PushBack(sample{bytes: n, at: now})
	}
	m.total += n
	m.prune(now)
}

func (m *rateMeter) prune(now time.Time) {
	for m.dq.Len() > 0 && now.Sub(m.dq.Front().at) >= m.window {
		m.total -= m.dq.PopFront().bytes
	}
}

// perSecond returns the average rate over the window.
func (m *rateMeter) perSecond(now time.Time) float64 {
	m.prune(now.Truncate(time.Second))
	if m.window <= 0 {
		return 0
	}
	return float64(m.total) / m.window.Seconds()
}
