package window

import "time"

// Metrics receives coordinator events. A nil Metrics disables reporting.
type Metrics interface {
	// ObserveReadiness records how long EnsureFileReady took and how it
	// ended. err is nil on success.
	ObserveReadiness(d time.Duration, err error)

	// ObserveWindowRequest counts download windows sent to the backend.
	ObserveWindowRequest()

	// ObserveSeekWait records how long an EnsureWindow call waited.
	ObserveSeekWait(d time.Duration, err error)

	// ObserveIngest counts bytes copied from the backend into the cache.
	ObserveIngest(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveReadiness(time.Duration, error) {}
func (nopMetrics) ObserveWindowRequest()                 {}
func (nopMetrics) ObserveSeekWait(time.Duration, error)  {}
func (nopMetrics) ObserveIngest(int)                     {}
