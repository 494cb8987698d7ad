package aiop

import "go.uber.org/atomic"

// Stats is a point-in-time copy of reactor counters.
type Stats struct {
	Backend    string
	Registered int64
	Waits      uint64
	Timeouts   uint64
	Events     uint64
	Truncated  uint64
	Grows      uint64
	Errors     uint64
}

// reactorStats may be read from another goroutine while the reactor runs.
type reactorStats struct {
	registered *atomic.Int64
	waits      *atomic.Uint64
	timeouts   *atomic.Uint64
	events     *atomic.Uint64
	truncated  *atomic.Uint64
	grows      *atomic.Uint64
	errors     *atomic.Uint64
}

func newReactorStats() *reactorStats {
	return &reactorStats{
		registered: atomic.NewInt64(0),
		waits:      atomic.NewUint64(0),
		timeouts:   atomic.NewUint64(0),
		events:     atomic.NewUint64(0),
		truncated:  atomic.NewUint64(0),
		grows:      atomic.NewUint64(0),
		errors:     atomic.NewUint64(0),
	}
}

func (s *reactorStats) snapshot(backend string) Stats {
	return Stats{
		Backend:    backend,
		Registered: s.registered.Load(),
		Waits:      s.waits.Load(),
		Timeouts:   s.timeouts.Load(),
		Events:     s.events.Load(),
		Truncated:  s.truncated.Load(),
		Grows:      s.grows.Load(),
		Errors:     s.errors.Load(),
	}
}

// waitObserver is implemented by backends that report native wait details.
type waitObserver interface {
	setStats(s *reactorStats)
}

// statsHolder is embedded by backends to count buffer growth and truncation.
type statsHolder struct {
	stats *reactorStats
}

func (h *statsHolder) setStats(s *reactorStats) {
	h.stats = s
}

func (h *statsHolder) grew() {
	if h.stats != nil {
		h.stats.grows.Inc()
	}
}

func (h *statsHolder) dropped(n int) {
	if h.stats != nil && n > 0 {
		h.stats.truncated.Add(uint64(n))
	}
}
