package telemetry

import (
	"github.com/mmcloughlin/orconn/check"
	"github.com/mmcloughlin/orconn/log"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
)

// Resource tracks how many objects of one kind are live, and the most that
// have been live at once.
type Resource struct {
	live *atomic.Int64
	peak *atomic.Int64

	acquired tally.Counter
	released tally.Counter
	current  tally.Gauge
	high     tally.Gauge

	logger log.Logger
}

// NewResource reports the resource called name under scope. Safe for
// concurrent use.
func NewResource(scope tally.Scope, l log.Logger, name string) *Resource {
	sub := scope.SubScope(name)
	return &Resource{
		live:     atomic.NewInt64(0),
		peak:     atomic.NewInt64(0),
		acquired: sub.Counter("acquired"),
		released: sub.Counter("released"),
		current:  sub.Gauge("live"),
		high:     sub.Gauge("peak"),
		logger:   log.ForComponent(l, "resource").With("resource", name),
	}
}

// Acquire records one more live object.
func (r *Resource) Acquire() {
	r.acquired.Inc(1)
	n := r.live.Inc()
	r.current.Update(float64(n))
	for {
		p := r.peak.Load()
		if n <= p {
			return
		}
		if r.peak.CAS(p, n) {
			r.high.Update(float64(n))
			return
		}
	}
}

// Release records one object going away.
func (r *Resource) Release() {
	r.released.Inc(1)
	n := r.live.Dec()
	if n < 0 {
		check.Bug(r.logger, "resource released more often than acquired", "live", n)
	}
	r.current.Update(float64(n))
}

// Live returns the current number of objects.
func (r *Resource) Live() int64 { return r.live.Load() }

// Peak returns the highest number of objects live at once.
func (r *Resource) Peak() int64 { return r.peak.Load() }
