// Package expvar reports tally metrics to expvar.
package expvar

import (
	"expvar"
	"sort"
	"strings"
	"time"

	"github.com/uber-go/tally"
)

// reporter publishes metrics as entries of one expvar map.
type reporter struct {
	vars *expvar.Map
}

// NewReporter builds a tally.CachedStatsReporter publishing under the expvar
// map called name. Each tag set of a metric gets its own key, of the form
// "metric{k1=v1,k2=v2}". Like expvar.NewMap, it panics if name is already
// published.
func NewReporter(name string) tally.CachedStatsReporter {
	return reporter{
		vars: expvar.NewMap(name),
	}
}

// Key returns the map key for a metric with the given tags.
func Key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// Capabilities returns the capabilities description of the reporter.
func (r reporter) Capabilities() tally.Capabilities {
	return r
}

// Reporting returns whether the reporter has the ability to actively report.
func (r reporter) Reporting() bool { return false }

// Tagging returns true: tags are folded into the key.
func (r reporter) Tagging() bool { return true }

// AllocateCounter pre allocates a counter backed by an expvar.Int.
func (r reporter) AllocateCounter(name string, tags map[string]string) tally.CachedCount {
	n := new(expvar.Int)
	r.vars.Set(Key(name, tags), n)
	return counter{n: n}
}

type counter struct {
	n *expvar.Int
}

func (c counter) ReportCount(v int64) {
	c.n.Add(v)
}

// AllocateGauge pre allocates a gauge backed by an expvar.Float.
func (r reporter) AllocateGauge(name string, tags map[string]string) tally.CachedGauge {
	f := new(expvar.Float)
	r.vars.Set(Key(name, tags), f)
	return gauge{f: f}
}

type gauge struct {
	f *expvar.Float
}

func (g gauge) ReportGauge(v float64) {
	g.f.Set(v)
}

// AllocateTimer pre allocates a timer recording the most recent duration in
// seconds.
func (r reporter) AllocateTimer(name string, tags map[string]string) tally.CachedTimer {
	f := new(expvar.Float)
	r.vars.Set(Key(name, tags), f)
	return timer{f: f}
}

type timer struct {
	f *expvar.Float
}

func (t timer) ReportTimer(d time.Duration) {
	t.f.Set(d.Seconds())
}

// AllocateHistogram is not implemented. Returns nil.
func (r reporter) AllocateHistogram(name string, tags map[string]string, buckets tally.Buckets) tally.CachedHistogram {
	return nil
}

// Flush is a no-op.
func (r reporter) Flush() {}
