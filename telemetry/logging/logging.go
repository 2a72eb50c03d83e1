// Package logging reports tally metrics to a logger.
package logging

import (
	"time"

	"github.com/mmcloughlin/orconn/log"
	"github.com/uber-go/tally"
)

// metricLogger adds tags to a logger to report the given metric.
func metricLogger(l log.Logger, name, metricType string, tags map[string]string) log.Logger {
	return log.WithTags(l, tags).With("metric_name", name).With("metric_type", metricType)
}

// reporter publishes metrics to a logger at a fixed level.
type reporter struct {
	l   log.Logger
	lvl log.Level
}

// NewReporter builds a tally.CachedStatsReporter logging every reported value
// to l at lvl.
func NewReporter(l log.Logger, lvl log.Level) tally.CachedStatsReporter {
	return reporter{
		l:   log.ForComponent(l, "metrics"),
		lvl: lvl,
	}
}

// Capabilities returns the capabilities description of the reporter.
func (r reporter) Capabilities() tally.Capabilities {
	return r
}

// Reporting returns whether the reporter has the ability to actively report.
func (r reporter) Reporting() bool { return true }

// Tagging returns true.
func (r reporter) Tagging() bool { return true }

// AllocateCounter pre allocates a counter logger.
func (r reporter) AllocateCounter(name string, tags map[string]string) tally.CachedCount {
	return value{l: metricLogger(r.l, name, "counter", tags), lvl: r.lvl}
}

// AllocateGauge pre allocates a gauge logger.
func (r reporter) AllocateGauge(name string, tags map[string]string) tally.CachedGauge {
	return value{l: metricLogger(r.l, name, "gauge", tags), lvl: r.lvl}
}

// AllocateTimer pre allocates a timer logger.
func (r reporter) AllocateTimer(name string, tags map[string]string) tally.CachedTimer {
	return value{l: metricLogger(r.l, name, "timer", tags), lvl: r.lvl}
}

// AllocateHistogram is not implemented. Returns nil.
func (r reporter) AllocateHistogram(name string, tags map[string]string, buckets tally.Buckets) tally.CachedHistogram {
	return nil
}

// Flush is a no-op.
func (r reporter) Flush() {}

// value logs any kind of reported metric value.
type value struct {
	l   log.Logger
	lvl log.Level
}

func (v value) ReportCount(n int64)         { log.Log(v.l.With("value", n), v.lvl, "report") }
func (v value) ReportGauge(f float64)       { log.Log(v.l.With("value", f), v.lvl, "report") }
func (v value) ReportTimer(d time.Duration) { log.Log(v.l.With("value", d), v.lvl, "report") }
