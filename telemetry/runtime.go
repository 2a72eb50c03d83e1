package telemetry

import (
	"context"
	"runtime/metrics"
	"time"

	"github.com/uber-go/tally"
)

// runtimeSamples maps runtime/metrics names to the gauge each is reported as.
var runtimeSamples = map[string]string{
	"/sched/goroutines:goroutines":       "goroutines",
	"/memory/classes/heap/objects:bytes": "heap_objects_bytes",
	"/memory/classes/heap/unused:bytes":  "heap_unused_bytes",
	"/memory/classes/os-stacks:bytes":    "os_stacks_bytes",
	"/memory/classes/heap/stacks:bytes":  "stacks_bytes",
	"/gc/cycles/total:gc-cycles":         "gc_cycles",
	"/memory/classes/total:bytes":        "total_bytes",
}

// Runtime samples Go runtime metrics into gauges.
type Runtime struct {
	samples []metrics.Sample
	gauges  []tally.Gauge
}

// NewRuntime reports runtime metrics under the "runtime" subscope. Metrics
// this Go release does not provide are skipped.
func NewRuntime(scope tally.Scope) *Runtime {
	supported := map[string]bool{}
	for _, d := range metrics.All() {
		supported[d.Name] = true
	}

	sub := scope.SubScope("runtime")
	r := &Runtime{}
	for name, gauge := range runtimeSamples {
		if !supported[name] {
			continue
		}
		r.samples = append(r.samples, metrics.Sample{Name: name})
		r.gauges = append(r.gauges, sub.Gauge(gauge))
	}
	return r
}

// Update reads the runtime metrics and reports them.
func (r *Runtime) Update() {
	metrics.Read(r.samples)
	for i, s := range r.samples {
		switch s.Value.Kind() {
		case metrics.KindUint64:
			r.gauges[i].Update(float64(s.Value.Uint64()))
		case metrics.KindFloat64:
			r.gauges[i].Update(s.Value.Float64())
		}
	}
}

// Names returns the gauges r reports, for diagnostics.
func (r *Runtime) Names() []string {
	names := make([]string, len(r.samples))
	for i, s := range r.samples {
		names[i] = runtimeSamples[s.Name]
	}
	return names
}

// ReportRuntime updates runtime metrics once every interval until ctx is
// done.
func ReportRuntime(ctx context.Context, scope tally.Scope, interval time.Duration) {
	r := NewRuntime(scope)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Update()
		}
	}
}
