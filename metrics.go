package orconn

import (
	"github.com/mmcloughlin/orconn/log"
	"github.com/mmcloughlin/orconn/telemetry"
	"github.com/uber-go/tally"
)

// Metrics records statistics about OR connections.
type Metrics struct {
	Connections *telemetry.Resource
	Inbound     *telemetry.Bandwidth
	Outbound    *telemetry.Bandwidth

	scope tally.Scope
}

// NewMetrics builds connection metrics on scope.
func NewMetrics(scope tally.Scope, l log.Logger) *Metrics {
	return &Metrics{
		Connections: telemetry.NewResource(scope, l, "connections"),
		Inbound:     telemetry.NewBandwidth(scope.Counter("inbound_bytes")),
		Outbound:    telemetry.NewBandwidth(scope.Counter("outbound_bytes")),
		scope:       scope,
	}
}

// StateEntered counts a connection entering s.
func (m *Metrics) StateEntered(s State) {
	m.scope.Tagged(map[string]string{"state": s.Tag()}).Counter("state_entered").Inc(1)
}

// Failure counts a connection closing because of e.
func (m *Metrics) Failure(e *LinkError) {
	m.scope.Tagged(map[string]string{
		"kind":   e.Kind.String(),
		"reason": e.Reason.String(),
	}).Counter("failures").Inc(1)
}
