package orconn

import (
	"fmt"
	"sort"
	"strings"
)

// maxBrokenStateReasons bounds the number of failure states in a report.
const maxBrokenStateReasons = 10

// BrokenStates counts the states outgoing connections were in when they
// failed, so operators can see where handshakes tend to die.
type BrokenStates struct {
	counts map[string]int
}

// NewBrokenStates builds an empty set of counters.
func NewBrokenStates() *BrokenStates {
	return &BrokenStates{
		counts: make(map[string]int),
	}
}

// Note records a connection failing in the given state description.
func (b *BrokenStates) Note(state string) {
	b.counts[state]++
}

// Clear discards all counts.
func (b *BrokenStates) Clear() {
	b.counts = make(map[string]int)
}

// BrokenState is one line of a broken state report.
type BrokenState struct {
	State string
	Count int
}

// Top returns the most common failure states, most common first.
func (b *BrokenStates) Top(n int) []BrokenState {
	states := make([]BrokenState, 0, len(b.counts))
	for s, c := range b.counts {
		states = append(states, BrokenState{State: s, Count: c})
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Count != states[j].Count {
			return states[i].Count > states[j].Count
		}
		return states[i].State < states[j].State
	})
	if len(states) > n {
		states = states[:n]
	}
	return states
}

// Report summarizes failures in human readable form. The total counts every
// failure, while the listing is capped to the ten most common states.
func (b *BrokenStates) Report() string {
	total := 0
	for _, c := range b.counts {
		total += c
	}
	if total == 0 {
		return ""
	}

	var r strings.Builder
	fmt.Fprintf(&r, "%d connections have failed", total)
	if len(b.counts) > maxBrokenStateReasons {
		r.WriteString(". Top reasons:")
	} else {
		r.WriteString(":")
	}
	for _, s := range b.Top(maxBrokenStateReasons) {
		fmt.Fprintf(&r, "\n %d connections died in state %s", s.Count, s.State)
	}
	return r.String()
}

// brokenStateDescription describes the state a failing connection was in.
func brokenStateDescription(c *Connection) string {
	tls := "no TLS"
	if c.state.IsHandshaking() && c.state != StateProxyHandshaking {
		tls = "TLS " + tlsProgress(c.state)
	}
	return fmt.Sprintf("%s with %s", c.state, tls)
}

func tlsProgress(s State) string {
	switch s {
	case StateTLSHandshaking:
		return "handshaking"
	case StateTLSClientRenegotiating, StateTLSServerRenegotiating:
		return "renegotiating"
	default:
		return "open"
	}
}
