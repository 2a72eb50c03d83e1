package orconn

import "fmt"

// State is the lifecycle state of an OR connection.
type State uint8

// Connection states. A connection only ever moves forward through these,
// ending in StateOpen or being torn down.
const (
	StateConnecting State = iota
	StateProxyHandshaking
	StateTLSHandshaking
	StateTLSClientRenegotiating
	StateTLSServerRenegotiating
	StateORHandshakingV2
	StateORHandshakingV3
	StateOpen
)

var stateStrings = map[State]string{
	StateConnecting:             "connect()ing",
	StateProxyHandshaking:       "handshaking (proxy)",
	StateTLSHandshaking:         "handshaking (TLS)",
	StateTLSClientRenegotiating: "renegotiating (TLS, v2 handshake)",
	StateTLSServerRenegotiating: "waiting for renegotiation or V3 handshake",
	StateORHandshakingV2:        "handshaking (Tor, v2 handshake)",
	StateORHandshakingV3:        "handshaking (Tor, v3 handshake)",
	StateOpen:                   "open",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

var stateTags = map[State]string{
	StateConnecting:             "connecting",
	StateProxyHandshaking:       "proxy_handshaking",
	StateTLSHandshaking:         "tls_handshaking",
	StateTLSClientRenegotiating: "tls_client_renegotiating",
	StateTLSServerRenegotiating: "tls_server_renegotiating",
	StateORHandshakingV2:        "or_handshaking_v2",
	StateORHandshakingV3:        "or_handshaking_v3",
	StateOpen:                   "open",
}

// Tag is a short identifier for s suitable for metric tags.
func (s State) Tag() string {
	if t, ok := stateTags[s]; ok {
		return t
	}
	return "unknown"
}

// IsHandshaking reports whether s is any state between connecting and open.
func (s State) IsHandshaking() bool {
	return s != StateConnecting && s != StateOpen
}
