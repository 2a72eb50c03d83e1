package orconn

import (
	"crypto/x509"
	"net/netip"
	"time"
)

// Handle identifies a connection to the Transport. Handles are never reused
// within one Manager.
type Handle uint64

// Transport performs socket and TLS work on behalf of a Manager. Every method
// returns immediately; outcomes are reported back through the Manager's
// Handle* methods, on the Manager's goroutine.
type Transport interface {
	// Dial opens a TCP connection to addr ("host:port").
	Dial(h Handle, addr string)
	// StartTLS begins a TLS handshake on an established connection.
	StartTLS(h Handle, initiator bool)
	// Renegotiate requests a TLS renegotiation (v2 handshake).
	Renegotiate(h Handle)
	// Write queues b for sending.
	Write(h Handle, b []byte)
	// PauseReading stops or resumes delivery of HandleRead events.
	PauseReading(h Handle, paused bool)
	// Close tears down the socket. No further events are reported for h.
	Close(h Handle)
}

// TLSSecrets are the values of a TLS session the AUTHENTICATE cell binds to.
type TLSSecrets struct {
	ClientRandom []byte
	ServerRandom []byte
	MasterSecret []byte
}

// TLSSession exposes the parts of a completed TLS handshake the link
// handshake needs.
type TLSSession interface {
	// PeerCertificates returns the certificates the peer presented, leaf
	// first. Empty if the peer sent none.
	PeerCertificates() []*x509.Certificate
	// Secrets returns the session's randoms and master secret.
	Secrets() (*TLSSecrets, error)
	// UsedV1Handshake reports whether the peer sent a full certificate chain
	// in the initial handshake, as link protocol 1 relays do.
	UsedV1Handshake() bool
}

// RelayDirectory answers questions about relays in the current consensus.
type RelayDirectory interface {
	IsKnownRelay(fp Fingerprint) bool
	RelayAddress(fp Fingerprint) (netip.AddrPort, bool)
	ConsensusParam(name string, def, min, max int64) int64
}

// ConnStatus is a connection lifecycle event, as reported to controllers.
type ConnStatus uint8

// Connection status events.
const (
	StatusLaunched ConnStatus = iota
	StatusConnected
	StatusFailed
	StatusClosed
	StatusNew
)

var connStatusStrings = map[ConnStatus]string{
	StatusLaunched:  "LAUNCHED",
	StatusConnected: "CONNECTED",
	StatusFailed:    "FAILED",
	StatusClosed:    "CLOSED",
	StatusNew:       "NEW",
}

func (s ConnStatus) String() string {
	if str, ok := connStatusStrings[s]; ok {
		return str
	}
	return "UNKNOWN"
}

// Events receives notifications about connections.
type Events interface {
	ConnStatus(c *Connection, status ConnStatus, reason Reason)
	StateChanged(c *Connection, from, to State)
	ClockSkew(c *Connection, skew time.Duration)
}

// Reachability tracks which relays we can reach.
type Reachability interface {
	ConnectSucceeded(fp Fingerprint, addr netip.AddrPort)
	ConnectFailed(fp Fingerprint, addr netip.AddrPort, reason Reason)
	LearnedIdentity(fp Fingerprint, addr netip.AddrPort)
	// NoteTLSDone is called when an outgoing connection opens. Returning
	// false says the connection is not wanted.
	NoteTLSDone(fp Fingerprint, addr netip.AddrPort) bool
}

// GeoIP records client addresses for statistics.
type GeoIP interface {
	NoteClientSeen(addr netip.Addr, now time.Time)
}

// CellProcessor handles cells arriving on open connections.
type CellProcessor interface {
	ProcessCell(c *Connection, cell Cell)
}

// CellProcessorFunc adapts a function to the CellProcessor interface.
type CellProcessorFunc func(*Connection, Cell)

// ProcessCell calls f.
func (f CellProcessorFunc) ProcessCell(c *Connection, cell Cell) { f(c, cell) }

// CellSource supplies queued circuit cells when a connection's output buffer
// runs low.
type CellSource interface {
	// Pull returns up to max cells to send on c.
	Pull(c *Connection, max int) []Cell
}

type nopDirectory struct{}

func (nopDirectory) IsKnownRelay(Fingerprint) bool                      { return false }
func (nopDirectory) RelayAddress(Fingerprint) (netip.AddrPort, bool)    { return netip.AddrPort{}, false }
func (nopDirectory) ConsensusParam(_ string, def, min, max int64) int64 { return clamp(def, min, max) }

type nopEvents struct{}

func (nopEvents) ConnStatus(*Connection, ConnStatus, Reason) {}
func (nopEvents) StateChanged(*Connection, State, State)     {}
func (nopEvents) ClockSkew(*Connection, time.Duration)       {}

type nopReachability struct{}

func (nopReachability) ConnectSucceeded(Fingerprint, netip.AddrPort)      {}
func (nopReachability) ConnectFailed(Fingerprint, netip.AddrPort, Reason) {}
func (nopReachability) LearnedIdentity(Fingerprint, netip.AddrPort)       {}
func (nopReachability) NoteTLSDone(Fingerprint, netip.AddrPort) bool      { return true }

type nopGeoIP struct{}

func (nopGeoIP) NoteClientSeen(netip.Addr, time.Time) {}

type nopSource struct{}

func (nopSource) Pull(*Connection, int) []Cell { return nil }

// Collaborators bundles the services a Manager consults. Nil fields are
// replaced with implementations that do nothing.
type Collaborators struct {
	Directory    RelayDirectory
	Events       Events
	Reachability Reachability
	GeoIP        GeoIP
	Processor    CellProcessor
	Source       CellSource
}

func (c Collaborators) withDefaults() Collaborators {
	if c.Directory == nil {
		c.Directory = nopDirectory{}
	}
	if c.Events == nil {
		c.Events = nopEvents{}
	}
	if c.Reachability == nil {
		c.Reachability = nopReachability{}
	}
	if c.GeoIP == nil {
		c.GeoIP = nopGeoIP{}
	}
	if c.Processor == nil {
		c.Processor = CellProcessorFunc(func(*Connection, Cell) {})
	}
	if c.Source == nil {
		c.Source = nopSource{}
	}
	return c
}

func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
