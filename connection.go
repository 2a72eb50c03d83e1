package orconn

import (
	"net/netip"
	"time"

	"github.com/mmcloughlin/orconn/buf"
	"github.com/mmcloughlin/orconn/log"
	"github.com/mmcloughlin/orconn/proxy"
)

// Connection is one OR link. Connections are owned by a Manager and must only
// be touched from the Manager's goroutine.
type Connection struct {
	m      *Manager
	handle Handle

	state    State
	identity Fingerprint
	expected Fingerprint
	nickname string
	proto    LinkProtocolVersion
	addr     netip.AddrPort

	canonical  bool
	outgoing   bool
	clientOnly bool
	bad        bool
	marked     bool
	readPaused bool

	created  time.Time
	bucket   TokenBucket
	circuits *CircIDAllocator

	inbuf  *buf.Buffer
	outbuf *buf.Buffer

	// Bytes handed to the transport and not yet confirmed written.
	inflight int

	proxy     proxy.Client
	tls       TLSSession
	handshake *HandshakeState

	logger log.Logger
}

func newConnection(m *Manager, addr netip.AddrPort, outgoing bool) *Connection {
	return &Connection{
		m:        m,
		state:    StateConnecting,
		addr:     addr,
		outgoing: outgoing,
		created:  m.now(),
		circuits: NewCircIDAllocator(),
		inbuf:    buf.New(),
		outbuf:   buf.New(),
		logger:   m.logger,
	}
}

// Handle returns the connection's transport handle.
func (c *Connection) Handle() Handle { return c.handle }

// State returns the connection's current state.
func (c *Connection) State() State { return c.state }

// Identity returns the peer's identity digest, or the zero fingerprint if it
// is not known.
func (c *Connection) Identity() Fingerprint { return c.identity }

// Nickname returns the peer's nickname, or "$" followed by its hex identity.
func (c *Connection) Nickname() string { return c.nickname }

// LinkProtocol returns the negotiated link protocol version, or
// LinkProtocolNone.
func (c *Connection) LinkProtocol() LinkProtocolVersion { return c.proto }

// Addr returns the address of the socket's remote end.
func (c *Connection) Addr() netip.AddrPort { return c.addr }

// IsCanonical reports whether the peer confirmed the address we connected to
// is one of its own.
func (c *Connection) IsCanonical() bool { return c.canonical }

// IsOutgoing reports whether we initiated the connection.
func (c *Connection) IsOutgoing() bool { return c.outgoing }

// IsClientOnly reports whether the peer never authenticated, so is taken to be
// a client rather than a relay.
func (c *Connection) IsClientOnly() bool { return c.clientOnly }

// IsBad reports whether the connection should not get new circuits.
func (c *Connection) IsBad() bool { return c.bad }

// IsMarkedForClose reports whether the connection has been torn down.
func (c *Connection) IsMarkedForClose() bool { return c.marked }

// Created returns when the connection was created.
func (c *Connection) Created() time.Time { return c.created }

// Bucket returns the connection's token bucket.
func (c *Connection) Bucket() *TokenBucket { return &c.bucket }

// Circuits returns the circuit ID allocator for the connection.
func (c *Connection) Circuits() *CircIDAllocator { return c.circuits }

// NumCircuits returns the number of circuits using the connection.
func (c *Connection) NumCircuits() int { return c.circuits.Len() }

// OutbufLen returns the number of bytes waiting to be written.
func (c *Connection) OutbufLen() int { return c.outbuf.Len() }

func (c *Connection) startedHere() bool {
	if c.handshake != nil {
		return c.handshake.StartedHere
	}
	return c.outgoing
}

// Handler is something that can handle a cell.
type Handler interface {
	HandleCell(*Connection, Cell) error
}

// HandlerFunc allows implementation of Handler interface with a plain function.
type HandlerFunc func(*Connection, Cell) error

// HandleCell calls f.
func (f HandlerFunc) HandleCell(conn *Connection, c Cell) error {
	return f(conn, c)
}

// LoggingHandler builds a Handler that logs a Cell and does nothing else.
func LoggingHandler(lvl log.Level, msg string) Handler {
	return HandlerFunc(func(conn *Connection, c Cell) error {
		log.Log(conn.logger.With("cmd", c.Command()), lvl, msg)
		return nil
	})
}

// Convenience logging handlers.
var (
	IgnoreHandler = LoggingHandler(log.LevelDebug, "ignoring cell")
)

// Director is a Handler that routes Cells to sub-handlers based on command type.
type Director struct {
	handlers map[Command]Handler
	fallback Handler
}

// NewDirector builds a Director with the given handlers.
func NewDirector(handlers map[Command]Handler) *Director {
	return &Director{
		handlers: handlers,
	}
}

// WithFallback sets the handler for commands without a specific handler.
func (d *Director) WithFallback(h Handler) *Director {
	d.fallback = h
	return d
}

// HandleCell handles c.
func (d *Director) HandleCell(conn *Connection, c Cell) error {
	h, found := d.handlers[c.Command()]
	if found {
		return h.HandleCell(conn, c)
	}
	if d.fallback != nil {
		return d.fallback.HandleCell(conn, c)
	}
	return ErrUnexpectedCommand
}
