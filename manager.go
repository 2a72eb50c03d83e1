package orconn

import (
	"crypto/rsa"
	"net/netip"
	"time"

	"github.com/mmcloughlin/orconn/log"
	"github.com/mmcloughlin/orconn/proxy"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/pkg/errors"
	"github.com/uber-go/tally"
)

// ErrNetworkDisabled is the cause of connections refused while DisableNetwork
// is set.
var ErrNetworkDisabled = errors.New("network disabled")

// ErrClosedByRequest is the cause of connections closed through
// CloseConnection.
var ErrClosedByRequest = errors.New("closed by request")

// Manager owns every OR connection of a relay or client. It performs no I/O
// itself: socket and TLS work is delegated to a Transport, which reports
// outcomes back through the Handle* methods.
//
// A Manager is not safe for concurrent use. All methods, including the
// accessors of its Connections, must be called from one goroutine.
type Manager struct {
	cfg       *torconfig.Config
	tls       *TLSContext
	identity  Fingerprint
	transport Transport
	deps      Collaborators

	conns    *arena
	registry *IdentityRegistry
	broken   *BrokenStates
	handlers map[State]Handler

	lastRefill time.Time
	now        func() time.Time

	metrics *Metrics
	logger  log.Logger
}

// NewManager builds a Manager presenting the keys in tlsCtx and driving
// sockets through t.
func NewManager(cfg *torconfig.Config, tlsCtx *TLSContext, t Transport, deps Collaborators, scope tally.Scope, l log.Logger) (*Manager, error) {
	if tlsCtx == nil || tlsCtx.IDKey == nil {
		return nil, errors.New("tls context with identity key required")
	}

	fp, err := FingerprintFromKey(&tlsCtx.IDKey.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not compute identity fingerprint")
	}

	l = log.ForComponent(l, "or_connections").With("fingerprint", fp)
	conns := newArena()
	m := &Manager{
		cfg:       cfg,
		tls:       tlsCtx,
		identity:  fp,
		transport: t,
		deps:      deps.withDefaults(),
		conns:     conns,
		registry:  newIdentityRegistry(conns, l),
		broken:    NewBrokenStates(),
		now:       time.Now,
		metrics:   NewMetrics(scope, l),
		logger:    l,
	}
	m.lastRefill = m.now()
	m.handlers = m.buildHandlers()

	return m, nil
}

// Fingerprint returns our own identity digest.
func (m *Manager) Fingerprint() Fingerprint { return m.identity }

// Config returns the configuration in effect.
func (m *Manager) Config() *torconfig.Config { return m.cfg }

// Registry returns the identity registry.
func (m *Manager) Registry() *IdentityRegistry { return m.registry }

// BrokenStates returns the counters of states outgoing connections failed in.
func (m *Manager) BrokenStates() *BrokenStates { return m.broken }

// Lookup returns the live connection with handle h.
func (m *Manager) Lookup(h Handle) (*Connection, bool) {
	return m.conns.get(h)
}

// Connections returns all live connections in creation order.
func (m *Manager) Connections() []*Connection {
	return m.conns.all()
}

func (m *Manager) idKey() *rsa.PublicKey {
	return &m.tls.IDKey.PublicKey
}

// isPublicServer reports whether we act as a relay other relays connect to,
// and so authenticate ourselves on outgoing connections.
func (m *Manager) isPublicServer() bool {
	return m.cfg.IsServer() && m.tls.AuthKey != nil
}

func (m *Manager) newConnection(addr netip.AddrPort, outgoing bool) *Connection {
	c := newConnection(m, addr, outgoing)
	m.conns.insert(c)
	c.logger = m.logger.With("conn", c.handle, "addr", addr)
	rate, burst := ComputeRateBurst(Fingerprint{}, m.cfg, m.deps.Directory)
	c.bucket.Apply(m.now(), true, rate, burst)
	m.metrics.Connections.Acquire()
	m.metrics.StateEntered(c.state)
	return c
}

// LaunchConnection starts connecting to the relay at addr whose identity we
// expect to be id. A zero id accepts whatever identity the relay proves.
// Returns nil if no connection was started, because the target is ourselves
// or the network is disabled.
func (m *Manager) LaunchConnection(addr netip.AddrPort, id Fingerprint) *Connection {
	if m.cfg.IsServer() && id == m.identity {
		m.logger.Info("refusing to connect to ourselves")
		return nil
	}

	c := m.newConnection(addr, true)
	c.expected = id
	m.initConnFromAddress(c, id, true)
	m.deps.Events.ConnStatus(c, StatusLaunched, ReasonNone)
	c.logger.With("expected", id).Info("launching connection")

	dial := addr.String()
	if typ, paddr := m.cfg.Proxy(); typ != torconfig.ProxyNone {
		p, err := proxy.New(typ, addr, m.cfg)
		if err != nil {
			m.closeWithError(c, InternalFailure(err))
			return nil
		}
		c.proxy = p
		dial = paddr
	}

	if m.cfg.DisableNetwork {
		m.closeWithError(c, &LinkError{Kind: FailureTransport, Reason: ReasonNoRoute, Err: ErrNetworkDisabled})
		return nil
	}

	m.transport.Dial(c.handle, dial)
	return c
}

// AcceptConnection registers an incoming TCP connection from addr and starts
// the TLS handshake on it.
func (m *Manager) AcceptConnection(addr netip.AddrPort) *Connection {
	c := m.newConnection(addr, false)
	c.nickname = Fingerprint{}.Nickname()
	c.logger.Info("accepted connection")
	m.startTLS(c, false)
	m.deps.Events.ConnStatus(c, StatusNew, ReasonNone)
	return c
}

// live returns the connection for h if it may still act on events.
func (m *Manager) live(h Handle) (*Connection, bool) {
	c, ok := m.conns.get(h)
	if !ok || c.marked {
		return nil, false
	}
	return c, true
}

// HandleConnected reports that the TCP connection for h is established.
func (m *Manager) HandleConnected(h Handle) {
	c, ok := m.live(h)
	if !ok {
		return
	}
	if c.state != StateConnecting {
		m.closeWithError(c, InternalFailure(errors.Errorf("connected in state %s", c.state)))
		return
	}

	if c.proxy == nil {
		m.startTLS(c, true)
		return
	}

	m.setState(c, StateProxyHandshaking)
	req, err := c.proxy.Start()
	if err != nil {
		m.closeWithError(c, TransportFailure(errors.Wrap(err, "could not start proxy handshake")))
		return
	}
	m.writeRaw(c, req)
}

// HandleError reports a socket or TLS failure on h.
func (m *Manager) HandleError(h Handle, err error) {
	c, ok := m.live(h)
	if !ok {
		return
	}
	m.closeWithError(c, TransportFailure(err))
}

// CloseConnection closes c without treating it as a failure.
func (m *Manager) CloseConnection(c *Connection) {
	m.closeWithError(c, &LinkError{Reason: ReasonDone, Err: ErrClosedByRequest})
}

// closeWithError tears c down. Closing an already closed connection does
// nothing.
func (m *Manager) closeWithError(c *Connection, e *LinkError) {
	if c.marked {
		return
	}
	c.marked = true

	l := c.logger.With("reason", e.Reason).With("state", c.state.Tag())
	if e.Kind != 0 {
		log.Warn(l.With("kind", e.Kind), e, "closing connection")
		m.metrics.Failure(e)
	} else {
		l.Info("closing connection")
	}

	if c.state != StateOpen {
		if c.startedHere() {
			m.broken.Note(brokenStateDescription(c))
			m.deps.Reachability.ConnectFailed(c.expected, c.addr, e.Reason)
			m.deps.Events.ConnStatus(c, StatusFailed, e.Reason)
		}
	} else if !c.identity.IsZero() {
		m.deps.Events.ConnStatus(c, StatusClosed, e.Reason)
	}

	m.registry.Remove(c)
	c.handshake = nil
	c.tls = nil
	c.proxy = nil
	m.transport.Close(c.handle)
	m.conns.remove(c.handle)
	m.metrics.Connections.Release()
}

func (m *Manager) setState(c *Connection, s State) {
	from := c.state
	if from == s {
		return
	}
	c.state = s
	c.logger.With("from", from.Tag()).With("to", s.Tag()).Debug("state change")
	m.metrics.StateEntered(s)
	m.deps.Events.StateChanged(c, from, s)
}

// initConnFromAddress records what we know about the peer with identity id:
// its registry entry, bandwidth limits and whether our address for it is the
// one it advertises.
func (m *Manager) initConnFromAddress(c *Connection, id Fingerprint, startedHere bool) {
	m.registry.SetIdentity(c, id)

	rate, burst := ComputeRateBurst(id, m.cfg, m.deps.Directory)
	c.bucket.Apply(m.now(), true, rate, burst)

	c.nickname = id.Nickname()
	if id.IsZero() {
		return
	}
	if advertised, ok := m.deps.Directory.RelayAddress(id); ok {
		if advertised.Addr().Unmap() == c.addr.Addr().Unmap() {
			c.canonical = true
		}
	} else if !startedHere {
		c.logger.With("peer", id).Debug("connection from relay not in directory")
	}
}

// UpdateRateLimits switches to cfg and recomputes the bandwidth limits of
// every connection. Buckets are only ever clamped down.
func (m *Manager) UpdateRateLimits(cfg *torconfig.Config) {
	m.cfg = cfg
	now := m.now()
	for _, c := range m.conns.all() {
		rate, burst := ComputeRateBurst(c.identity, cfg, m.deps.Directory)
		c.bucket.Apply(now, false, rate, burst)
	}
}

// Tick runs once a refill interval has passed since the last one. Token
// buckets fill continuously, so here connections paused for lack of read
// tokens resume and pending output is flushed.
func (m *Manager) Tick(now time.Time) {
	if now.Sub(m.lastRefill) < m.cfg.TokenBucketRefillInterval {
		return
	}
	m.lastRefill = now

	for _, c := range m.conns.all() {
		if c.readPaused && c.bucket.Read(now) > 0 {
			c.readPaused = false
			m.transport.PauseReading(c.handle, false)
		}
		m.flush(c)
	}
}

// ConnectionInfo is a summary of one connection.
type ConnectionInfo struct {
	Handle       Handle `json:"handle"`
	State        string `json:"state"`
	Identity     string `json:"identity,omitempty"`
	Nickname     string `json:"nickname,omitempty"`
	Addr         string `json:"addr"`
	LinkProtocol int    `json:"link_protocol"`
	Outgoing     bool   `json:"outgoing"`
	Canonical    bool   `json:"canonical"`
	ClientOnly   bool   `json:"client_only"`
	Bad          bool   `json:"bad"`
	Circuits     int    `json:"circuits"`
	AgeSeconds   int64  `json:"age_seconds"`
}

// Snapshot summarizes every live connection.
func (m *Manager) Snapshot() []ConnectionInfo {
	now := m.now()
	var infos []ConnectionInfo
	for _, c := range m.conns.all() {
		info := ConnectionInfo{
			Handle:       c.handle,
			State:        c.state.String(),
			Nickname:     c.nickname,
			Addr:         c.addr.String(),
			LinkProtocol: int(c.proto),
			Outgoing:     c.outgoing,
			Canonical:    c.canonical,
			ClientOnly:   c.clientOnly,
			Bad:          c.bad,
			Circuits:     c.NumCircuits(),
			AgeSeconds:   int64(now.Sub(c.created) / time.Second),
		}
		if !c.identity.IsZero() {
			info.Identity = c.identity.Hex()
		}
		infos = append(infos, info)
	}
	return infos
}
