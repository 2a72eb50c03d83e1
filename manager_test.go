package orconn

import (
	"crypto/x509"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/mmcloughlin/orconn/log"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

var (
	relayAddr  = netip.MustParseAddrPort("203.0.113.5:9001")
	clientAddr = netip.MustParseAddrPort("198.51.100.7:40000")
)

// fakeTransport records what a Manager asks of it.
type fakeTransport struct {
	dials          map[Handle]string
	tls            map[Handle]bool
	renegotiations map[Handle]int
	out            map[Handle][]byte
	paused         map[Handle]bool
	closed         map[Handle]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		dials:          make(map[Handle]string),
		tls:            make(map[Handle]bool),
		renegotiations: make(map[Handle]int),
		out:            make(map[Handle][]byte),
		paused:         make(map[Handle]bool),
		closed:         make(map[Handle]bool),
	}
}

func (t *fakeTransport) Dial(h Handle, addr string)         { t.dials[h] = addr }
func (t *fakeTransport) StartTLS(h Handle, initiator bool)  { t.tls[h] = initiator }
func (t *fakeTransport) Renegotiate(h Handle)               { t.renegotiations[h]++ }
func (t *fakeTransport) Write(h Handle, b []byte)           { t.out[h] = append(t.out[h], b...) }
func (t *fakeTransport) PauseReading(h Handle, paused bool) { t.paused[h] = paused }
func (t *fakeTransport) Close(h Handle)                     { t.closed[h] = true }

// take returns and clears the bytes written to h.
func (t *fakeTransport) take(h Handle) []byte {
	b := t.out[h]
	delete(t.out, h)
	return b
}

type fakeSession struct {
	peer    []*x509.Certificate
	secrets *TLSSecrets
	v1      bool
}

func (s *fakeSession) PeerCertificates() []*x509.Certificate { return s.peer }
func (s *fakeSession) Secrets() (*TLSSecrets, error)         { return s.secrets, nil }
func (s *fakeSession) UsedV1Handshake() bool                 { return s.v1 }

type recordedStatus struct {
	handle Handle
	status ConnStatus
	reason Reason
}

type recordingEvents struct {
	statuses []recordedStatus
	skews    []time.Duration
}

func (e *recordingEvents) ConnStatus(c *Connection, status ConnStatus, reason Reason) {
	e.statuses = append(e.statuses, recordedStatus{handle: c.Handle(), status: status, reason: reason})
}

func (e *recordingEvents) StateChanged(*Connection, State, State) {}

func (e *recordingEvents) ClockSkew(c *Connection, skew time.Duration) {
	e.skews = append(e.skews, skew)
}

// count returns how many times h reported status.
func (e *recordingEvents) count(h Handle, status ConnStatus) int {
	n := 0
	for _, s := range e.statuses {
		if s.handle == h && s.status == status {
			n++
		}
	}
	return n
}

// reason returns the reason of the last status event for h.
func (e *recordingEvents) reason(h Handle, status ConnStatus) (Reason, bool) {
	for i := len(e.statuses) - 1; i >= 0; i-- {
		s := e.statuses[i]
		if s.handle == h && s.status == status {
			return s.reason, true
		}
	}
	return ReasonNone, false
}

type fakeReachability struct {
	nopReachability
	learned   []Fingerprint
	failed    []Reason
	succeeded int
}

func (r *fakeReachability) ConnectSucceeded(Fingerprint, netip.AddrPort) { r.succeeded++ }

func (r *fakeReachability) ConnectFailed(_ Fingerprint, _ netip.AddrPort, reason Reason) {
	r.failed = append(r.failed, reason)
}

func (r *fakeReachability) LearnedIdentity(fp Fingerprint, _ netip.AddrPort) {
	r.learned = append(r.learned, fp)
}

type testNode struct {
	m      *Manager
	tr     *fakeTransport
	tls    *TLSContext
	events *recordingEvents
}

func newTestNode(t *testing.T, cfg *torconfig.Config, tlsCtx *TLSContext, deps Collaborators) *testNode {
	t.Helper()
	ev := &recordingEvents{}
	if deps.Events == nil {
		deps.Events = ev
	}
	tr := newFakeTransport()
	m, err := NewManager(cfg, tlsCtx, tr, deps, tally.NoopScope, log.NewDiscard())
	require.NoError(t, err)
	return &testNode{m: m, tr: tr, tls: tlsCtx, events: ev}
}

func newClientNode(t *testing.T) *testNode {
	return newTestNode(t, torconfig.Default(), newTestTLSContext(t), Collaborators{})
}

func newRelayNode(t *testing.T, addr netip.AddrPort) *testNode {
	return newTestNode(t, relayConfig(addr), newTestTLSContext(t), Collaborators{})
}

func (n *testNode) fingerprint() Fingerprint { return n.m.Fingerprint() }

func relayConfig(addr netip.AddrPort) *torconfig.Config {
	cfg := torconfig.Default()
	cfg.ORPort = 9001
	cfg.Address = net.IP(addr.Addr().AsSlice())
	return cfg
}

// link joins an outgoing connection on client to an incoming one on server.
type link struct {
	client, server *testNode
	cc, sc         *Connection
	secrets        *TLSSecrets
}

func connectPair(t *testing.T, client, server *testNode, expect Fingerprint) *link {
	t.Helper()
	cc := client.m.LaunchConnection(relayAddr, expect)
	require.NotNil(t, cc)
	assert.Equal(t, relayAddr.String(), client.tr.dials[cc.Handle()])

	client.m.HandleConnected(cc.Handle())
	require.Equal(t, StateTLSHandshaking, cc.State())
	assert.True(t, client.tr.tls[cc.Handle()])

	sc := server.m.AcceptConnection(clientAddr)
	require.Equal(t, StateTLSHandshaking, sc.State())
	assert.False(t, server.tr.tls[sc.Handle()])

	return &link{
		client: client,
		server: server,
		cc:     cc,
		sc:     sc,
		secrets: &TLSSecrets{
			ClientRandom: torcrypto.Rand(32),
			ServerRandom: torcrypto.Rand(32),
			MasterSecret: torcrypto.Rand(48),
		},
	}
}

func (l *link) session(peer ...*x509.Certificate) *fakeSession {
	return &fakeSession{peer: peer, secrets: l.secrets}
}

// pump moves queued bytes between the two ends until neither has anything to
// send.
func (l *link) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		up := l.client.tr.take(l.cc.Handle())
		down := l.server.tr.take(l.sc.Handle())
		if len(up) == 0 && len(down) == 0 {
			return
		}
		if len(up) > 0 {
			l.server.m.HandleRead(l.sc.Handle(), up)
		}
		if len(down) > 0 {
			l.client.m.HandleRead(l.cc.Handle(), down)
		}
	}
	t.Fatal("link did not settle")
}

// handshakeV3 completes TLS with a v3 link certificate and runs the
// in-protocol handshake.
func (l *link) handshakeV3(t *testing.T) {
	t.Helper()
	l.client.m.HandleTLSDone(l.cc.Handle(), l.session(l.server.tls.LinkCert))
	l.server.m.HandleTLSDone(l.sc.Handle(), l.session())
	l.pump(t)
}

func TestHandshakeV3Client(t *testing.T) {
	client := newClientNode(t)
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())
	l.handshakeV3(t)

	require.Equal(t, StateOpen, l.cc.State())
	assert.Equal(t, LinkProtocolVersion(3), l.cc.LinkProtocol())
	assert.Equal(t, server.fingerprint(), l.cc.Identity())
	assert.True(t, l.cc.IsCanonical())
	assert.False(t, l.cc.IsClientOnly())
	assert.NotEqual(t, CircIDTypeNeither, l.cc.Circuits().Type())
	assert.Equal(t, l.cc, client.m.Registry().Head(server.fingerprint()))
	assert.Equal(t, 1, client.events.count(l.cc.Handle(), StatusConnected))

	require.Equal(t, StateOpen, l.sc.State())
	assert.Equal(t, LinkProtocolVersion(3), l.sc.LinkProtocol())
	assert.True(t, l.sc.IsClientOnly())
	assert.True(t, l.sc.Identity().IsZero())
	assert.False(t, l.sc.IsCanonical())
	assert.Equal(t, CircIDTypeNeither, l.sc.Circuits().Type())
	assert.Equal(t, 0, server.m.Registry().Len())
}

func TestHandshakeV3Relay(t *testing.T) {
	client := newRelayNode(t, clientAddr)
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())
	l.handshakeV3(t)

	require.Equal(t, StateOpen, l.cc.State())
	require.Equal(t, StateOpen, l.sc.State())

	assert.Equal(t, client.fingerprint(), l.sc.Identity())
	assert.False(t, l.sc.IsClientOnly())
	assert.True(t, l.sc.IsCanonical())
	assert.Equal(t, l.sc, server.m.Registry().Head(client.fingerprint()))

	ct, st := l.cc.Circuits().Type(), l.sc.Circuits().Type()
	assert.NotEqual(t, CircIDTypeNeither, ct)
	assert.NotEqual(t, CircIDTypeNeither, st)
	assert.NotEqual(t, ct, st)
}

func TestHandshakeV3AuthenticateWrongSecrets(t *testing.T) {
	client := newRelayNode(t, clientAddr)
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())

	bad := *l.secrets
	bad.MasterSecret = torcrypto.Rand(48)
	l.client.m.HandleTLSDone(l.cc.Handle(), l.session(server.tls.LinkCert))
	l.server.m.HandleTLSDone(l.sc.Handle(), &fakeSession{secrets: &bad})
	l.pump(t)

	assert.True(t, l.sc.IsMarkedForClose())
	assert.True(t, server.tr.closed[l.sc.Handle()])
	assert.Empty(t, server.m.Connections())
}

func TestHandshakeIdentityMismatch(t *testing.T) {
	reach := &fakeReachability{}
	client := newTestNode(t, torconfig.Default(), newTestTLSContext(t), Collaborators{Reachability: reach})
	server := newRelayNode(t, relayAddr)
	other := testFingerprint(t, newTestTLSContext(t))

	l := connectPair(t, client, server, other)
	assert.Equal(t, l.cc, client.m.Registry().Head(other))
	l.handshakeV3(t)

	assert.True(t, l.cc.IsMarkedForClose())
	assert.True(t, client.tr.closed[l.cc.Handle()])
	assert.Empty(t, client.m.Connections())
	assert.Nil(t, client.m.Registry().Head(other))

	reason, ok := client.events.reason(l.cc.Handle(), StatusFailed)
	require.True(t, ok)
	assert.Equal(t, ReasonIdentity, reason)
	assert.Equal(t, []Reason{ReasonIdentity}, reach.failed)

	top := client.m.BrokenStates().Top(1)
	require.Len(t, top, 1)
	assert.Contains(t, top[0].State, StateORHandshakingV3.String())
}

func TestHandshakeUnknownIdentityLearned(t *testing.T) {
	reach := &fakeReachability{}
	client := newTestNode(t, torconfig.Default(), newTestTLSContext(t), Collaborators{Reachability: reach})
	server := newRelayNode(t, relayAddr)

	l := connectPair(t, client, server, Fingerprint{})
	l.handshakeV3(t)

	require.Equal(t, StateOpen, l.cc.State())
	assert.Equal(t, server.fingerprint(), l.cc.Identity())
	assert.Equal(t, []Fingerprint{server.fingerprint()}, reach.learned)
	assert.Equal(t, 1, reach.succeeded)
}

func TestHandshakeResponderWithoutCertificate(t *testing.T) {
	client := newClientNode(t)
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())

	client.m.HandleTLSDone(l.cc.Handle(), l.session())

	assert.True(t, l.cc.IsMarkedForClose())
	reason, ok := client.events.reason(l.cc.Handle(), StatusFailed)
	require.True(t, ok)
	assert.Equal(t, ReasonMisc, reason)
}

func TestHandshakeV2Renegotiation(t *testing.T) {
	legacy, err := NewLegacyTLSContext(testIdentityKey(t))
	require.NoError(t, err)

	client := newClientNode(t)
	server := newTestNode(t, relayConfig(relayAddr), legacy, Collaborators{})
	l := connectPair(t, client, server, server.fingerprint())

	client.m.HandleTLSDone(l.cc.Handle(), l.session(legacy.LinkCert))
	assert.Equal(t, StateTLSClientRenegotiating, l.cc.State())
	assert.Equal(t, 1, client.tr.renegotiations[l.cc.Handle()])

	server.m.HandleTLSDone(l.sc.Handle(), l.session())
	assert.Equal(t, StateTLSServerRenegotiating, l.sc.State())

	client.m.HandleRenegotiated(l.cc.Handle(), l.session(legacy.LinkCert, legacy.IDCert))
	server.m.HandleRenegotiated(l.sc.Handle(), l.session())
	assert.Equal(t, StateORHandshakingV2, l.cc.State())
	assert.Equal(t, StateORHandshakingV2, l.sc.State())

	l.pump(t)

	require.Equal(t, StateOpen, l.cc.State())
	require.Equal(t, StateOpen, l.sc.State())
	assert.Equal(t, LinkProtocolVersion(2), l.cc.LinkProtocol())
	assert.Equal(t, LinkProtocolVersion(2), l.sc.LinkProtocol())
	assert.Equal(t, server.fingerprint(), l.cc.Identity())
	assert.True(t, l.sc.Identity().IsZero())
}

func TestHandshakeV1(t *testing.T) {
	client := newRelayNode(t, clientAddr)
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())

	client.m.HandleTLSDone(l.cc.Handle(), &fakeSession{
		peer:    []*x509.Certificate{server.tls.LinkCert, server.tls.IDCert},
		secrets: l.secrets,
		v1:      true,
	})
	server.m.HandleTLSDone(l.sc.Handle(), &fakeSession{
		peer:    []*x509.Certificate{client.tls.LinkCert, client.tls.IDCert},
		secrets: l.secrets,
		v1:      true,
	})

	require.Equal(t, StateOpen, l.cc.State())
	require.Equal(t, StateOpen, l.sc.State())
	assert.Equal(t, LinkProtocolVersion(1), l.cc.LinkProtocol())
	assert.Equal(t, server.fingerprint(), l.cc.Identity())
	assert.Equal(t, client.fingerprint(), l.sc.Identity())
	assert.Empty(t, client.tr.out[l.cc.Handle()])
	assert.Empty(t, server.tr.out[l.sc.Handle()])
}

func TestHandshakeNetinfoClockSkew(t *testing.T) {
	server := newRelayNode(t, relayAddr)
	server.m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	dir := &fakeDirectory{known: map[Fingerprint]netip.AddrPort{server.fingerprint(): relayAddr}}
	client := newTestNode(t, torconfig.Default(), newTestTLSContext(t), Collaborators{Directory: dir})

	l := connectPair(t, client, server, server.fingerprint())
	assert.True(t, l.cc.IsCanonical())
	l.handshakeV3(t)

	require.Equal(t, StateOpen, l.cc.State())
	require.Len(t, client.events.skews, 1)
	assert.InDelta(t, float64(-2*time.Hour), float64(client.events.skews[0]), float64(time.Minute))
}

func TestCloseConnectionIdempotent(t *testing.T) {
	client := newClientNode(t)
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())
	l.handshakeV3(t)
	require.Equal(t, StateOpen, l.cc.State())

	client.m.CloseConnection(l.cc)
	client.m.CloseConnection(l.cc)

	assert.True(t, l.cc.IsMarkedForClose())
	assert.True(t, client.tr.closed[l.cc.Handle()])
	assert.Equal(t, 1, client.events.count(l.cc.Handle(), StatusClosed))
	assert.Nil(t, client.m.Registry().Head(server.fingerprint()))
	assert.Empty(t, client.m.Connections())

	// Late events for the handle are ignored.
	client.m.HandleRead(l.cc.Handle(), []byte{0, 0, 0})
	client.m.HandleError(l.cc.Handle(), net.ErrClosed)
	assert.Equal(t, 0, client.events.count(l.cc.Handle(), StatusFailed))
}

func TestOpenConnectionCellRouting(t *testing.T) {
	var processed []Cell
	client := newTestNode(t, torconfig.Default(), newTestTLSContext(t), Collaborators{
		Processor: CellProcessorFunc(func(_ *Connection, c Cell) {
			processed = append(processed, c)
		}),
	})
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())
	l.handshakeV3(t)
	require.Equal(t, StateOpen, l.cc.State())
	h := l.cc.Handle()

	client.m.HandleRead(h, PackCell(NewFixedCell(0, Padding)))
	client.m.HandleRead(h, PackCell(VersionsCell{SupportedVersions: []LinkProtocolVersion{3}}.Cell()))
	netinfo, err := NetInfoCell{ReceiverAddress: net.IPv4(198, 51, 100, 7)}.Cell()
	require.NoError(t, err)
	client.m.HandleRead(h, PackCell(netinfo))
	client.m.HandleRead(h, PackCell(NewFixedCell(7, Relay)))

	require.Equal(t, StateOpen, l.cc.State())
	require.Len(t, processed, 1)
	assert.Equal(t, Relay, processed[0].Command())
	assert.Equal(t, CircID(7), processed[0].CircID())

	client.m.HandleRead(h, PackCell(NewVarCell(0, Certs, 0)))
	assert.True(t, l.cc.IsMarkedForClose())
}

type fakeSource struct {
	cells []Cell
	asked []int
}

func (s *fakeSource) Pull(_ *Connection, max int) []Cell {
	s.asked = append(s.asked, max)
	cells := s.cells
	s.cells = nil
	return cells
}

func TestOpenConnectionPullsQueuedCells(t *testing.T) {
	src := &fakeSource{cells: []Cell{
		NewFixedCell(1, Relay),
		NewFixedCell(2, Relay),
		NewFixedCell(3, Relay),
	}}
	client := newTestNode(t, torconfig.Default(), newTestTLSContext(t), Collaborators{Source: src})

	var received []CircID
	server := newTestNode(t, relayConfig(relayAddr), newTestTLSContext(t), Collaborators{
		Processor: CellProcessorFunc(func(_ *Connection, c Cell) {
			received = append(received, c.CircID())
		}),
	})

	l := connectPair(t, client, server, server.fingerprint())
	l.handshakeV3(t)
	require.Equal(t, StateOpen, l.sc.State())

	require.NotEmpty(t, src.asked)
	assert.Equal(t, outbufHighWater/FixedCellLength, src.asked[0])
	assert.Equal(t, []CircID{1, 2, 3}, received)
}

// endlessSource always has as many cells as asked for.
type endlessSource struct {
	pulls int
	cells int
}

func (s *endlessSource) Pull(_ *Connection, max int) []Cell {
	s.pulls++
	cells := make([]Cell, max)
	for i := range cells {
		cells[i] = NewFixedCell(CircID(s.cells+i+1), Relay)
	}
	s.cells += max
	return cells
}

func TestOpenConnectionWaitsForWritable(t *testing.T) {
	src := &endlessSource{}
	client := newTestNode(t, torconfig.Default(), newTestTLSContext(t), Collaborators{Source: src})
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())
	l.handshakeV3(t)
	require.Equal(t, StateOpen, l.cc.State())

	h := l.cc.Handle()
	require.Equal(t, 1, src.pulls)
	assert.LessOrEqual(t, src.cells, outbufHighWater/FixedCellLength+1)

	// More flushes without a writable event do not pull.
	client.m.WriteCell(l.cc, NewFixedCell(0, Padding))
	client.m.Tick(time.Now().Add(time.Second))
	assert.Equal(t, 1, src.pulls)

	client.tr.take(h)
	client.m.HandleWritable(h)
	assert.Equal(t, 2, src.pulls)
	assert.LessOrEqual(t, len(client.tr.take(h)), outbufHighWater+FixedCellLength)
}

func TestLaunchConnectionNetworkDisabled(t *testing.T) {
	cfg := torconfig.Default()
	cfg.DisableNetwork = true
	n := newTestNode(t, cfg, newTestTLSContext(t), Collaborators{})

	c := n.m.LaunchConnection(relayAddr, testFingerprint(t, newTestTLSContext(t)))
	assert.Nil(t, c)
	assert.Empty(t, n.tr.dials)
	assert.Empty(t, n.m.Connections())

	require.Len(t, n.events.statuses, 2)
	assert.Equal(t, StatusLaunched, n.events.statuses[0].status)
	assert.Equal(t, StatusFailed, n.events.statuses[1].status)
	assert.Equal(t, ReasonNoRoute, n.events.statuses[1].reason)
}

func TestLaunchConnectionToSelf(t *testing.T) {
	n := newRelayNode(t, relayAddr)
	assert.Nil(t, n.m.LaunchConnection(relayAddr, n.fingerprint()))
	assert.Empty(t, n.tr.dials)
	assert.Empty(t, n.m.Connections())
}

func TestConnectedInWrongState(t *testing.T) {
	n := newClientNode(t)
	c := n.m.LaunchConnection(relayAddr, Fingerprint{})
	require.NotNil(t, c)
	n.m.HandleConnected(c.Handle())
	n.m.HandleConnected(c.Handle())
	assert.True(t, c.IsMarkedForClose())
}

func TestProxyHandshakeSOCKS5(t *testing.T) {
	cfg := torconfig.Default()
	cfg.Socks5Proxy = "127.0.0.1:1080"
	n := newTestNode(t, cfg, newTestTLSContext(t), Collaborators{})

	c := n.m.LaunchConnection(relayAddr, Fingerprint{})
	require.NotNil(t, c)
	h := c.Handle()
	assert.Equal(t, "127.0.0.1:1080", n.tr.dials[h])

	n.m.HandleConnected(h)
	assert.Equal(t, StateProxyHandshaking, c.State())
	assert.Equal(t, []byte{5, 1, 0}, n.tr.take(h))

	n.m.HandleRead(h, []byte{5, 0})
	assert.Equal(t, []byte{5, 1, 0, 1, 203, 0, 113, 5, 0x23, 0x29}, n.tr.take(h))

	n.m.HandleRead(h, []byte{5, 0, 0, 1, 0, 0, 0, 0, 0})
	assert.Equal(t, StateProxyHandshaking, c.State())
	n.m.HandleRead(h, []byte{0})
	assert.Equal(t, StateTLSHandshaking, c.State())
	assert.True(t, n.tr.tls[h])
}

func TestProxyHandshakeRefused(t *testing.T) {
	cfg := torconfig.Default()
	cfg.Socks5Proxy = "127.0.0.1:1080"
	n := newTestNode(t, cfg, newTestTLSContext(t), Collaborators{})

	c := n.m.LaunchConnection(relayAddr, Fingerprint{})
	require.NotNil(t, c)
	h := c.Handle()
	n.m.HandleConnected(h)
	n.m.HandleRead(h, []byte{5, 0})
	n.m.HandleRead(h, []byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})

	assert.True(t, c.IsMarkedForClose())
	reason, ok := n.events.reason(h, StatusFailed)
	require.True(t, ok)
	assert.Equal(t, ReasonConnectRefused, reason)

	top := n.m.BrokenStates().Top(1)
	require.Len(t, top, 1)
	assert.Equal(t, "handshaking (proxy) with no TLS", top[0].State)
}

func TestReadBucketPausesReading(t *testing.T) {
	cfg := torconfig.Default()
	cfg.PerConnBWRate = 1000
	cfg.PerConnBWBurst = 1000
	n := newTestNode(t, cfg, newTestTLSContext(t), Collaborators{})
	clk := n.useClock()
	peer := newTestTLSContext(t)

	c := n.m.LaunchConnection(relayAddr, Fingerprint{})
	require.NotNil(t, c)
	h := c.Handle()
	n.m.HandleConnected(h)
	n.m.HandleTLSDone(h, &fakeSession{peer: []*x509.Certificate{peer.LinkCert}})
	require.Equal(t, StateORHandshakingV3, c.State())

	start := clk.t
	n.m.lastRefill = start

	n.m.HandleRead(h, PackCell(NewVarCell(0, Vpadding, 1200)))
	assert.True(t, n.tr.paused[h])
	assert.Equal(t, int64(1000-1205), c.Bucket().Read(start))

	// Too soon to refill.
	n.m.Tick(clk.advance(time.Millisecond))
	assert.True(t, n.tr.paused[h])

	n.m.Tick(clk.set(start.Add(time.Second)))
	assert.False(t, n.tr.paused[h])
	assert.Equal(t, int64(795), c.Bucket().Read(clk.t))
}

func TestVersionsWithoutCommonVersionCloses(t *testing.T) {
	n := newClientNode(t)
	peer := newTestTLSContext(t)

	c := n.m.LaunchConnection(relayAddr, Fingerprint{})
	require.NotNil(t, c)
	h := c.Handle()
	n.m.HandleConnected(h)
	n.m.HandleTLSDone(h, &fakeSession{peer: []*x509.Certificate{peer.LinkCert}})
	require.Equal(t, StateORHandshakingV3, c.State())

	n.m.HandleRead(h, PackCell(VersionsCell{SupportedVersions: []LinkProtocolVersion{4, 5}}.Cell()))
	assert.True(t, c.IsMarkedForClose())
	assert.Equal(t, LinkProtocolNone, c.LinkProtocol())
}

func TestWriteBucketLimitsFlush(t *testing.T) {
	cfg := torconfig.Default()
	cfg.PerConnBWRate = 1000
	cfg.PerConnBWBurst = 1000
	n := newTestNode(t, cfg, newTestTLSContext(t), Collaborators{})
	clk := n.useClock()
	peer := newTestTLSContext(t)

	c := n.m.LaunchConnection(relayAddr, Fingerprint{})
	require.NotNil(t, c)
	h := c.Handle()
	n.m.HandleConnected(h)
	n.m.HandleTLSDone(h, &fakeSession{peer: []*x509.Certificate{peer.LinkCert}})
	versions := n.tr.take(h)
	require.Len(t, versions, 7)

	start := clk.t
	n.m.lastRefill = start

	n.m.WriteVarCell(c, NewVarCell(0, Vpadding, 2000))
	assert.Len(t, n.tr.take(h), 993)
	assert.Equal(t, 1012, c.OutbufLen())

	n.m.Tick(clk.set(start.Add(time.Second)))
	assert.Len(t, n.tr.take(h), 1000)
	assert.Equal(t, 12, c.OutbufLen())

	n.m.HandleWritable(h)
	assert.Empty(t, n.tr.take(h))

	n.m.Tick(clk.set(start.Add(2 * time.Second)))
	assert.Len(t, n.tr.take(h), 12)
	assert.Equal(t, 0, c.OutbufLen())
}

func TestLowRateConnectionResumes(t *testing.T) {
	cfg := torconfig.Default()
	cfg.PerConnBWRate = 5
	cfg.PerConnBWBurst = 10
	n := newTestNode(t, cfg, newTestTLSContext(t), Collaborators{})
	clk := n.useClock()
	peer := newTestTLSContext(t)

	c := n.m.LaunchConnection(relayAddr, Fingerprint{})
	require.NotNil(t, c)
	h := c.Handle()
	n.m.HandleConnected(h)
	n.m.HandleTLSDone(h, &fakeSession{peer: []*x509.Certificate{peer.LinkCert}})
	require.Equal(t, StateORHandshakingV3, c.State())

	start := clk.t
	n.m.lastRefill = start

	n.m.HandleRead(h, PackCell(NewVarCell(0, Vpadding, 5)))
	require.True(t, n.tr.paused[h])

	n.m.Tick(clk.advance(100 * time.Millisecond))
	assert.True(t, n.tr.paused[h])

	for clk.t.Before(start.Add(time.Second)) {
		n.m.Tick(clk.advance(100 * time.Millisecond))
	}
	assert.False(t, n.tr.paused[h])
	assert.Equal(t, int64(5), c.Bucket().Read(start.Add(time.Second)))
}

func TestUpdateRateLimitsClampsBuckets(t *testing.T) {
	n := newClientNode(t)
	clk := n.useClock()
	c := n.m.LaunchConnection(relayAddr, Fingerprint{})
	require.NotNil(t, c)
	assert.Equal(t, int64(torconfig.DefaultBandwidthBurst), c.Bucket().Read(clk.t))

	cfg := torconfig.Default()
	cfg.PerConnBWRate = 500
	cfg.PerConnBWBurst = 800
	n.m.UpdateRateLimits(cfg)

	b := c.Bucket()
	assert.Equal(t, int64(500), b.Rate())
	assert.Equal(t, int64(800), b.Burst())
	assert.Equal(t, int64(800), b.Read(clk.t))
	assert.Equal(t, int64(800), b.Write(clk.t))
	assert.Equal(t, cfg, n.m.Config())
}

func TestSnapshot(t *testing.T) {
	client := newClientNode(t)
	server := newRelayNode(t, relayAddr)
	l := connectPair(t, client, server, server.fingerprint())
	l.handshakeV3(t)

	infos := client.m.Snapshot()
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, l.cc.Handle(), info.Handle)
	assert.Equal(t, "open", info.State)
	assert.Equal(t, server.fingerprint().Hex(), info.Identity)
	assert.Equal(t, relayAddr.String(), info.Addr)
	assert.Equal(t, 3, info.LinkProtocol)
	assert.True(t, info.Outgoing)
	assert.True(t, info.Canonical)
}
