package orconn

import (
	"net/netip"
	"time"

	"github.com/mmcloughlin/orconn/log"
	"github.com/pkg/errors"
)

// maxVersionsSkewWindow bounds how long after sending VERSIONS a peer's
// NETINFO timestamp is still trusted for clock skew estimates.
const maxVersionsSkewWindow = 180 * time.Second

// clockSkewNotice is the skew at which we report a peer's clock.
const clockSkewNotice = time.Hour

// Errors for cells arriving out of place in the handshake.
var (
	ErrNotV3Handshake     = errors.New("not doing a v3 handshake")
	ErrLinkProtocolTooLow = errors.New("not using link protocol 3 or higher")
	ErrDuplicateCell      = errors.New("already received this cell")
	ErrAlreadyAuthed      = errors.New("peer is already authenticated")
	ErrNonZeroCircID      = errors.New("handshake cell with nonzero circuit id")
	ErrEmptyCell          = errors.New("cell has no body")
	ErrWrongRole          = errors.New("cell not valid for our role in the handshake")
	ErrNoCertsYet         = errors.New("have not received a certs cell")
	ErrMissingCerts       = errors.New("certs cell lacks required certificates")
	ErrUnauthedNetinfo    = errors.New("netinfo from unauthenticated responder")
	ErrNegotiatedV1       = errors.New("negotiated link protocol 1 with versions cell")
	ErrWrongVersionTrack  = errors.New("negotiated version does not match tls handshake")
)

// buildHandlers wires up the cells each handshaking or open state accepts.
func (m *Manager) buildHandlers() map[State]Handler {
	ignore := IgnoreHandler
	violation := HandlerFunc(func(conn *Connection, c Cell) error {
		return ProtocolViolation(errors.Wrapf(ErrUnexpectedCommand, "%s in state %s", c.Command(), conn.state))
	})

	return map[State]Handler{
		StateTLSServerRenegotiating: NewDirector(map[Command]Handler{
			Versions:  HandlerFunc(m.enterV3),
			Vpadding:  HandlerFunc(m.enterV3),
			Authorize: HandlerFunc(m.enterV3),
		}).WithFallback(violation),

		StateORHandshakingV2: NewDirector(map[Command]Handler{
			Versions: HandlerFunc(m.processVersions),
			Netinfo:  HandlerFunc(m.processNetinfo),
		}).WithFallback(violation),

		StateORHandshakingV3: HandlerFunc(m.recordIncoming(NewDirector(map[Command]Handler{
			Versions:      HandlerFunc(m.processVersions),
			Certs:         HandlerFunc(m.processCerts),
			AuthChallenge: HandlerFunc(m.processAuthChallenge),
			Authenticate:  HandlerFunc(m.processAuthenticate),
			Netinfo:       HandlerFunc(m.processNetinfo),
			Vpadding:      ignore,
			Authorize:     ignore,
		}).WithFallback(violation))),

		StateOpen: NewDirector(map[Command]Handler{
			Padding:       ignore,
			Vpadding:      ignore,
			Authorize:     ignore,
			Versions:      HandlerFunc(m.processVersions),
			Netinfo:       LoggingHandler(log.LevelInfo, "dropping netinfo cell on open connection"),
			Certs:         violation,
			AuthChallenge: violation,
			Authenticate:  violation,
		}).WithFallback(HandlerFunc(m.process)),
	}
}

// recordIncoming adds v3 handshake cells to the received digest before
// handling them. AUTHENTICATE is excluded since it covers the digest.
func (m *Manager) recordIncoming(h Handler) func(*Connection, Cell) error {
	return func(conn *Connection, c Cell) error {
		if c.Command() != Authenticate {
			conn.handshake.Record(c, true)
		}
		return h.HandleCell(conn, c)
	}
}

// process hands a cell on an open connection to the upper layer.
func (m *Manager) process(conn *Connection, c Cell) error {
	m.deps.Processor.ProcessCell(conn, c)
	return nil
}

// enterV3 handles the first cell of an in-protocol handshake arriving while
// a responder waits to see whether the initiator renegotiates.
func (m *Manager) enterV3(conn *Connection, c Cell) error {
	if _, ok := c.(*VarCell); !ok {
		return ProtocolViolation(errors.Wrapf(ErrUnexpectedCommand, "fixed %s cell before handshake", c.Command()))
	}
	conn.logger.Debug("entering v3 handshake")
	m.setState(conn, StateORHandshakingV3)
	return m.handlers[StateORHandshakingV3].HandleCell(conn, c)
}

// processVersions negotiates the link protocol.
func (m *Manager) processVersions(conn *Connection, c Cell) error {
	hs := conn.handshake
	if conn.proto != LinkProtocolNone || (hs != nil && hs.ReceivedVersions) {
		conn.logger.With("link_protocol", conn.proto).Warn("received versions cell with version already set, dropping")
		return nil
	}
	if conn.state != StateORHandshakingV2 && conn.state != StateORHandshakingV3 {
		conn.logger.Warn("versions cell in unexpected state, dropping")
		return nil
	}

	v, err := ParseVersionsCell(c)
	if err != nil {
		return ProtocolViolation(errors.Wrap(err, "could not parse versions cell"))
	}

	highest, err := ResolveVersion(SupportedLinkProtocolVersions, v.SupportedVersions)
	if err != nil {
		return ProtocolViolation(err)
	}

	switch {
	case highest == 1:
		return ProtocolViolation(ErrNegotiatedV1)
	case conn.state == StateORHandshakingV3 && highest < MinV3LinkProtocolVersion:
		return ProtocolViolation(errors.Wrapf(ErrWrongVersionTrack, "version %d after v3 tls handshake", highest))
	case conn.state == StateORHandshakingV2 && highest != 2:
		return ProtocolViolation(errors.Wrapf(ErrWrongVersionTrack, "version %d after v2 tls handshake", highest))
	}

	conn.proto = highest
	hs.ReceivedVersions = true
	conn.logger.With("link_protocol", highest).Info("negotiated link protocol")

	if highest == 2 {
		return m.sendNetinfo(conn)
	}

	if hs.StartedHere {
		return nil
	}

	if hs.SentVersionsAt.IsZero() {
		m.sendVersions(conn, true)
	}
	m.sendCerts(conn)
	if err := m.sendAuthChallenge(conn); err != nil {
		return err
	}
	return m.sendNetinfo(conn)
}

// checkV3Cell applies the checks common to CERTS, AUTH_CHALLENGE and
// AUTHENTICATE.
func checkV3Cell(conn *Connection, c Cell) error {
	switch {
	case conn.state != StateORHandshakingV3:
		return ErrNotV3Handshake
	case conn.proto < MinV3LinkProtocolVersion:
		return ErrLinkProtocolTooLow
	case c.CircID() != 0:
		return ErrNonZeroCircID
	}
	return nil
}

// processCerts handles the peer's certificates. Initiators learn who they are
// talking to; responders hold the claimed identity until AUTHENTICATE
// proves it.
func (m *Manager) processCerts(conn *Connection, c Cell) error {
	hs := conn.handshake
	if err := checkV3Cell(conn, c); err != nil {
		return ProtocolViolation(errors.Wrap(err, "certs cell"))
	}
	switch {
	case hs.ReceivedCerts:
		return ProtocolViolation(errors.Wrap(ErrDuplicateCell, "certs cell"))
	case hs.Authenticated:
		return ProtocolViolation(errors.Wrap(ErrAlreadyAuthed, "certs cell"))
	case len(c.Payload()) < 1:
		return ProtocolViolation(errors.Wrap(ErrEmptyCell, "certs cell"))
	}

	certs, err := ParseCertsCell(c)
	if err != nil {
		return ProtocolViolation(errors.Wrap(err, "could not parse certs cell"))
	}

	now := m.now()
	if hs.StartedHere {
		idKey, err := certs.ValidateResponder(leafCertificate(conn.tls), now)
		if err != nil {
			return AuthFailure(ReasonMisc, errors.Wrap(err, "invalid responder certificates"))
		}
		id, err := peerIdentity(idKey)
		if err != nil {
			return err
		}

		hs.Authenticated = true
		hs.AuthenticatedPeerID = id
		hs.PeerIDKey = idKey
		conn.circuits.SetType(CircIDTypeFor(m.idKey(), idKey))
		if err := m.clientLearnedPeerID(conn, id); err != nil {
			return err
		}
		conn.logger.Info("got good certificates, peer authenticated")
		hs.ReceivedCerts = true

		if !m.isPublicServer() {
			return m.sendNetinfo(conn)
		}
		return nil
	}

	idKey, authKey, err := certs.ValidateInitiator(now)
	if err != nil {
		return AuthFailure(ReasonMisc, errors.Wrap(err, "invalid initiator certificates"))
	}
	hs.PeerIDKey = idKey
	hs.PeerAuthKey = authKey
	hs.ReceivedCerts = true
	conn.logger.Debug("got good certificates, waiting for authenticate")
	return nil
}

// processAuthChallenge answers a responder's challenge. Relays authenticate;
// clients stay anonymous and only send NETINFO.
func (m *Manager) processAuthChallenge(conn *Connection, c Cell) error {
	hs := conn.handshake
	if err := checkV3Cell(conn, c); err != nil {
		return ProtocolViolation(errors.Wrap(err, "auth challenge cell"))
	}
	switch {
	case !hs.StartedHere:
		return ProtocolViolation(errors.Wrap(ErrWrongRole, "auth challenge cell"))
	case hs.ReceivedAuthChallenge:
		return ProtocolViolation(errors.Wrap(ErrDuplicateCell, "auth challenge cell"))
	case !hs.ReceivedCerts:
		return ProtocolViolation(errors.Wrap(ErrNoCertsYet, "auth challenge cell"))
	}

	chal, err := ParseAuthChallengeCell(c)
	if err != nil {
		return ProtocolViolation(errors.Wrap(err, "could not parse auth challenge cell"))
	}
	hs.ReceivedChallenge = chal
	hs.ReceivedAuthChallenge = true

	if !m.isPublicServer() {
		conn.logger.Debug("got auth challenge, sending nothing")
		return nil
	}

	if chal.SupportsMethod(AuthMethodRSASHA256TLSSecret) {
		conn.logger.Debug("got auth challenge, sending authentication")
		m.sendCerts(conn)
		if err := m.sendAuthenticate(conn); err != nil {
			return err
		}
	} else {
		conn.logger.Info("auth challenge offers no known methods, not authenticating")
	}

	return m.sendNetinfo(conn)
}

// processAuthenticate verifies the initiator's proof of identity.
func (m *Manager) processAuthenticate(conn *Connection, c Cell) error {
	hs := conn.handshake
	if err := checkV3Cell(conn, c); err != nil {
		return ProtocolViolation(errors.Wrap(err, "authenticate cell"))
	}
	switch {
	case hs.StartedHere:
		return ProtocolViolation(errors.Wrap(ErrWrongRole, "authenticate cell"))
	case hs.ReceivedAuthenticate:
		return ProtocolViolation(errors.Wrap(ErrDuplicateCell, "authenticate cell"))
	case hs.Authenticated:
		return ProtocolViolation(errors.Wrap(ErrAlreadyAuthed, "authenticate cell"))
	case !hs.ReceivedCerts:
		return ProtocolViolation(errors.Wrap(ErrNoCertsYet, "authenticate cell"))
	case hs.PeerIDKey == nil || hs.PeerAuthKey == nil:
		return ProtocolViolation(errors.Wrap(ErrMissingCerts, "authenticate cell"))
	case len(c.Payload()) < 4:
		return ProtocolViolation(errors.Wrap(ErrMalformedAuthenticate, "cell was way too short"))
	}

	auth, err := ParseAuthenticateCell(c)
	if err != nil {
		return ProtocolViolation(errors.Wrap(err, "authenticator was truncated"))
	}
	if auth.Method != AuthMethodRSASHA256TLSSecret {
		return ProtocolViolation(ErrUnsupportedAuthMethod)
	}

	expect, err := m.authenticator(conn)
	if err != nil {
		return err
	}
	if err := expect.Verify(auth.Authentication, hs.PeerAuthKey); err != nil {
		return AuthFailure(ReasonMisc, errors.Wrap(err, "authenticate cell failed verification"))
	}

	id, err := peerIdentity(hs.PeerIDKey)
	if err != nil {
		return err
	}

	hs.ReceivedAuthenticate = true
	hs.Authenticated = true
	hs.AuthenticatedPeerID = id
	hs.StopRecordingReceived()

	conn.circuits.SetType(CircIDTypeFor(m.idKey(), hs.PeerIDKey))
	m.initConnFromAddress(conn, id, false)
	conn.logger.With("peer", id).Info("got good authenticate cell")
	return nil
}

// processNetinfo completes the handshake.
func (m *Manager) processNetinfo(conn *Connection, c Cell) error {
	hs := conn.handshake
	if conn.state != StateORHandshakingV2 && conn.state != StateORHandshakingV3 {
		conn.logger.Warn("netinfo cell on non-handshaking connection, dropping")
		return nil
	}
	if !hs.ReceivedVersions {
		return ProtocolViolation(errors.Wrap(ErrUnexpectedCommand, "netinfo before versions"))
	}

	if conn.state == StateORHandshakingV3 && !hs.Authenticated {
		if hs.StartedHere {
			return ProtocolViolation(ErrUnauthedNetinfo)
		}
		conn.circuits.SetType(CircIDTypeNeither)
		m.initConnFromAddress(conn, Fingerprint{}, false)
		conn.clientOnly = true
	}

	n, err := ParseNetInfoCell(c)
	if err != nil {
		return ProtocolViolation(errors.Wrap(err, "could not parse netinfo cell"))
	}

	now := m.now()
	var skew time.Duration
	if !n.Timestamp.IsZero() && absDuration(now.Sub(hs.SentVersionsAt)) < maxVersionsSkewWindow {
		skew = now.Sub(n.Timestamp)
	}

	for _, ip := range n.SenderAddresses {
		addr, ok := netip.AddrFromSlice(ip)
		if ok && addr.Unmap() == conn.addr.Addr().Unmap() {
			conn.canonical = true
			break
		}
	}

	if absDuration(skew) > clockSkewNotice && !conn.identity.IsZero() && m.deps.Directory.IsKnownRelay(conn.identity) {
		conn.logger.With("skew", skew).Warn("received netinfo cell with skewed time")
		m.deps.Events.ClockSkew(conn, skew)
	}

	if !hs.SentNetinfo {
		if err := m.sendNetinfo(conn); err != nil {
			return err
		}
	}

	m.setStateOpen(conn)
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
