package orconn

import (
	"crypto/rsa"
	"crypto/x509"
	"net"

	"github.com/pkg/errors"
)

// Errors from the TLS stage of the link handshake.
var (
	ErrIdentityMismatch = errors.New("peer identity does not match expected identity")
	ErrRedundant        = errors.New("connection not needed")
)

// startTLS moves c into the TLS handshake.
func (m *Manager) startTLS(c *Connection, initiator bool) {
	m.setState(c, StateTLSHandshaking)
	c.handshake = newHandshakeState(initiator)
	m.transport.StartTLS(c.handle, initiator)
}

// HandleTLSDone reports the initial TLS handshake on h has completed.
//
// A link protocol 1 peer presents its full certificate chain straight away,
// and the connection opens immediately. Otherwise an initiator that sees a
// certificate advertising the in-protocol handshake proceeds with VERSIONS
// cells; older peers need a renegotiation first. A responder waits to see
// which the initiator chooses.
func (m *Manager) HandleTLSDone(h Handle, sess TLSSession) {
	c, ok := m.live(h)
	if !ok {
		return
	}
	if c.state != StateTLSHandshaking {
		m.closeWithError(c, InternalFailure(errors.Errorf("tls done in state %s", c.state)))
		return
	}
	c.tls = sess

	if sess.UsedV1Handshake() {
		m.finishTLS(c)
		return
	}

	if !c.startedHere() {
		c.logger.Debug("done with initial tls handshake, expecting renegotiation or versions cell")
		m.setState(c, StateTLSServerRenegotiating)
		return
	}

	peer := sess.PeerCertificates()
	if len(peer) == 0 {
		m.closeWithError(c, AuthFailure(ReasonMisc, ErrNoPeerCertificate))
		return
	}

	if IsV3Certificate(peer[0]) {
		c.logger.Debug("peer has v3 certificate, starting in-protocol handshake")
		m.setState(c, StateORHandshakingV3)
		m.sendVersions(c, true)
		return
	}

	c.logger.Debug("done with initial tls handshake, requesting renegotiation")
	m.setState(c, StateTLSClientRenegotiating)
	m.transport.Renegotiate(c.handle)
}

// HandleRenegotiated reports that a TLS renegotiation on h has completed.
func (m *Manager) HandleRenegotiated(h Handle, sess TLSSession) {
	c, ok := m.live(h)
	if !ok {
		return
	}
	switch c.state {
	case StateTLSClientRenegotiating, StateTLSServerRenegotiating:
	default:
		c.logger.With("state", c.state.Tag()).Debug("ignoring renegotiation")
		return
	}
	c.tls = sess
	m.finishTLS(c)
}

// finishTLS completes the v1 or v2 handshake once TLS has authenticated the
// peer.
func (m *Manager) finishTLS(c *Connection) {
	id, err := m.checkValidTLSHandshake(c)
	if err != nil {
		m.fail(c, err)
		return
	}

	if c.tls.UsedV1Handshake() {
		c.proto = 1
		if !c.startedHere() {
			m.initConnFromAddress(c, id, false)
		}
		m.setStateOpen(c)
		return
	}

	m.setState(c, StateORHandshakingV2)
	if !c.startedHere() {
		m.initConnFromAddress(c, id, false)
	}
	m.sendVersions(c, false)
}

// checkValidTLSHandshake verifies the certificate chain presented in TLS and
// returns the peer's identity. Initiators require a valid chain; responders
// accept its absence and return the zero fingerprint.
func (m *Manager) checkValidTLSHandshake(c *Connection) (Fingerprint, error) {
	startedHere := c.startedHere()
	chain := c.tls.PeerCertificates()

	if startedHere && len(chain) == 0 {
		return Fingerprint{}, AuthFailure(ReasonMisc, ErrNoPeerCertificate)
	}

	idKey, err := VerifyTLSChain(chain, m.now())
	if err != nil {
		if startedHere {
			return Fingerprint{}, AuthFailure(ReasonMisc, errors.Wrap(err, "invalid certificate chain"))
		}
		c.logger.With("err", err).Debug("peer sent no valid certificate chain")
		idKey = nil
	}

	var id Fingerprint
	if idKey != nil {
		id, err = FingerprintFromKey(idKey)
		if err != nil {
			return Fingerprint{}, AuthFailure(ReasonMisc, err)
		}
	}

	c.circuits.SetType(CircIDTypeFor(m.idKey(), idKey))

	if startedHere {
		if err := m.clientLearnedPeerID(c, id); err != nil {
			return Fingerprint{}, err
		}
	}
	return id, nil
}

// clientLearnedPeerID handles an initiator learning the identity of the relay
// it connected to. With no expectation the identity is adopted.
func (m *Manager) clientLearnedPeerID(c *Connection, id Fingerprint) error {
	if c.identity.IsZero() {
		m.registry.SetIdentity(c, id)
		c.nickname = id.Nickname()
		c.logger.With("peer", id).Info("connected to relay without knowing its key")
		m.deps.Reachability.LearnedIdentity(id, c.addr)
	}

	if id != c.identity {
		c.logger.With("expected", c.identity).With("got", id).Warn("identity key was not as expected")
		return AuthFailure(ReasonIdentity, ErrIdentityMismatch)
	}
	return nil
}

// setStateOpen completes the handshake.
func (m *Manager) setStateOpen(c *Connection) {
	m.setState(c, StateOpen)
	m.deps.Events.ConnStatus(c, StatusConnected, ReasonNone)

	if c.startedHere() {
		m.deps.Reachability.ConnectSucceeded(c.identity, c.addr)
		if !m.deps.Reachability.NoteTLSDone(c.identity, c.addr) && m.hasOtherOpen(c) {
			c.handshake = nil
			m.closeWithError(c, &LinkError{Reason: ReasonDone, Err: ErrRedundant})
			return
		}
	} else if c.identity.IsZero() || !m.deps.Directory.IsKnownRelay(c.identity) {
		m.deps.GeoIP.NoteClientSeen(c.addr.Addr(), m.now())
	}

	c.handshake = nil
	c.logger.With("link_protocol", c.proto).With("peer", c.identity).Info("connection open")
	m.flush(c)
}

// hasOtherOpen reports whether another open connection to c's peer exists.
func (m *Manager) hasOtherOpen(c *Connection) bool {
	for _, o := range m.registry.Lookup(c.identity) {
		if o != c && o.state == StateOpen && !o.marked {
			return true
		}
	}
	return false
}

// fail closes c if err is non-nil.
func (m *Manager) fail(c *Connection, err error) {
	if err == nil {
		return
	}
	m.closeWithError(c, AsLinkError(err))
}

// sendVersions sends the versions we support on the given handshake track.
func (m *Manager) sendVersions(c *Connection, v3 bool) {
	m.writeCell(c, VersionsCell{SupportedVersions: VersionsFor(v3)}.Cell())
	if c.handshake != nil {
		c.handshake.SentVersionsAt = m.now()
	}
}

// sendCerts sends our certificates. Responders prove their link key;
// initiators certify the key they will sign AUTHENTICATE with.
func (m *Manager) sendCerts(c *Connection) {
	certs := &CertsCell{}
	if c.startedHere() {
		certs.AddCert(CertTypeAuth, m.tls.AuthCert)
	} else {
		certs.AddCert(CertTypeLink, m.tls.LinkCert)
	}
	certs.AddCert(CertTypeIdentity, m.tls.IDCert)
	m.writeCell(c, certs.Cell())
}

// sendAuthChallenge asks the initiator to authenticate.
func (m *Manager) sendAuthChallenge(c *Connection) error {
	chal, err := NewAuthChallengeCellStandard()
	if err != nil {
		return InternalFailure(errors.Wrap(err, "could not build auth challenge"))
	}
	c.handshake.SentChallenge = chal
	m.writeCell(c, chal.Cell())
	return nil
}

// authenticator collects the inputs to the RSA-SHA256-TLSSecret authenticator
// from c's point of view.
func (m *Manager) authenticator(c *Connection) (*AuthRSASHA256TLSSecret, error) {
	secrets, err := c.tls.Secrets()
	if err != nil {
		return nil, InternalFailure(errors.Wrap(err, "could not export tls secrets"))
	}

	hs := c.handshake
	a := &AuthRSASHA256TLSSecret{
		TLSMasterSecret: secrets.MasterSecret,
		TLSClientRandom: secrets.ClientRandom,
		TLSServerRandom: secrets.ServerRandom,
	}

	if hs.StartedHere {
		peer := c.tls.PeerCertificates()
		if len(peer) == 0 {
			return nil, AuthFailure(ReasonMisc, ErrNoPeerCertificate)
		}
		a.AuthKey = m.tls.AuthKey
		a.ClientIdentityKey = m.idKey()
		a.ServerIdentityKey = hs.PeerIDKey
		a.ServerLogHash = hs.ReceivedDigest()
		a.ClientLogHash = hs.SentDigest()
		a.ServerLinkCert = peer[0].Raw
	} else {
		a.ClientIdentityKey = hs.PeerIDKey
		a.ServerIdentityKey = m.idKey()
		a.ServerLogHash = hs.SentDigest()
		a.ClientLogHash = hs.ReceivedDigest()
		a.ServerLinkCert = m.tls.LinkCert.Raw
	}
	return a, nil
}

// sendAuthenticate proves our identity to the responder.
func (m *Manager) sendAuthenticate(c *Connection) error {
	a, err := m.authenticator(c)
	if err != nil {
		return err
	}
	cell, err := a.Cell()
	if err != nil {
		return InternalFailure(errors.Wrap(err, "could not build authenticate cell"))
	}
	m.writeCell(c, cell)
	return nil
}

// sendNetinfo sends our view of the network. Relays, and anyone answering
// an incoming connection, include a timestamp and their own address.
func (m *Manager) sendNetinfo(c *Connection) error {
	hs := c.handshake
	if hs.SentNetinfo {
		c.logger.With("bug", true).Warn("attempted to send an extra netinfo cell")
		return nil
	}

	reveal := m.isPublicServer() || !c.outgoing
	n := &NetInfoCell{
		ReceiverAddress: net.IP(c.addr.Addr().Unmap().AsSlice()),
	}
	if reveal {
		n.Timestamp = m.now()
		if m.cfg.Address != nil {
			n.SenderAddresses = []net.IP{m.cfg.Address}
		}
	}

	cell, err := n.Cell()
	if err != nil {
		return InternalFailure(errors.Wrap(err, "could not build netinfo cell"))
	}

	hs.StopRecordingSent()
	hs.SentNetinfo = true
	m.writeCell(c, cell)
	return nil
}

// peerIdentity computes the fingerprint of a peer's identity key.
func peerIdentity(k *rsa.PublicKey) (Fingerprint, error) {
	fp, err := FingerprintFromKey(k)
	if err != nil {
		return Fingerprint{}, AuthFailure(ReasonMisc, err)
	}
	return fp, nil
}

// leafCertificate returns the first certificate the TLS peer presented.
func leafCertificate(sess TLSSession) *x509.Certificate {
	peer := sess.PeerCertificates()
	if len(peer) == 0 {
		return nil
	}
	return peer[0]
}
