package orconn

import (
	"crypto/rsa"
	"crypto/sha256"
	"hash"
	"time"

	"github.com/mmcloughlin/orconn/torcrypto"
)

// HandshakeState tracks a connection's link handshake until it opens.
type HandshakeState struct {
	StartedHere bool

	SentVersionsAt        time.Time
	ReceivedVersions      bool
	ReceivedCerts         bool
	ReceivedAuthChallenge bool
	ReceivedAuthenticate  bool
	SentNetinfo           bool

	// Authenticated is set once we know who the peer is: for initiators on a
	// valid CERTS cell, for responders on a valid AUTHENTICATE cell.
	Authenticated       bool
	AuthenticatedPeerID Fingerprint

	PeerIDKey   *rsa.PublicKey
	PeerAuthKey *rsa.PublicKey

	SentChallenge     *AuthChallengeCell
	ReceivedChallenge *AuthChallengeCell

	// Running digests of v3 handshake cells, as included in AUTHENTICATE.
	digestSent     hash.Hash
	digestReceived hash.Hash
	recordSent     bool
	recordReceived bool
}

func newHandshakeState(startedHere bool) *HandshakeState {
	return &HandshakeState{
		StartedHere:    startedHere,
		digestSent:     sha256.New(),
		digestReceived: sha256.New(),
		recordSent:     true,
		recordReceived: true,
	}
}

// Record adds a cell to the sent or received digest, unless recording in
// that direction has stopped.
//
// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L650-L657
//
//	       SLOG: A SHA256 hash of all bytes sent from the responder to the
//	         initiator as part of the negotiation up to and including the
//	         AUTH_CHALLENGE cell; that is, the VERSIONS cell, the CERTS cell,
//	         the AUTH_CHALLENGE cell, and any padding cells.  [32 octets]
//	       CLOG: A SHA256 hash of all bytes sent from the initiator to the
//	         responder as part of the negotiation so far; that is, the
//	         VERSIONS cell and the CERTS cell and any padding cells. [32
//	         octets]
//
func (h *HandshakeState) Record(c Cell, incoming bool) {
	switch {
	case incoming && h.recordReceived:
		torcrypto.HashWrite(h.digestReceived, PackCell(c))
	case !incoming && h.recordSent:
		torcrypto.HashWrite(h.digestSent, PackCell(c))
	}
}

// StopRecordingSent freezes the sent digest. Called once NETINFO goes out.
func (h *HandshakeState) StopRecordingSent() { h.recordSent = false }

// StopRecordingReceived freezes the received digest. Called once AUTHENTICATE
// has been verified.
func (h *HandshakeState) StopRecordingReceived() { h.recordReceived = false }

// SentDigest returns the SHA-256 of handshake cells sent so far.
func (h *HandshakeState) SentDigest() []byte {
	return h.digestSent.Sum(nil)
}

// ReceivedDigest returns the SHA-256 of handshake cells received so far.
func (h *HandshakeState) ReceivedDigest() []byte {
	return h.digestReceived.Sum(nil)
}
