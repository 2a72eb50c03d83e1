package orconn

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L619-L680
//
//	4.4. AUTHENTICATE cells
//
//	   If an initiator wants to authenticate, it responds to the
//	   AUTH_CHALLENGE cell with a CERTS cell and an AUTHENTICATE cell.
//	   The CERTS cell is as a server would send, except that instead of
//	   sending a CertType 1 cert for an arbitrary link certificate, the
//	   client sends a CertType 3 cert for an RSA AUTHENTICATE key.
//	   (This difference is because we allow any link key type on a TLS
//	   link, but the protocol described here will only work for 1024-bit
//	   RSA keys.  A later protocol version should extend the protocol
//	   here to work with non-1024-bit, non-RSA keys.)
//
//	        AuthType                              [2 octets]
//	        AuthLen                               [2 octets]
//	        Authentication                        [AuthLen octets]
//

// AuthMethodRSASHA256TLSSecret is the only defined authentication method.
const AuthMethodRSASHA256TLSSecret AuthMethod = 1

// Sizes of the RSA-SHA256-TLSSecret authenticator. The fixed part is the
// portion a responder can recompute; the body adds time and nonce.
const (
	AuthFixedPartLength = 8 + 6*sha256.Size
	AuthBodyLength      = AuthFixedPartLength + 8 + 16
)

const (
	authType1Tag    = "AUTH0001"
	tlsSecretsLabel = "Tor V3 handshake TLS cross-certification\x00"
)

// Errors from AUTHENTICATE processing.
var (
	ErrMalformedAuthenticate = errors.New("malformed authenticate cell")
	ErrUnsupportedAuthMethod = errors.New("unsupported authentication method")
	ErrAuthenticatorShort    = errors.New("authenticator too short")
	ErrAuthenticatorMismatch = errors.New("authenticator does not match expected value")
)

// AuthenticateCell represents an AUTHENTICATE cell.
type AuthenticateCell struct {
	Method         AuthMethod
	Authentication []byte
}

// ParseAuthenticateCell decodes an AUTHENTICATE cell.
func ParseAuthenticateCell(c Cell) (*AuthenticateCell, error) {
	if c.Command() != Authenticate {
		return nil, ErrUnexpectedCommand
	}

	s := cryptobyte.String(c.Payload())
	var method uint16
	var auth cryptobyte.String
	if !s.ReadUint16(&method) || !s.ReadUint16LengthPrefixed(&auth) {
		return nil, ErrMalformedAuthenticate
	}

	return &AuthenticateCell{
		Method:         AuthMethod(method),
		Authentication: append([]byte{}, auth...),
	}, nil
}

// Cell builds the cell.
func (a AuthenticateCell) Cell() *VarCell {
	c := NewVarCell(0, Authenticate, 4+len(a.Authentication))
	binary.BigEndian.PutUint16(c.Body, uint16(a.Method))
	binary.BigEndian.PutUint16(c.Body[2:], uint16(len(a.Authentication)))
	copy(c.Body[4:], a.Authentication)
	return c
}

// AuthRSASHA256TLSSecret holds the inputs to an RSA-SHA256-TLSSecret
// authenticator. The initiator fills AuthKey to sign; the responder leaves
// it nil and only compares the fixed part.
type AuthRSASHA256TLSSecret struct {
	AuthKey *rsa.PrivateKey

	ClientIdentityKey *rsa.PublicKey
	ServerIdentityKey *rsa.PublicKey
	ServerLogHash     []byte
	ClientLogHash     []byte
	ServerLinkCert    []byte
	TLSMasterSecret   []byte
	TLSClientRandom   []byte
	TLSServerRandom   []byte
}

// FixedPart computes the deterministic prefix of the authenticator.
//
// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L641-L665
//
//	       TYPE: The characters "AUTH0001" [8 octets]
//	       CID: A SHA256 hash of the initiator's RSA1024 identity key [32 octets]
//	       SID: A SHA256 hash of the responder's RSA1024 identity key [32 octets]
//	       SLOG: A SHA256 hash of all bytes sent from the responder to the
//	         initiator as part of the negotiation up to and including the
//	         AUTH_CHALLENGE cell; that is, the VERSIONS cell, the CERTS cell,
//	         the AUTH_CHALLENGE cell, and any padding cells.  [32 octets]
//	       CLOG: A SHA256 hash of all bytes sent from the initiator to the
//	         responder as part of the negotiation so far; that is, the
//	         VERSIONS cell and the CERTS cell and any padding cells. [32
//	         octets]
//	       SCERT: A SHA256 hash of the responder's TLS link certificate. [32
//	         octets]
//	       TLSSECRETS: A SHA256 HMAC, using the TLS master secret as the
//	         secret key, of the following:
//	           - client_random, as sent in the TLS Client Hello
//	           - server_random, as sent in the TLS Server Hello
//	           - the NUL terminated ASCII string:
//	             "Tor V3 handshake TLS cross-certification"
//	          [32 octets]
//
func (a *AuthRSASHA256TLSSecret) FixedPart() ([]byte, error) {
	cid := torcrypto.Fingerprint256(a.ClientIdentityKey)
	sid := torcrypto.Fingerprint256(a.ServerIdentityKey)
	if len(a.ServerLogHash) != sha256.Size || len(a.ClientLogHash) != sha256.Size {
		return nil, errors.New("handshake digests must be SHA-256")
	}

	scert := sha256.Sum256(a.ServerLinkCert)

	mac := hmac.New(sha256.New, a.TLSMasterSecret)
	torcrypto.HashWrite(mac, a.TLSClientRandom, a.TLSServerRandom, []byte(tlsSecretsLabel))

	b := make([]byte, 0, AuthBodyLength)
	b = append(b, authType1Tag...)
	b = append(b, cid...)
	b = append(b, sid...)
	b = append(b, a.ServerLogHash...)
	b = append(b, a.ClientLogHash...)
	b = append(b, scert[:]...)
	b = mac.Sum(b)

	return b, nil
}

// Body computes the full authenticator body with the given time and nonce.
//
// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L666-L671
//
//	       TIME: The time of day in seconds since the POSIX epoch. [8 octets]
//	       RAND: A 16 byte value, randomly chosen by the initiator [16 octets]
//	       SIG: A signature of a SHA256 hash of all the previous fields
//	         using the initiator's "Authenticate" key as presented.  (As
//	         always in Tor, we use OAEP-MGF1 padding; see tor-spec.txt
//	         section 0.3.)
//
func (a *AuthRSASHA256TLSSecret) Body(t time.Time, nonce []byte) ([]byte, error) {
	if len(nonce) != 16 {
		return nil, errors.New("authenticator nonce must be 16 bytes")
	}
	b, err := a.FixedPart()
	if err != nil {
		return nil, err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.Unix()))
	b = append(b, ts[:]...)
	b = append(b, nonce...)
	return b, nil
}

// Authentication computes the signed authenticator.
func (a *AuthRSASHA256TLSSecret) Authentication(t time.Time, nonce []byte) ([]byte, error) {
	if a.AuthKey == nil {
		return nil, errors.New("no auth key to sign with")
	}
	b, err := a.Body(t, nonce)
	if err != nil {
		return nil, err
	}
	sig, err := torcrypto.SignRSASHA256(b, a.AuthKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign authenticator")
	}
	return append(b, sig...), nil
}

// Cell builds an AUTHENTICATE cell with the current time and a random nonce.
func (a *AuthRSASHA256TLSSecret) Cell() (*VarCell, error) {
	auth, err := a.Authentication(time.Now(), torcrypto.Rand(16))
	if err != nil {
		return nil, err
	}
	return AuthenticateCell{
		Method:         AuthMethodRSASHA256TLSSecret,
		Authentication: auth,
	}.Cell(), nil
}

// Verify checks an initiator's authenticator against the fixed part computed
// by a and the initiator's certified auth key.
func (a *AuthRSASHA256TLSSecret) Verify(auth []byte, authKey *rsa.PublicKey) error {
	if len(auth) <= AuthBodyLength {
		return ErrAuthenticatorShort
	}

	expect, err := a.FixedPart()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expect, auth[:AuthFixedPartLength]) != 1 {
		return ErrAuthenticatorMismatch
	}

	return torcrypto.VerifyRSASHA256(auth[:AuthBodyLength], auth[AuthBodyLength:], authKey)
}
