package orconn

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"strings"
	"time"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L544-L599
//
//	4.2. CERTS cells
//
//	   The CERTS cell describes the keys that a Tor instance is claiming
//	   to have.  It is a variable-length cell.  Its payload format is:
//
//	        N: Number of certs in cell            [1 octet]
//	        N times:
//	           CertType                           [1 octet]
//	           CLEN                               [2 octets]
//	           Certificate                        [CLEN octets]
//
//	   Any extra octets at the end of a CERTS cell MUST be ignored.
//
//	     CertType values are:
//	        1: Link key certificate certified by RSA1024 identity
//	        2: RSA1024 Identity certificate
//	        3: RSA1024 AUTHENTICATE cell link certificate
//
//	   The certificate format for the above certificate types is DER encoded
//	   X509.
//
//	   A CERTS cell may have no more than one certificate of each CertType.
//
//	   To authenticate the responder, the initiator MUST check the following:
//	     * The CERTS cell contains exactly one CertType 1 "Link" certificate.
//	     * The CERTS cell contains exactly one CertType 2 "ID" certificate.
//	     * Both certificates have validAfter and validUntil dates that
//	       are not expired.
//	     * The certified key in the Link certificate matches the
//	       link key that was used to negotiate the TLS connection.
//	     * The certified key in the ID certificate is a 1024-bit RSA key.
//	     * The certified key in the ID certificate was used to sign both
//	       certificates.
//	     * The link certificate is correctly signed with the key in the
//	       ID certificate
//	     * The ID certificate is correctly self-signed.
//	   Checking these conditions is sufficient to authenticate that the
//	   initiator is talking to the Tor node with the expected identity,
//	   as certified in the ID certificate.
//
//	   To authenticate the initiator, the responder MUST check the
//	   following:
//	     * The CERTS cell contains exactly one CertType 3 "AUTH" certificate.
//	     * The CERTS cell contains exactly one CertType 2 "ID" certificate.
//	     * Both certificates have validAfter and validUntil dates that
//	       are not expired.
//	     * The certified key in the AUTH certificate is a 1024-bit RSA key.
//	     * The certified key in the ID certificate is a 1024-bit RSA key.
//	     * The certified key in the ID certificate was used to sign both
//	       certificates.
//	     * The auth certificate is correctly signed with the key in the
//	       ID certificate.
//	     * The ID certificate is correctly self-signed.
//	   Checking these conditions is NOT sufficient to authenticate that the
//	   initiator has the ID it claims; to do so, the cells in 4.3 and 4.4
//	   below must be exchanged.
//

// CertType is the certificate type ID.
type CertType uint8

// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L557-L560
//
//	     CertType values are:
//	        1: Link key certificate certified by RSA1024 identity
//	        2: RSA1024 Identity certificate
//	        3: RSA1024 AUTHENTICATE cell link certificate
//
const (
	CertTypeLink     CertType = 1
	CertTypeIdentity CertType = 2
	CertTypeAuth     CertType = 3
)

// Certificate lifetime slop. Peers with skewed clocks are tolerated within
// these bounds.
const (
	certPastTolerance   = 48 * time.Hour
	certFutureTolerance = 30 * 24 * time.Hour
)

// Errors returned from CERTS cell parsing and validation.
var (
	ErrMalformedCerts      = errors.New("malformed certs cell")
	ErrDuplicateCert       = errors.New("duplicate certificate type")
	ErrNoPeerCertificate   = errors.New("no TLS peer certificate")
	ErrLinkKeyMismatch     = errors.New("link certificate does not match TLS key")
	ErrIdentityKeySize     = errors.New("identity key is not 1024 bits")
	ErrAuthKeySize         = errors.New("auth key is not 1024 bits")
	ErrIdentityNotSelfSign = errors.New("identity certificate is not self-signed")
	ErrMissingIdentityCert = errors.New("TLS chain has no identity certificate")
)

// CertCellEntry represents one cell in a CERTS cell.
type CertCellEntry struct {
	Type    CertType
	CertDER []byte
}

// CertsCell is a CERTS cell.
type CertsCell struct {
	Certs []CertCellEntry
}

// AddCert adds a certificate to the cell.
func (c *CertsCell) AddCert(t CertType, crt *x509.Certificate) {
	c.AddCertDER(t, crt.Raw)
}

// AddCertDER adds a DER-encoded certificate to the cell.
func (c *CertsCell) AddCertDER(t CertType, der []byte) {
	c.Certs = append(c.Certs, CertCellEntry{
		Type:    t,
		CertDER: der,
	})
}

// Lookup returns the DER certificate of the given type, or nil.
func (c *CertsCell) Lookup(t CertType) []byte {
	for _, e := range c.Certs {
		if e.Type == t {
			return e.CertDER
		}
	}
	return nil
}

// Cell builds the cell.
func (c CertsCell) Cell() *VarCell {
	// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L549-L553
	//
	//	        N: Number of certs in cell            [1 octet]
	//	        N times:
	//	           CertType                           [1 octet]
	//	           CLEN                               [2 octets]
	//	           Certificate                        [CLEN octets]
	//

	length := 1
	for _, entry := range c.Certs {
		length += 3 + len(entry.CertDER)
	}

	cell := NewVarCell(0, Certs, length)
	payload := cell.Payload()

	payload[0] = byte(len(c.Certs))
	ptr := 1

	for _, entry := range c.Certs {
		payload[ptr] = byte(entry.Type)
		ptr++

		binary.BigEndian.PutUint16(payload[ptr:], uint16(len(entry.CertDER)))
		ptr += 2

		ptr += copy(payload[ptr:], entry.CertDER)
	}

	return cell
}

// ParseCertsCell decodes a CERTS cell. Trailing bytes are ignored; a repeated
// certificate type is an error.
func ParseCertsCell(c Cell) (*CertsCell, error) {
	if c.Command() != Certs {
		return nil, ErrUnexpectedCommand
	}

	s := cryptobyte.String(c.Payload())
	var n uint8
	if !s.ReadUint8(&n) {
		return nil, ErrMalformedCerts
	}

	cc := &CertsCell{}
	seen := map[CertType]bool{}
	for i := 0; i < int(n); i++ {
		var t uint8
		var der cryptobyte.String
		if !s.ReadUint8(&t) || !s.ReadUint16LengthPrefixed(&der) {
			return nil, ErrMalformedCerts
		}
		typ := CertType(t)
		if seen[typ] {
			return nil, ErrDuplicateCert
		}
		seen[typ] = true
		cc.AddCertDER(typ, append([]byte{}, der...))
	}

	return cc, nil
}

// certificate parses the certificate of type t.
func (c *CertsCell) certificate(t CertType) (*x509.Certificate, error) {
	der := c.Lookup(t)
	if der == nil {
		return nil, errors.Errorf("missing certificate type %d", t)
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse certificate type %d", t)
	}
	return crt, nil
}

// ValidateResponder checks a responder's link and identity certificates
// against the certificate presented in TLS, returning the responder's
// identity key.
func (c *CertsCell) ValidateResponder(peer *x509.Certificate, now time.Time) (*rsa.PublicKey, error) {
	if peer == nil {
		return nil, ErrNoPeerCertificate
	}

	link, err := c.certificate(CertTypeLink)
	if err != nil {
		return nil, err
	}

	id, err := c.certificate(CertTypeIdentity)
	if err != nil {
		return nil, err
	}

	idKey, err := checkIdentityCertificate(id, now)
	if err != nil {
		return nil, err
	}

	if err := checkCertificate(link, id, now); err != nil {
		return nil, errors.Wrap(err, "link certificate")
	}

	if !certifiesSameKey(link, peer) {
		return nil, ErrLinkKeyMismatch
	}

	return idKey, nil
}

// ValidateInitiator checks an initiator's identity and authentication
// certificates, returning both keys. This does not prove the initiator holds
// the identity: that takes an AUTHENTICATE cell.
func (c *CertsCell) ValidateInitiator(now time.Time) (id, auth *rsa.PublicKey, err error) {
	authCert, err := c.certificate(CertTypeAuth)
	if err != nil {
		return nil, nil, err
	}

	idCert, err := c.certificate(CertTypeIdentity)
	if err != nil {
		return nil, nil, err
	}

	id, err = checkIdentityCertificate(idCert, now)
	if err != nil {
		return nil, nil, err
	}

	if err := checkCertificate(authCert, idCert, now); err != nil {
		return nil, nil, errors.Wrap(err, "auth certificate")
	}

	auth, err = torcrypto.RSAPublicKeyFromCertificate(authCert)
	if err != nil {
		return nil, nil, err
	}
	if torcrypto.RSAPublicKeySize(auth) != torcrypto.IdentityKeyBits {
		return nil, nil, ErrAuthKeySize
	}

	return id, auth, nil
}

// VerifyTLSChain checks a certificate chain presented during a v1 or v2 TLS
// handshake: the first certificate is the link certificate, signed by the
// identity certificate that follows it. Returns the identity key.
func VerifyTLSChain(chain []*x509.Certificate, now time.Time) (*rsa.PublicKey, error) {
	if len(chain) == 0 {
		return nil, ErrNoPeerCertificate
	}
	if len(chain) < 2 {
		return nil, ErrMissingIdentityCert
	}

	link, id := chain[0], chain[1]
	if err := checkLifetime(id, now); err != nil {
		return nil, errors.Wrap(err, "identity certificate")
	}
	if err := checkCertificate(link, id, now); err != nil {
		return nil, errors.Wrap(err, "link certificate")
	}

	return torcrypto.RSAPublicKeyFromCertificate(id)
}

// checkIdentityCertificate checks a self-signed 1024-bit identity
// certificate and returns its key.
func checkIdentityCertificate(id *x509.Certificate, now time.Time) (*rsa.PublicKey, error) {
	k, err := torcrypto.RSAPublicKeyFromCertificate(id)
	if err != nil {
		return nil, err
	}
	if torcrypto.RSAPublicKeySize(k) != torcrypto.IdentityKeyBits {
		return nil, ErrIdentityKeySize
	}
	if err := checkLifetime(id, now); err != nil {
		return nil, errors.Wrap(err, "identity certificate")
	}
	if err := checkSignedBy(id, id); err != nil {
		return nil, ErrIdentityNotSelfSign
	}
	return k, nil
}

// checkCertificate checks that crt is within its lifetime and signed by
// issuer.
func checkCertificate(crt, issuer *x509.Certificate, now time.Time) error {
	if err := checkLifetime(crt, now); err != nil {
		return err
	}
	return checkSignedBy(crt, issuer)
}

// checkSignedBy verifies the signature on crt with the key in issuer. Relay
// identity certificates are not CA certificates, so CheckSignatureFrom would
// reject them on basic constraints alone.
func checkSignedBy(crt, issuer *x509.Certificate) error {
	err := issuer.CheckSignature(crt.SignatureAlgorithm, crt.RawTBSCertificate, crt.Signature)
	if err != nil {
		return errors.Wrap(err, "bad certificate signature")
	}
	return nil
}

// checkLifetime checks the validity window of crt, with tolerance for clock
// skew.
func checkLifetime(crt *x509.Certificate, now time.Time) error {
	if crt.NotBefore.After(now.Add(certFutureTolerance)) {
		return errors.Errorf("certificate not valid until %s", crt.NotBefore.Format(time.RFC3339))
	}
	if crt.NotAfter.Before(now.Add(-certPastTolerance)) {
		return errors.Errorf("certificate expired at %s", crt.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func certifiesSameKey(a, b *x509.Certificate) bool {
	ka, err := torcrypto.RSAPublicKeyFromCertificate(a)
	if err != nil {
		return false
	}
	kb, err := torcrypto.RSAPublicKeyFromCertificate(b)
	if err != nil {
		return false
	}
	return torcrypto.RSAPublicKeysEqual(ka, kb)
}

// IsV3Certificate reports whether a responder's link certificate indicates
// that it expects the in-protocol (v3) handshake.
//
// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L232-L241
//
//	   Specifically, at least one of these properties must be
//	   true of the certificate:
//	      * The certificate is self-signed
//	      * Some component other than "commonName" is set in the subject or
//	        issuer DN of the certificate.
//	      * The commonName of the subject or issuer of the certificate ends
//	        with a suffix other than ".net".
//	      * The certificate's public key modulus is longer than 1024 bits.
//
func IsV3Certificate(crt *x509.Certificate) bool {
	if bytes.Equal(crt.RawIssuer, crt.RawSubject) {
		return true
	}
	if nameIndicatesV3(crt.Issuer) || nameIndicatesV3(crt.Subject) {
		return true
	}
	k, err := torcrypto.RSAPublicKeyFromCertificate(crt)
	if err != nil {
		return true
	}
	return torcrypto.RSAPublicKeySize(k) > torcrypto.IdentityKeyBits
}

var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

func nameIndicatesV3(n pkix.Name) bool {
	if len(n.Names) != 1 {
		return true
	}
	attr := n.Names[0]
	if !attr.Type.Equal(oidCommonName) {
		return true
	}
	cn, ok := attr.Value.(string)
	if !ok {
		return false
	}
	return !strings.HasSuffix(cn, ".net")
}
