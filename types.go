package orconn

import (
	"crypto/rsa"
	"encoding/hex"
	"strings"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/pkg/errors"
)

// FingerprintLength is the size of a relay identity digest.
const FingerprintLength = 20

// ErrFingerprintLength is returned when decoding a fingerprint of the wrong
// size.
var ErrFingerprintLength = errors.New("fingerprint must be 20 bytes")

// Fingerprint is a relay identity digest (legacy SHA-1). The zero value means
// the identity has not been learned.
type Fingerprint [FingerprintLength]byte

// NewFingerprintFromBytes copies b into a Fingerprint.
func NewFingerprintFromBytes(b []byte) (Fingerprint, error) {
	var fp Fingerprint
	if len(b) != FingerprintLength {
		return Fingerprint{}, ErrFingerprintLength
	}
	copy(fp[:], b)
	return fp, nil
}

// FingerprintFromKey computes the fingerprint of an identity key.
func FingerprintFromKey(k *rsa.PublicKey) (Fingerprint, error) {
	return NewFingerprintFromBytes(torcrypto.Fingerprint(k))
}

// ParseFingerprint parses a hex fingerprint, with an optional "$" prefix and
// optional spaces between groups.
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.TrimPrefix(s, "$")
	s = strings.Replace(s, " ", "", -1)
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, errors.Wrap(err, "invalid fingerprint hex")
	}
	return NewFingerprintFromBytes(b)
}

// IsZero reports whether f is the all-zero digest.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Hex returns the uppercase hex encoding of f.
func (f Fingerprint) Hex() string {
	return strings.ToUpper(hex.EncodeToString(f[:]))
}

func (f Fingerprint) String() string {
	return f.Hex()
}

// Nickname returns the placeholder nickname used for relays known only by
// their digest.
func (f Fingerprint) Nickname() string {
	return "$" + f.Hex()
}

// Fingerprinted is something with a fingerprint.
type Fingerprinted interface {
	Fingerprint() (Fingerprint, error)
}
