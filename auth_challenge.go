package orconn

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L601-L617
//
//	4.3. AUTH_CHALLENGE cells
//
//	   An AUTH_CHALLENGE cell is a variable-length cell with the following
//	   fields:
//	       Challenge [32 octets]
//	       N_Methods [2 octets]
//	       Methods   [2 * N_Methods octets]
//
//	   It is sent from the responder to the initiator. Initiators MUST
//	   ignore unexpected bytes at the end of the cell.  Responders MUST
//	   generate every challenge independently using a strong RNG or PRNG.
//
//	   The Challenge field is a randomly generated string that the
//	   initiator must sign (a hash of) as part of authenticating.  The
//	   methods are the authentication methods that the responder will
//	   accept.  Only one authentication method is defined right now:
//	   see 4.4 below.
//

// AuthMethod represents an authentication method ID.
type AuthMethod uint16

// AuthChallengeLength is the size of the random challenge.
const AuthChallengeLength = 32

// ErrMalformedAuthChallenge is returned for a truncated AUTH_CHALLENGE cell.
var ErrMalformedAuthChallenge = errors.New("malformed auth challenge cell")

// AuthChallengeCell represents an AUTH_CHALLENGE cell.
type AuthChallengeCell struct {
	Challenge [AuthChallengeLength]byte
	Methods   []AuthMethod
}

// NewAuthChallengeCell builds an AUTH_CHALLENGE cell with the given method IDs.
// The challenge is generated at random.
func NewAuthChallengeCell(methods []AuthMethod) (*AuthChallengeCell, error) {
	var challenge [AuthChallengeLength]byte
	_, err := rand.Read(challenge[:])
	if err != nil {
		return nil, errors.Wrap(err, "could not read enough random bytes")
	}
	return &AuthChallengeCell{
		Challenge: challenge,
		Methods:   methods,
	}, nil
}

// NewAuthChallengeCellStandard builds an AUTH_CHALLENGE cell for method 1.
func NewAuthChallengeCellStandard() (*AuthChallengeCell, error) {
	return NewAuthChallengeCell([]AuthMethod{AuthMethodRSASHA256TLSSecret})
}

// ParseAuthChallengeCell decodes an AUTH_CHALLENGE cell, ignoring trailing
// bytes.
func ParseAuthChallengeCell(c Cell) (*AuthChallengeCell, error) {
	if c.Command() != AuthChallenge {
		return nil, ErrUnexpectedCommand
	}

	s := cryptobyte.String(c.Payload())
	a := &AuthChallengeCell{}
	var n uint16
	if !s.CopyBytes(a.Challenge[:]) || !s.ReadUint16(&n) {
		return nil, ErrMalformedAuthChallenge
	}

	a.Methods = make([]AuthMethod, n)
	for i := range a.Methods {
		var m uint16
		if !s.ReadUint16(&m) {
			return nil, ErrMalformedAuthChallenge
		}
		a.Methods[i] = AuthMethod(m)
	}

	return a, nil
}

// SupportsMethod reports whether the challenge offers method m.
func (a AuthChallengeCell) SupportsMethod(m AuthMethod) bool {
	for _, method := range a.Methods {
		if method == m {
			return true
		}
	}
	return false
}

// Cell constructs the cell bytes.
func (a AuthChallengeCell) Cell() *VarCell {
	// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L605-L607
	//
	//	       Challenge [32 octets]
	//	       N_Methods [2 octets]
	//	       Methods   [2 * N_Methods octets]
	//
	m := len(a.Methods)
	n := AuthChallengeLength + 2 + 2*m
	c := NewVarCell(0, AuthChallenge, n)
	payload := c.Payload()

	copy(payload, a.Challenge[:])
	binary.BigEndian.PutUint16(payload[AuthChallengeLength:], uint16(m))
	ptr := AuthChallengeLength + 2
	for _, method := range a.Methods {
		binary.BigEndian.PutUint16(payload[ptr:], uint16(method))
		ptr += 2
	}

	return c
}
