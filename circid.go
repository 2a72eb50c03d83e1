package orconn

import (
	"crypto/rsa"
	"encoding/binary"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/pkg/errors"
)

// CircIDType determines which half of the circuit ID space we allocate from
// on a connection.
type CircIDType uint8

// Circuit ID types.
//
// Reference: https://github.com/torproject/torspec/blob/4074b891e53e8df951fc596ac6758d74da290c60/tor-spec.txt#L925-L930
//
//	   In link protocol versions 3 or lower, CircIDs are 2 bytes long;
//	   in protocol 4 or higher, CircIDs are 4 bytes long.
//	   In both cases the node with the lower key uses CircIDs with the
//	   highest bit unset; the node with the higher key uses CircIDs with
//	   the highest bit set.
//
const (
	// CircIDTypeNeither means the peer has no known identity, so we may not
	// create circuits on the connection at all.
	CircIDTypeNeither CircIDType = iota
	CircIDTypeLower
	CircIDTypeHigher
)

func (t CircIDType) String() string {
	switch t {
	case CircIDTypeLower:
		return "lower"
	case CircIDTypeHigher:
		return "higher"
	default:
		return "neither"
	}
}

// CircIDTypeFor chooses the circuit ID type given our identity key and the
// peer's. A nil peer key yields CircIDTypeNeither.
func CircIDTypeFor(ours, theirs *rsa.PublicKey) CircIDType {
	if theirs == nil || ours == nil {
		return CircIDTypeNeither
	}
	if torcrypto.CompareRSAPublicKeys(ours, theirs) < 0 {
		return CircIDTypeLower
	}
	return CircIDTypeHigher
}

// maxCircIDAttempts bounds the random search for an unused circuit ID.
const maxCircIDAttempts = 64

// Errors returned by CircIDAllocator.
var (
	ErrNoCircIDType     = errors.New("circuit id type undetermined")
	ErrCircIDsExhausted = errors.New("could not find a free circuit id")
	ErrCircIDInUse      = errors.New("circuit id already in use")
	ErrCircIDUnknown    = errors.New("unknown circuit id")
	ErrZeroCircID       = errors.New("circuit id zero is reserved")
)

// GenerateCircID generates a random non-zero circuit ID with the given most
// significant bit.
func GenerateCircID(msb bool) CircID {
	for {
		x := binary.BigEndian.Uint16(torcrypto.Rand(2)) & 0x7fff
		if x == 0 {
			continue
		}
		if msb {
			x |= 0x8000
		}
		return CircID(x)
	}
}

// CircIDAllocator tracks the circuit IDs in use on one connection. The number
// of IDs in use is the connection's circuit count.
type CircIDAllocator struct {
	typ  CircIDType
	used map[CircID]struct{}
}

// NewCircIDAllocator builds an empty allocator with type CircIDTypeNeither.
func NewCircIDAllocator() *CircIDAllocator {
	return &CircIDAllocator{
		used: make(map[CircID]struct{}),
	}
}

// Type returns the allocator's circuit ID type.
func (a *CircIDAllocator) Type() CircIDType { return a.typ }

// SetType sets the half of the ID space new circuits are allocated from.
func (a *CircIDAllocator) SetType(t CircIDType) { a.typ = t }

// Allocate picks a fresh circuit ID and marks it used.
func (a *CircIDAllocator) Allocate() (CircID, error) {
	if a.typ == CircIDTypeNeither {
		return 0, ErrNoCircIDType
	}
	for i := 0; i < maxCircIDAttempts; i++ {
		id := GenerateCircID(a.typ == CircIDTypeHigher)
		if _, exists := a.used[id]; exists {
			continue
		}
		a.used[id] = struct{}{}
		return id, nil
	}
	return 0, ErrCircIDsExhausted
}

// Add marks an ID chosen by the peer as used.
func (a *CircIDAllocator) Add(id CircID) error {
	if id == 0 {
		return ErrZeroCircID
	}
	if _, exists := a.used[id]; exists {
		return ErrCircIDInUse
	}
	a.used[id] = struct{}{}
	return nil
}

// Release frees id.
func (a *CircIDAllocator) Release(id CircID) error {
	if _, exists := a.used[id]; !exists {
		return ErrCircIDUnknown
	}
	delete(a.used, id)
	return nil
}

// InUse reports whether id is allocated.
func (a *CircIDAllocator) InUse(id CircID) bool {
	_, exists := a.used[id]
	return exists
}

// Len returns the number of circuit IDs in use.
func (a *CircIDAllocator) Len() int {
	return len(a.used)
}
