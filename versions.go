package orconn

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

// ErrVersionsCellOddLength is returned for a VERSIONS payload that is not a
// whole number of versions.
var ErrVersionsCellOddLength = errors.New("versions cell with odd length")

// VersionsCell is a VERSIONS cell: the link protocols its sender speaks.
//
// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L521-L530
//
//	   The payload in a VERSIONS cell is a series of big-endian two-byte
//	   integers.  [...]  Either party MUST
//	   close the connection if the versions cell is not well-formed (for example,
//	   if it contains an odd number of bytes).
//
type VersionsCell struct {
	SupportedVersions []LinkProtocolVersion
}

// ParseVersionsCell decodes a VERSIONS cell.
func ParseVersionsCell(c Cell) (*VersionsCell, error) {
	if c.Command() != Versions {
		return nil, ErrUnexpectedCommand
	}

	s := cryptobyte.String(c.Payload())
	if len(s)%2 != 0 {
		return nil, ErrVersionsCellOddLength
	}

	v := &VersionsCell{
		SupportedVersions: make([]LinkProtocolVersion, 0, len(s)/2),
	}
	for !s.Empty() {
		var n uint16
		s.ReadUint16(&n)
		v.SupportedVersions = append(v.SupportedVersions, LinkProtocolVersion(n))
	}
	return v, nil
}

// Cell builds the variable-length cell. VERSIONS cells always carry circuit
// ID 0 and a two-byte circuit ID field.
func (v VersionsCell) Cell() *VarCell {
	var b cryptobyte.Builder
	for _, version := range v.SupportedVersions {
		b.AddUint16(uint16(version))
	}
	return &VarCell{Cmd: Versions, Body: b.BytesOrPanic()}
}
