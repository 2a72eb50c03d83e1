package orconn

import (
	"encoding/binary"

	"github.com/mmcloughlin/orconn/buf"
	"github.com/pkg/errors"
)

// MaxPayloadLength is the longest allowable cell payload.
//
// Reference: https://github.com/torproject/torspec/blob/4074b891e53e8df951fc596ac6758d74da290c60/tor-spec.txt#L65
//
//	   PAYLOAD_LEN -- The longest allowable cell payload, in bytes. (509)
//
const MaxPayloadLength = 509

// Wire sizes for link protocols 1 through 3, where circuit IDs are two bytes.
const (
	CircIDLength        = 2
	FixedCellLength     = CircIDLength + 1 + MaxPayloadLength
	VarCellHeaderLength = CircIDLength + 1 + 2
	MaxVarPayloadLength = 0xffff
)

// Errors returned when fetching cells from a buffer.
var (
	ErrNeedMoreData = errors.New("incomplete cell")
	ErrNotVarCell   = errors.New("not a variable-length cell")
)

// CircID is a circuit ID.
type CircID uint16

// Cell is either a *FixedCell or a *VarCell. Code processing cells switches
// over both concrete types.
type Cell interface {
	CircID() CircID
	Command() Command
	Payload() []byte

	isCell()
}

// FixedCell is a fixed-length cell with a MaxPayloadLength payload.
type FixedCell struct {
	Circ CircID
	Cmd  Command
	Body [MaxPayloadLength]byte
}

// NewFixedCell builds a fixed-size cell with a zero payload.
func NewFixedCell(circID CircID, cmd Command) *FixedCell {
	return &FixedCell{Circ: circID, Cmd: cmd}
}

// CircID returns the circuit ID from the cell.
func (c *FixedCell) CircID() CircID { return c.Circ }

// Command returns the cell command.
func (c *FixedCell) Command() Command { return c.Cmd }

// Payload returns the cell payload.
func (c *FixedCell) Payload() []byte { return c.Body[:] }

func (*FixedCell) isCell() {}

// VarCell is a variable-length cell.
type VarCell struct {
	Circ CircID
	Cmd  Command
	Body []byte
}

// NewVarCell builds a variable-length cell with an empty payload of size n.
func NewVarCell(circID CircID, cmd Command, n int) *VarCell {
	return &VarCell{
		Circ: circID,
		Cmd:  cmd,
		Body: make([]byte, n),
	}
}

// CircID returns the circuit ID from the cell.
func (c *VarCell) CircID() CircID { return c.Circ }

// Command returns the cell command.
func (c *VarCell) Command() Command { return c.Cmd }

// Payload returns the cell payload.
func (c *VarCell) Payload() []byte { return c.Body }

func (*VarCell) isCell() {}

// PackFixedCell serializes c into FixedCellLength wire bytes.
func PackFixedCell(c *FixedCell) []byte {
	// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L391-L404
	//
	//	   On a version 1 connection, each cell contains the following
	//	   fields:
	//
	//	        CircID                                [CIRCID_LEN bytes]
	//	        Command                               [1 byte]
	//	        Payload (padded with 0 bytes)         [PAYLOAD_LEN bytes]
	//
	b := make([]byte, FixedCellLength)
	binary.BigEndian.PutUint16(b, uint16(c.Circ))
	b[CircIDLength] = byte(c.Cmd)
	copy(b[CircIDLength+1:], c.Body[:])
	return b
}

// UnpackFixedCell parses a fixed cell. The caller guarantees b holds at least
// FixedCellLength bytes.
func UnpackFixedCell(b []byte) *FixedCell {
	c := &FixedCell{
		Circ: CircID(binary.BigEndian.Uint16(b)),
		Cmd:  Command(b[CircIDLength]),
	}
	copy(c.Body[:], b[CircIDLength+1:FixedCellLength])
	return c
}

// PackVarCellHeader serializes the header of c. The payload is written
// separately by the caller.
func PackVarCellHeader(c *VarCell) []byte {
	// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L399-L404
	//
	//	   On a version 2 or higher connection, all cells are as in version 1
	//	   connections, except for variable-length cells, whose format is:
	//
	//	        CircID                                [CIRCID_LEN octets]
	//	        Command                               [1 octet]
	//	        Length                                [2 octets; big-endian integer]
	//	        Payload                               [Length bytes]
	//
	hdr := make([]byte, VarCellHeaderLength)
	binary.BigEndian.PutUint16(hdr, uint16(c.Circ))
	hdr[CircIDLength] = byte(c.Cmd)
	binary.BigEndian.PutUint16(hdr[CircIDLength+1:], uint16(len(c.Body)))
	return hdr
}

// PackVarCell serializes header and payload of c.
func PackVarCell(c *VarCell) []byte {
	return append(PackVarCellHeader(c), c.Body...)
}

// PackCell serializes either kind of cell.
func PackCell(c Cell) []byte {
	switch c := c.(type) {
	case *FixedCell:
		return PackFixedCell(c)
	case *VarCell:
		return PackVarCell(c)
	default:
		panic("unreachable")
	}
}

// FetchVarCell removes one variable-length cell from b. If the next cell is
// incomplete it returns ErrNeedMoreData and leaves b untouched. If the next
// cell is not variable length on protocol v it returns ErrNotVarCell.
func FetchVarCell(b *buf.Buffer, v LinkProtocolVersion) (*VarCell, error) {
	hdr, ok := b.Peek(VarCellHeaderLength)
	if !ok {
		if cmd, ok := b.Peek(CircIDLength + 1); ok && !Command(cmd[CircIDLength]).IsVariableLength(v) {
			return nil, ErrNotVarCell
		}
		return nil, ErrNeedMoreData
	}

	cmd := Command(hdr[CircIDLength])
	if !cmd.IsVariableLength(v) {
		return nil, ErrNotVarCell
	}

	n := int(binary.BigEndian.Uint16(hdr[CircIDLength+1:]))
	if b.Len() < VarCellHeaderLength+n {
		return nil, ErrNeedMoreData
	}

	data := b.Drain(VarCellHeaderLength + n)
	return &VarCell{
		Circ: CircID(binary.BigEndian.Uint16(data)),
		Cmd:  cmd,
		Body: data[VarCellHeaderLength:],
	}, nil
}

// FetchCell removes one complete cell of either kind from b, or returns
// ErrNeedMoreData without consuming anything.
func FetchCell(b *buf.Buffer, v LinkProtocolVersion) (Cell, error) {
	c, err := FetchVarCell(b, v)
	switch {
	case err == nil:
		return c, nil
	case err != ErrNotVarCell:
		return nil, err
	}

	data, ok := b.Peek(FixedCellLength)
	if !ok {
		return nil, ErrNeedMoreData
	}
	cell := UnpackFixedCell(data)
	b.Drain(FixedCellLength)
	return cell, nil
}
