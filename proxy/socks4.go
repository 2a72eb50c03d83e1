package proxy

import (
	"encoding/binary"
	"net/netip"

	"github.com/mmcloughlin/orconn/buf"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/pkg/errors"
)

// ErrSOCKS4Address is returned when asked to reach a non-IPv4 target over
// SOCKS4.
var ErrSOCKS4Address = errors.New("socks4 can only reach IPv4 addresses")

// SOCKS4 protocol constants.
const (
	socks4Version        = 4
	socks4CommandConnect = 1
	socks4ReplyLength    = 8
	socks4Granted        = 90
)

var socks4ReplyMessages = map[byte]string{
	91: "request rejected or failed",
	92: "identd unreachable",
	93: "identd reported a different user id",
}

type socks4 struct {
	target netip.AddrPort
	userID string
}

// NewSOCKS4 builds a SOCKS4 client connecting to target.
func NewSOCKS4(target netip.AddrPort, userID string) Client {
	return &socks4{
		target: target,
		userID: userID,
	}
}

// Start builds the CONNECT request.
//
//	+----+----+----+----+----+----+----+----+----+----+....+----+
//	| VN | CD | DSTPORT |      DSTIP        | USERID       |NULL|
//	+----+----+----+----+----+----+----+----+----+----+....+----+
//	   1    1      2              4           variable       1
//
func (s *socks4) Start() ([]byte, error) {
	addr := s.target.Addr().Unmap()
	if !addr.Is4() {
		return nil, ErrSOCKS4Address
	}
	ip := addr.As4()

	b := make([]byte, 0, 9+len(s.userID))
	b = append(b, socks4Version, socks4CommandConnect)
	b = binary.BigEndian.AppendUint16(b, s.target.Port())
	b = append(b, ip[:]...)
	b = append(b, s.userID...)
	b = append(b, 0)
	return b, nil
}

func (s *socks4) Step(in *buf.Buffer) ([]byte, bool, error) {
	if in.Len() < socks4ReplyLength {
		return nil, false, nil
	}
	reply := in.Drain(socks4ReplyLength)

	if reply[1] != socks4Granted {
		msg, ok := socks4ReplyMessages[reply[1]]
		if !ok {
			msg = "unknown reply"
		}
		return nil, false, &ReplyError{Type: torconfig.ProxySOCKS4, Code: int(reply[1]), Msg: msg}
	}

	return nil, true, nil
}
