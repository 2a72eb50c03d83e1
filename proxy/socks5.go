package proxy

import (
	"net/netip"

	"github.com/mmcloughlin/orconn/buf"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

// Errors from the SOCKS5 handshake.
var (
	ErrSOCKS5Version     = errors.New("socks5 reply has wrong version")
	ErrSOCKS5Method      = errors.New("socks5 proxy selected an unoffered method")
	ErrSOCKS5NoMethods   = errors.New("socks5 proxy accepts none of our authentication methods")
	ErrSOCKS5AuthFailed  = errors.New("socks5 username/password authentication failed")
	ErrSOCKS5AddressType = errors.New("socks5 reply has unknown address type")
)

// Reference: https://www.rfc-editor.org/rfc/rfc1928
const (
	socks5Version        = 5
	socks5CommandConnect = 1

	socks5MethodNone         = 0x00
	socks5MethodUserPass     = 0x02
	socks5MethodNoAcceptable = 0xff

	socks5UserPassVersion = 1

	socks5AddrIPv4   = 1
	socks5AddrDomain = 3
	socks5AddrIPv6   = 4
)

var socks5ReplyMessages = map[byte]string{
	1: "general SOCKS server failure",
	2: "connection not allowed by ruleset",
	3: "network unreachable",
	4: "host unreachable",
	5: "connection refused",
	6: "TTL expired",
	7: "command not supported",
	8: "address type not supported",
}

type socks5State uint8

const (
	socks5WantMethod socks5State = iota
	socks5WantAuth
	socks5WantConnect
)

type socks5 struct {
	target   netip.AddrPort
	username string
	password string
	state    socks5State
}

// NewSOCKS5 builds a SOCKS5 client connecting to target. Username/password
// authentication is offered when username is non-empty.
func NewSOCKS5(target netip.AddrPort, username, password string) Client {
	return &socks5{
		target:   target,
		username: username,
		password: password,
	}
}

// Start builds the method selection message.
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
//	| 1  |    1     | 1 to 255 |
//	+----+----------+----------+
//
func (s *socks5) Start() ([]byte, error) {
	methods := []byte{socks5MethodNone}
	if s.username != "" {
		methods = append(methods, socks5MethodUserPass)
	}

	var b cryptobyte.Builder
	b.AddUint8(socks5Version)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(methods)
	})
	return b.Bytes()
}

func (s *socks5) Step(in *buf.Buffer) ([]byte, bool, error) {
	switch s.state {
	case socks5WantMethod:
		return s.method(in)
	case socks5WantAuth:
		return s.auth(in)
	default:
		return s.connect(in)
	}
}

func (s *socks5) method(in *buf.Buffer) ([]byte, bool, error) {
	if in.Len() < 2 {
		return nil, false, nil
	}
	reply := in.Drain(2)
	if reply[0] != socks5Version {
		return nil, false, ErrSOCKS5Version
	}

	switch reply[1] {
	case socks5MethodNone:
		s.state = socks5WantConnect
		out, err := s.request()
		return out, false, err
	case socks5MethodUserPass:
		if s.username == "" {
			return nil, false, ErrSOCKS5Method
		}
		s.state = socks5WantAuth
		out, err := s.credentials()
		return out, false, err
	case socks5MethodNoAcceptable:
		return nil, false, ErrSOCKS5NoMethods
	}
	return nil, false, ErrSOCKS5Method
}

// credentials builds the username/password request.
//
// Reference: https://www.rfc-editor.org/rfc/rfc1929
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
func (s *socks5) credentials() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(socks5UserPassVersion)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s.username))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s.password))
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "could not encode socks5 credentials")
	}
	return out, nil
}

func (s *socks5) auth(in *buf.Buffer) ([]byte, bool, error) {
	if in.Len() < 2 {
		return nil, false, nil
	}
	reply := in.Drain(2)
	if reply[0] != socks5UserPassVersion || reply[1] != 0 {
		return nil, false, ErrSOCKS5AuthFailed
	}
	s.state = socks5WantConnect
	out, err := s.request()
	return out, false, err
}

// request builds the CONNECT request.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
//
func (s *socks5) request() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(socks5Version)
	b.AddUint8(socks5CommandConnect)
	b.AddUint8(0)
	addr := s.target.Addr().Unmap()
	if addr.Is4() {
		b.AddUint8(socks5AddrIPv4)
	} else {
		b.AddUint8(socks5AddrIPv6)
	}
	b.AddBytes(addr.AsSlice())
	b.AddUint16(s.target.Port())
	return b.Bytes()
}

// connect reads the reply to CONNECT. The bound address is discarded.
func (s *socks5) connect(in *buf.Buffer) ([]byte, bool, error) {
	head, ok := in.Peek(5)
	if !ok {
		return nil, false, nil
	}

	n := 4 + 2
	switch head[3] {
	case socks5AddrIPv4:
		n += 4
	case socks5AddrIPv6:
		n += 16
	case socks5AddrDomain:
		n += 1 + int(head[4])
	default:
		return nil, false, ErrSOCKS5AddressType
	}

	if in.Len() < n {
		return nil, false, nil
	}

	reply := cryptobyte.String(in.Drain(n))
	var ver, rep uint8
	if !reply.ReadUint8(&ver) || !reply.ReadUint8(&rep) {
		return nil, false, ErrSOCKS5Version
	}
	if ver != socks5Version {
		return nil, false, ErrSOCKS5Version
	}
	if rep != 0 {
		msg, ok := socks5ReplyMessages[rep]
		if !ok {
			msg = "unassigned reply"
		}
		return nil, false, &ReplyError{Type: torconfig.ProxySOCKS5, Code: int(rep), Msg: msg}
	}

	return nil, true, nil
}
