// Package proxy implements the client side of proxy handshakes used to reach
// relays through a local SOCKS or HTTP proxy.
//
// Clients do no I/O themselves. The caller sends the bytes returned from
// Start, then feeds every chunk the proxy sends back into Step until it
// reports the tunnel is open.
package proxy

import (
	"fmt"
	"net/netip"

	"github.com/mmcloughlin/orconn/buf"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/pkg/errors"
)

// Client is a proxy handshake in progress.
type Client interface {
	// Start returns the bytes to send once the TCP connection to the proxy is
	// up.
	Start() ([]byte, error)

	// Step consumes proxy replies from in. It returns bytes to send in
	// response, and done once the tunnel to the target is established.
	// Incomplete replies are left in the buffer.
	Step(in *buf.Buffer) (out []byte, done bool, err error)
}

// ErrUnsupportedType is returned from New for proxy types without a client.
var ErrUnsupportedType = errors.New("unsupported proxy type")

// New builds a client for the proxy type to reach target, taking credentials
// from cfg.
func New(t torconfig.ProxyType, target netip.AddrPort, cfg *torconfig.Config) (Client, error) {
	switch t {
	case torconfig.ProxySOCKS4:
		return NewSOCKS4(target, ""), nil
	case torconfig.ProxySOCKS5:
		return NewSOCKS5(target, cfg.Socks5ProxyUsername, cfg.Socks5ProxyPassword), nil
	case torconfig.ProxyHTTPS:
		return NewHTTPConnect(target, cfg.HTTPSProxyAuthenticator), nil
	}
	return nil, errors.Wrap(ErrUnsupportedType, t.String())
}

// ReplyError is returned when a proxy refuses to open the tunnel.
type ReplyError struct {
	Type torconfig.ProxyType
	Code int
	Msg  string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s proxy refused connection: %s (code %d)", e.Type, e.Msg, e.Code)
}
