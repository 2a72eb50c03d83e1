package torconfig

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config encapsulates configuration options for an onion router's link layer.
type Config struct {
	Nickname string
	Address  net.IP
	ORPort   uint16
	Platform string
	Contact  string

	// NoListen and NoAdvertise are flags on the ORPort line. They are
	// independent: a relay may advertise a port it does not bind, or bind one
	// it does not advertise.
	NoListen    bool
	NoAdvertise bool

	DataDirectory string

	// Bandwidth limits in bytes per second. Zero per-connection values mean
	// "use the consensus parameter".
	BandwidthRate             int64
	BandwidthBurst            int64
	PerConnBWRate             int64
	PerConnBWBurst            int64
	TokenBucketRefillInterval time.Duration

	Socks4Proxy             string
	Socks5Proxy             string
	Socks5ProxyUsername     string
	Socks5ProxyPassword     string
	HTTPSProxy              string
	HTTPSProxyAuthenticator string

	DisableNetwork bool
}

// Defaults.
//
// Reference: https://github.com/torproject/tor/blob/e5c341eb7c1189985d903f708ce91516da7f0c76/src/or/config.c#L169-L170
//
//	  V(BandwidthBurst,              MEMUNIT,  "1 GB"),
//	  V(BandwidthRate,               MEMUNIT,  "1 GB"),
//
const (
	DefaultBandwidthRate             = 1 << 30
	DefaultBandwidthBurst            = 1 << 30
	DefaultTokenBucketRefillInterval = 100 * time.Millisecond
)

// Default returns a Config with default values filled in.
func Default() *Config {
	return &Config{
		BandwidthRate:             DefaultBandwidthRate,
		BandwidthBurst:            DefaultBandwidthBurst,
		TokenBucketRefillInterval: DefaultTokenBucketRefillInterval,
	}
}

// ORAddr returns the address the OR port listens on.
func (c *Config) ORAddr() string {
	host := ""
	if c.Address != nil {
		host = c.Address.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(c.ORPort)))
}

// IsServer reports whether we accept OR connections.
func (c *Config) IsServer() bool {
	return c.ORPort != 0
}

// ProxyType identifies the kind of proxy outgoing OR connections go through.
type ProxyType uint8

// Supported proxy types.
const (
	ProxyNone ProxyType = iota
	ProxySOCKS4
	ProxySOCKS5
	ProxyHTTPS
)

func (t ProxyType) String() string {
	switch t {
	case ProxySOCKS4:
		return "socks4"
	case ProxySOCKS5:
		return "socks5"
	case ProxyHTTPS:
		return "https"
	default:
		return "none"
	}
}

// Proxy returns the configured proxy type and its address.
func (c *Config) Proxy() (ProxyType, string) {
	switch {
	case c.HTTPSProxy != "":
		return ProxyHTTPS, c.HTTPSProxy
	case c.Socks4Proxy != "":
		return ProxySOCKS4, c.Socks4Proxy
	case c.Socks5Proxy != "":
		return ProxySOCKS5, c.Socks5Proxy
	}
	return ProxyNone, ""
}

// Validation errors.
var (
	ErrBurstBelowRate          = errors.New("BandwidthBurst must be at least equal to BandwidthRate")
	ErrMultipleProxies         = errors.New("more than one proxy type configured")
	ErrSocks5CredentialsPair   = errors.New("Socks5ProxyUsername and Socks5ProxyPassword must be set together")
	ErrSocks5CredentialsLength = errors.New("Socks5ProxyUsername and Socks5ProxyPassword must be 1 to 255 bytes")
	ErrAuthenticatorTooLong    = errors.New("HTTPSProxyAuthenticator is too long")
	ErrRefillInterval          = errors.New("TokenBucketRefillInterval must be between 1 and 1000 msec")
)

// Validate checks c for inconsistent options.
func (c *Config) Validate() error {
	if c.BandwidthBurst < c.BandwidthRate {
		return ErrBurstBelowRate
	}

	n := 0
	for _, p := range []string{c.Socks4Proxy, c.Socks5Proxy, c.HTTPSProxy} {
		if p != "" {
			n++
		}
	}
	if n > 1 {
		return ErrMultipleProxies
	}

	if (c.Socks5ProxyUsername == "") != (c.Socks5ProxyPassword == "") {
		return ErrSocks5CredentialsPair
	}
	if len(c.Socks5ProxyUsername) > 255 || len(c.Socks5ProxyPassword) > 255 {
		return ErrSocks5CredentialsLength
	}

	if len(c.HTTPSProxyAuthenticator) >= 512 {
		return ErrAuthenticatorTooLong
	}

	if c.TokenBucketRefillInterval < time.Millisecond || c.TokenBucketRefillInterval > time.Second {
		return ErrRefillInterval
	}

	return nil
}
