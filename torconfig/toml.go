package torconfig

import (
	"net"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// tomlConfig describes the TOML configuration. Sizes and intervals are
// strings in the same format torrc accepts.
type tomlConfig struct {
	Relay     relayConf
	Bandwidth bandwidthConf
	Proxy     proxyConf
	Network   networkConf
}

type relayConf struct {
	Nickname      string
	Address       string
	ORPort        uint16 `toml:"orport"`
	NoListen      bool   `toml:"no_listen"`
	NoAdvertise   bool   `toml:"no_advertise"`
	Contact       string
	DataDirectory string `toml:"data_directory"`
}

type bandwidthConf struct {
	Rate           string
	Burst          string
	PerConnRate    string `toml:"per_conn_rate"`
	PerConnBurst   string `toml:"per_conn_burst"`
	RefillInterval string `toml:"refill_interval"`
}

type proxyConf struct {
	Socks4             string
	Socks5             string
	Socks5Username     string `toml:"socks5_username"`
	Socks5Password     string `toml:"socks5_password"`
	HTTPS              string `toml:"https"`
	HTTPSAuthenticator string `toml:"https_authenticator"`
}

type networkConf struct {
	Disable bool
}

// ParseTOML parses Config from TOML data.
func ParseTOML(data string) (*Config, error) {
	var conf tomlConfig
	if _, err := toml.Decode(data, &conf); err != nil {
		return nil, errors.Wrap(err, "could not decode toml")
	}
	return conf.config()
}

// ParseTOMLFile parses Config from a TOML file.
func ParseTOMLFile(path string) (*Config, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, errors.Wrap(err, "could not decode toml")
	}
	return conf.config()
}

// Load parses a configuration file, choosing the format by extension: ".toml"
// files are TOML and everything else is torrc.
func Load(path string) (*Config, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOMLFile(path)
	}
	return ParseTorrcFile(path)
}

func (t tomlConfig) config() (*Config, error) {
	cfg := Default()

	cfg.Nickname = t.Relay.Nickname
	cfg.ORPort = t.Relay.ORPort
	cfg.NoListen = t.Relay.NoListen
	cfg.NoAdvertise = t.Relay.NoAdvertise
	cfg.Contact = t.Relay.Contact
	cfg.DataDirectory = t.Relay.DataDirectory
	if t.Relay.Address != "" {
		cfg.Address = net.ParseIP(t.Relay.Address)
		if cfg.Address == nil {
			return nil, errors.New("relay.address: could not parse IP")
		}
	}

	sizes := []struct {
		name  string
		value string
		dst   *int64
	}{
		{"bandwidth.rate", t.Bandwidth.Rate, &cfg.BandwidthRate},
		{"bandwidth.burst", t.Bandwidth.Burst, &cfg.BandwidthBurst},
		{"bandwidth.per_conn_rate", t.Bandwidth.PerConnRate, &cfg.PerConnBWRate},
		{"bandwidth.per_conn_burst", t.Bandwidth.PerConnBurst, &cfg.PerConnBWBurst},
	}
	for _, s := range sizes {
		if s.value == "" {
			continue
		}
		n, err := parseBytes(s.value)
		if err != nil {
			return nil, errors.Wrap(err, s.name)
		}
		*s.dst = n
	}

	if t.Bandwidth.RefillInterval != "" {
		d, err := parseInterval(t.Bandwidth.RefillInterval)
		if err != nil {
			return nil, errors.Wrap(err, "bandwidth.refill_interval")
		}
		cfg.TokenBucketRefillInterval = d
	}

	cfg.Socks4Proxy = t.Proxy.Socks4
	cfg.Socks5Proxy = t.Proxy.Socks5
	cfg.Socks5ProxyUsername = t.Proxy.Socks5Username
	cfg.Socks5ProxyPassword = t.Proxy.Socks5Password
	cfg.HTTPSProxy = t.Proxy.HTTPS
	cfg.HTTPSProxyAuthenticator = t.Proxy.HTTPSAuthenticator

	cfg.DisableNetwork = t.Network.Disable

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
