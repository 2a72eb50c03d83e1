package torconfig

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrTorrcMissingArguments occurs if the parser finds a config line without
// arguments. Expect to see a keyword followed by one or more arguments.
var ErrTorrcMissingArguments = errors.New("expected arguments in torrc config line")

// optionHandler is a function that can populate/modify the passed config
// struct based on string argument(s).
type optionHandler func(*Config, string) error

// optionHandlers is a map from keywords (lowercased) to the associated
// handler. Used by ParseTorrc.
var optionHandlers = map[string]optionHandler{
	"nickname":                  nicknameHandler,
	"orport":                    orPortHandler,
	"contactinfo":               contactInfoHandler,
	"address":                   addressHandler,
	"datadirectory":             dataDirectoryHandler,
	"bandwidthrate":             bytesHandler(func(c *Config) *int64 { return &c.BandwidthRate }),
	"bandwidthburst":            bytesHandler(func(c *Config) *int64 { return &c.BandwidthBurst }),
	"perconnbwrate":             bytesHandler(func(c *Config) *int64 { return &c.PerConnBWRate }),
	"perconnbwburst":            bytesHandler(func(c *Config) *int64 { return &c.PerConnBWBurst }),
	"tokenbucketrefillinterval": refillIntervalHandler,
	"socks4proxy":               stringHandler(func(c *Config) *string { return &c.Socks4Proxy }),
	"socks5proxy":               stringHandler(func(c *Config) *string { return &c.Socks5Proxy }),
	"socks5proxyusername":       stringHandler(func(c *Config) *string { return &c.Socks5ProxyUsername }),
	"socks5proxypassword":       stringHandler(func(c *Config) *string { return &c.Socks5ProxyPassword }),
	"httpsproxy":                stringHandler(func(c *Config) *string { return &c.HTTPSProxy }),
	"httpsproxyauthenticator":   stringHandler(func(c *Config) *string { return &c.HTTPSProxyAuthenticator }),
	"disablenetwork":            disableNetworkHandler,
}

// ParseTorrc parses Config from the given reader (in torrc format). Options
// not present keep their defaults.
func ParseTorrc(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// skip blanks and comments
		if line == "" {
			continue
		}
		if line[0] == '#' {
			continue
		}

		// parse out keywords and arguments
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, ErrTorrcMissingArguments
		}
		keyword := strings.ToLower(parts[0])
		args := strings.TrimSpace(parts[1])

		// pass to handler, if any
		handler, ok := optionHandlers[keyword]
		if !ok {
			continue
		}

		err := handler(cfg, args)
		if err != nil {
			return nil, errors.Wrapf(err, "option %s", parts[0])
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseTorrcFile parses config from the given torrc file.
func ParseTorrcFile(path string) (cfg *Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open torrc")
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	return ParseTorrc(f)
}

// nicknameHandler parses the "Nickname" line.
func nicknameHandler(cfg *Config, args string) error {
	cfg.Nickname = args
	return nil
}

// orPortHandler parses the "ORPort" line: a port followed by optional
// NoListen and NoAdvertise flags.
func orPortHandler(cfg *Config, args string) error {
	fields := strings.Fields(args)
	port, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return err
	}
	cfg.ORPort = uint16(port)

	for _, flag := range fields[1:] {
		switch strings.ToLower(flag) {
		case "nolisten":
			cfg.NoListen = true
		case "noadvertise":
			cfg.NoAdvertise = true
		default:
			return errors.Errorf("unknown ORPort flag %q", flag)
		}
	}
	return nil
}

// addressHandler parses the "Address" line as an IP address.
func addressHandler(cfg *Config, args string) error {
	ip := net.ParseIP(args)
	if ip == nil {
		return errors.New("could not parse IP")
	}
	cfg.Address = ip
	return nil
}

// contactInfoHandler parses the "ContactInfo" line.
func contactInfoHandler(cfg *Config, args string) error {
	cfg.Contact = args
	return nil
}

func dataDirectoryHandler(cfg *Config, args string) error {
	cfg.DataDirectory = args
	return nil
}

func disableNetworkHandler(cfg *Config, args string) error {
	switch args {
	case "0":
		cfg.DisableNetwork = false
	case "1":
		cfg.DisableNetwork = true
	default:
		return errors.New("expected boolean 0 or 1")
	}
	return nil
}

func refillIntervalHandler(cfg *Config, args string) (err error) {
	cfg.TokenBucketRefillInterval, err = parseInterval(args)
	return
}

func stringHandler(field func(*Config) *string) optionHandler {
	return func(cfg *Config, args string) error {
		*field(cfg) = args
		return nil
	}
}

func bytesHandler(field func(*Config) *int64) optionHandler {
	return func(cfg *Config, args string) error {
		n, err := parseBytes(args)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

// parseBytes parses a string as a number of bytes. A bare number is taken to
// be bytes.
func parseBytes(s string) (int64, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 || len(parts) > 2 {
		return 0, errors.New("expected number and unit")
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative byte count")
	}
	if len(parts) == 1 {
		return n, nil
	}
	unit := strings.ToLower(parts[1])
	multBits, ok := unitToBits[unit]
	if !ok {
		return 0, errors.New("unknown unit")
	}
	return (n * multBits) / 8, nil
}

// Reference: https://github.com/torproject/tor/blob/e5c341eb7c1189985d903f708ce91516da7f0c76/doc/tor.1.txt#L208-L216
//
//	    With this option, and in other options that take arguments in bytes,
//	    KBytes, and so on, other formats are also supported. Notably, "KBytes" can
//	    also be written as "kilobytes" or "kb"; "MBytes" can be written as
//	    "megabytes" or "MB"; "kbits" can be written as "kilobits"; and so forth.
//	    Tor also accepts "byte" and "bit" in the singular.
//	    The prefixes "tera" and "T" are also recognized.
//	    If no units are given, we default to bytes.
//	    To avoid confusion, we recommend writing "bytes" or "bits" explicitly,
//	    since it's easy to forget that "B" means bytes, not bits.
//
var unitToBits = map[string]int64{
	"byte":      8,
	"bytes":     8,
	"bit":       1,
	"bits":      1,
	"kb":        8192,
	"kbytes":    8192,
	"kilobytes": 8192,
	"kbits":     1024,
	"kilobits":  1024,
	"mb":        8388608,
	"mbytes":    8388608,
	"megabytes": 8388608,
	"mbits":     1048576,
	"megabits":  1048576,
	"gb":        8589934592,
	"gbytes":    8589934592,
	"gigabytes": 8589934592,
	"gbits":     1073741824,
	"gigabits":  1073741824,
	"tb":        8796093022208,
	"tbytes":    8796093022208,
	"terabytes": 8796093022208,
	"tbits":     1099511627776,
	"terabits":  1099511627776,
}

var intervalUnits = map[string]time.Duration{
	"msec":         time.Millisecond,
	"msecs":        time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"sec":          time.Second,
	"secs":         time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"hour":         time.Hour,
	"hours":        time.Hour,
}

// parseInterval parses a millisecond-resolution interval. A bare number is
// taken to be milliseconds.
func parseInterval(s string) (time.Duration, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 || len(parts) > 2 {
		return 0, errors.New("expected number and unit")
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}
	unit := time.Millisecond
	if len(parts) == 2 {
		var ok bool
		unit, ok = intervalUnits[strings.ToLower(parts[1])]
		if !ok {
			return 0, errors.New("unknown unit")
		}
	}
	return time.Duration(n) * unit, nil
}
