package torconfig

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleTOML = `
[relay]
nickname = "JetpacksPlease"
address = "12.34.56.78"
orport = 9001
no_listen = true
data_directory = "/var/lib/orconn"

[bandwidth]
rate = "100 KBytes"
burst = "1 MB"
refill_interval = "50 msec"

[proxy]
https = "127.0.0.1:3128"
https_authenticator = "user:pass"

[network]
disable = true
`

func TestParseTOML(t *testing.T) {
	cfg, err := ParseTOML(exampleTOML)
	require.NoError(t, err)

	expect := Default()
	expect.Nickname = "JetpacksPlease"
	expect.Address = net.ParseIP("12.34.56.78")
	expect.ORPort = 9001
	expect.NoListen = true
	expect.DataDirectory = "/var/lib/orconn"
	expect.BandwidthRate = 102400
	expect.BandwidthBurst = 1 << 20
	expect.TokenBucketRefillInterval = 50 * time.Millisecond
	expect.HTTPSProxy = "127.0.0.1:3128"
	expect.HTTPSProxyAuthenticator = "user:pass"
	expect.DisableNetwork = true

	assert.Equal(t, expect, cfg)
}

func TestParseTOMLErrors(t *testing.T) {
	cases := []struct {
		Name  string
		Input string
	}{
		{"Syntax", "[relay\n"},
		{"Address", "[relay]\naddress = \"nope\"\n"},
		{"Rate", "[bandwidth]\nrate = \"ten\"\n"},
		{"Interval", "[bandwidth]\nrefill_interval = \"1 fortnight\"\n"},
	}
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			_, err := ParseTOML(c.Input)
			assert.Error(t, err)
		})
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "relay.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(exampleTOML), 0600))
	cfg, err := Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "JetpacksPlease", cfg.Nickname)

	torrcPath := filepath.Join(dir, "torrc")
	require.NoError(t, os.WriteFile(torrcPath, []byte("Nickname Other\n"), 0600))
	cfg, err = Load(torrcPath)
	require.NoError(t, err)
	assert.Equal(t, "Other", cfg.Nickname)
}
