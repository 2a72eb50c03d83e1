package torconfig

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ExampleConfig_ORAddr() {
	c := Config{
		Address: net.IPv4(13, 37, 0, 1),
		ORPort:  9001,
	}
	addr := c.ORAddr()
	fmt.Println(addr)
	// Output:
	// 13.37.0.1:9001
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestConfigProxy(t *testing.T) {
	c := Default()
	typ, addr := c.Proxy()
	assert.Equal(t, ProxyNone, typ)
	assert.Equal(t, "", addr)

	c.Socks4Proxy = "10.0.0.1:1080"
	typ, addr = c.Proxy()
	assert.Equal(t, ProxySOCKS4, typ)
	assert.Equal(t, "10.0.0.1:1080", addr)
	assert.Equal(t, "socks4", typ.String())
}

func TestConfigIsServer(t *testing.T) {
	c := Default()
	assert.False(t, c.IsServer())
	c.ORPort = 9001
	assert.True(t, c.IsServer())
}
