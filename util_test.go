package orconn

import (
	"crypto/rsa"
	"net/netip"
	"testing"
	"time"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/stretchr/testify/require"
)

func testIdentityKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := torcrypto.GenerateRSA()
	require.NoError(t, err)
	return k
}

func newTestTLSContext(t *testing.T) *TLSContext {
	t.Helper()
	ctx, err := NewTLSContext(testIdentityKey(t))
	require.NoError(t, err)
	return ctx
}

func testFingerprint(t *testing.T, ctx *TLSContext) Fingerprint {
	t.Helper()
	fp, err := FingerprintFromKey(&ctx.IDKey.PublicKey)
	require.NoError(t, err)
	return fp
}

type fakeDirectory struct {
	known  map[Fingerprint]netip.AddrPort
	params map[string]int64
}

func (d *fakeDirectory) IsKnownRelay(fp Fingerprint) bool {
	_, ok := d.known[fp]
	return ok
}

func (d *fakeDirectory) RelayAddress(fp Fingerprint) (netip.AddrPort, bool) {
	addr, ok := d.known[fp]
	return addr, ok
}

func (d *fakeDirectory) ConsensusParam(name string, def, min, max int64) int64 {
	if v, ok := d.params[name]; ok {
		return clamp(v, min, max)
	}
	return clamp(def, min, max)
}

// testClock is a manually advanced time source for a Manager.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) set(t time.Time) time.Time {
	c.t = t
	return t
}

func (c *testClock) advance(d time.Duration) time.Time {
	return c.set(c.t.Add(d))
}

// useClock drives n's Manager from a manual clock.
func (n *testNode) useClock() *testClock {
	clk := &testClock{t: time.Now()}
	n.m.now = clk.now
	return clk
}
