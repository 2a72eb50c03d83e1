package orconn

import (
	"testing"

	"github.com/mmcloughlin/orconn/buf"
	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackFixedCell(t *testing.T) {
	c := NewFixedCell(0x1234, Destroy)
	c.Body[0] = 7
	b := PackFixedCell(c)
	require.Len(t, b, FixedCellLength)
	assert.Equal(t, []byte{0x12, 0x34, 4, 7, 0}, b[:5])
}

func TestFixedCellRoundTrip(t *testing.T) {
	for trial := 0; trial < 32; trial++ {
		c := NewFixedCell(CircID(trial*1000), Relay)
		copy(c.Body[:], torcrypto.Rand(MaxPayloadLength))
		assert.Equal(t, c, UnpackFixedCell(PackFixedCell(c)))
	}
}

func TestPackVarCellHeader(t *testing.T) {
	c := &VarCell{Circ: 0, Cmd: Versions, Body: []byte{0, 3}}
	assert.Equal(t, []byte{0, 0, 7, 0, 2}, PackVarCellHeader(c))
	assert.Equal(t, []byte{0, 0, 7, 0, 2, 0, 3}, PackVarCell(c))
}

func TestFetchVarCellRoundTrip(t *testing.T) {
	c := &VarCell{Circ: 9, Cmd: Certs, Body: torcrypto.Rand(300)}
	b := buf.New()
	b.Write(PackVarCell(c))

	got, err := FetchVarCell(b, 3)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Equal(t, 0, b.Len())
}

func TestFetchVarCellIncremental(t *testing.T) {
	c := &VarCell{Cmd: Versions, Body: []byte{0, 3, 0, 4, 0, 5}}
	data := PackVarCell(c)
	b := buf.New()

	// Feed one byte at a time: every prefix is incomplete and nothing is
	// consumed until the final byte arrives.
	for i := 0; i < len(data)-1; i++ {
		b.Write(data[i : i+1])
		_, err := FetchVarCell(b, 0)
		require.Equal(t, ErrNeedMoreData, err)
		require.Equal(t, i+1, b.Len())
	}

	b.Write(data[len(data)-1:])
	got, err := FetchVarCell(b, 0)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestFetchVarCellNotVariable(t *testing.T) {
	b := buf.New()
	b.Write(PackFixedCell(NewFixedCell(1, Netinfo)))
	_, err := FetchVarCell(b, 3)
	assert.Equal(t, ErrNotVarCell, err)
	assert.Equal(t, FixedCellLength, b.Len())
}

func TestFetchCellMixed(t *testing.T) {
	b := buf.New()
	fixed := NewFixedCell(5, Padding)
	vc := &VarCell{Cmd: Vpadding, Body: []byte{1, 2, 3}}
	b.Write(PackCell(fixed))
	b.Write(PackCell(vc))

	c, err := FetchCell(b, 3)
	require.NoError(t, err)
	assert.Equal(t, fixed, c)

	c, err = FetchCell(b, 3)
	require.NoError(t, err)
	assert.Equal(t, vc, c)

	_, err = FetchCell(b, 3)
	assert.Equal(t, ErrNeedMoreData, err)
}

func TestFetchCellTruncatedFixed(t *testing.T) {
	b := buf.New()
	b.Write(PackFixedCell(NewFixedCell(5, Relay))[:100])
	_, err := FetchCell(b, 3)
	assert.Equal(t, ErrNeedMoreData, err)
	assert.Equal(t, 100, b.Len())
}

func TestIsVariableLength(t *testing.T) {
	cases := []struct {
		Cmd    Command
		Proto  LinkProtocolVersion
		Expect bool
	}{
		{Versions, 0, true},
		{Versions, 1, false},
		{Versions, 2, true},
		{Versions, 3, true},
		{Certs, 2, false},
		{Certs, 3, true},
		{Certs, 0, true},
		{Relay, 3, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.Expect, c.Cmd.IsVariableLength(c.Proto), "%s v%d", c.Cmd, c.Proto)
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "AUTH_CHALLENGE", AuthChallenge.String())
	assert.Equal(t, "Command(200)", Command(200).String())
}
