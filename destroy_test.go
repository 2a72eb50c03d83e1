package orconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestroyCellRoundTrip(t *testing.T) {
	d := NewDestroyCell(0x0abc, CircuitErrorORIdentity)
	b := PackFixedCell(d.Cell())
	assert.Equal(t, []byte{0x0a, 0xbc, 4, 7}, b[:4])

	got, err := ParseDestroyCell(UnpackFixedCell(b))
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestParseDestroyCellErrors(t *testing.T) {
	_, err := ParseDestroyCell(&VarCell{Cmd: Destroy})
	assert.Equal(t, ErrShortCellPayload, err)

	_, err = ParseDestroyCell(NewFixedCell(1, Padding))
	assert.Equal(t, ErrUnexpectedCommand, err)
}
