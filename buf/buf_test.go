package buf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsume(t *testing.T) {
	head, rest := Consume([]byte{1, 2, 3, 4}, 1)
	assert.Equal(t, []byte{1}, head)
	assert.Equal(t, []byte{2, 3, 4}, rest)
}

func TestBufferPeekDoesNotConsume(t *testing.T) {
	b := New()
	_, err := b.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	_, ok := b.Peek(4)
	assert.False(t, ok)
	assert.Equal(t, 3, b.Len())

	p, ok := b.Peek(2)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, p)
	assert.Equal(t, 3, b.Len())
}

func TestBufferDrain(t *testing.T) {
	b := New()
	b.Write([]byte{1, 2, 3})
	b.Write([]byte{4})

	assert.Equal(t, []byte{1, 2}, b.Drain(2))
	assert.Equal(t, []byte{3, 4}, b.Bytes())
	assert.Equal(t, []byte{3, 4}, b.Drain(10))
	assert.Equal(t, 0, b.Len())
}

func TestBufferDrainCopies(t *testing.T) {
	b := New()
	b.Write([]byte{1, 2, 3})
	out := b.Drain(1)
	b.Write([]byte{9})
	out[0] = 7
	assert.Equal(t, []byte{2, 3, 9}, b.Bytes())
}
