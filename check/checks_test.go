package check

import (
	"bytes"
	"testing"

	"github.com/mmcloughlin/orconn/log"
	"github.com/stretchr/testify/assert"
)

type closer struct {
	err    error
	closed bool
}

func (c *closer) Close() error {
	c.closed = true
	return c.err
}

func TestClose(t *testing.T) {
	var buf bytes.Buffer
	l := log.NewTerminal(&buf, log.LevelDebug)

	ok := &closer{}
	Close(l, ok)
	assert.True(t, ok.closed)
	assert.Empty(t, buf.String())

	Close(l, &closer{err: assert.AnError})
	assert.Contains(t, buf.String(), "close failed")
}

func TestBugDoesNotPanic(t *testing.T) {
	var buf bytes.Buffer
	assert.NotPanics(t, func() {
		Bug(log.NewTerminal(&buf, log.LevelDebug), "impossible", "key", "value")
	})
	assert.Contains(t, buf.String(), "bug=true")
	assert.Contains(t, buf.String(), "key=value")
}
