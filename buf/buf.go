// Package buf contains helpers for manipulating byte buffers.
package buf

// Consume n bytes of b and return the rest.
func Consume(b []byte, n int) ([]byte, []byte) {
	return b[:n], b[n:]
}

// Buffer is a FIFO byte queue. Readers inspect data with Peek and only remove
// it with Drain, so a partial read never loses bytes.
type Buffer struct {
	data []byte
}

// New builds an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Write appends p to the buffer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Peek returns the first n bytes without consuming them. The second return
// value is false if fewer than n bytes are buffered.
func (b *Buffer) Peek(n int) ([]byte, bool) {
	if n > len(b.data) {
		return nil, false
	}
	return b.data[:n], true
}

// Bytes returns all buffered bytes without consuming them.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Drain removes and returns the first n bytes. Draining more than Len bytes
// drains everything.
func (b *Buffer) Drain(n int) []byte {
	if n > len(b.data) {
		n = len(b.data)
	}
	head, rest := Consume(b.data, n)
	out := make([]byte, len(head))
	copy(out, head)
	if len(rest) == 0 {
		b.data = b.data[:0]
	} else {
		b.data = rest
	}
	return out
}

// Reset discards all buffered data.
func (b *Buffer) Reset() {
	b.data = nil
}
