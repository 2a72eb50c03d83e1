package telemetry

import (
	"io"

	"github.com/uber-go/tally"
)

// Bandwidth counts bytes passing through a connection.
type Bandwidth struct {
	c tally.Counter
}

// NewBandwidth builds a Bandwidth reporting to c.
func NewBandwidth(c tally.Counter) *Bandwidth {
	return &Bandwidth{
		c: c,
	}
}

// Count records n bytes.
func (b *Bandwidth) Count(n int) {
	if n > 0 {
		b.c.Inc(int64(n))
	}
}

// Write counts d. It never fails, so Bandwidth can sit on the side of an
// io.MultiWriter or io.TeeReader.
func (b *Bandwidth) Write(d []byte) (int, error) {
	b.Count(len(d))
	return len(d), nil
}

// WrapReader returns a reader that counts everything read from r.
func (b *Bandwidth) WrapReader(r io.Reader) io.Reader {
	return io.TeeReader(r, b)
}

// WrapWriter returns a writer that counts everything written to w.
func (b *Bandwidth) WrapWriter(w io.Writer) io.Writer {
	return io.MultiWriter(w, b)
}
