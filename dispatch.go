package orconn

import (
	"github.com/mmcloughlin/orconn/proxy"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/pkg/errors"
)

// Output buffer watermarks. Below the low mark the Manager asks the
// CellSource for enough cells to reach the high mark.
const (
	outbufLowWater  = 16 * 1024
	outbufHighWater = 32 * 1024
)

// HandleRead delivers bytes read from h.
func (m *Manager) HandleRead(h Handle, data []byte) {
	c, ok := m.live(h)
	if !ok {
		return
	}

	now := m.now()
	c.bucket.DecrementRead(now, len(data))
	m.metrics.Inbound.Count(len(data))
	if c.bucket.Read(now) <= 0 && !c.readPaused {
		c.readPaused = true
		m.transport.PauseReading(c.handle, true)
	}

	c.inbuf.Write(data)

	switch c.state {
	case StateProxyHandshaking:
		m.processProxy(c)
	case StateTLSServerRenegotiating, StateORHandshakingV2, StateORHandshakingV3, StateOpen:
		m.processInbuf(c)
	default:
		m.closeWithError(c, ProtocolViolation(errors.Errorf("data received in state %s", c.state)))
	}
}

// processProxy feeds buffered bytes to the proxy handshake.
func (m *Manager) processProxy(c *Connection) {
	out, done, err := c.proxy.Step(c.inbuf)
	if err != nil {
		m.closeWithError(c, proxyFailure(err))
		return
	}
	if len(out) > 0 {
		m.writeRaw(c, out)
	}
	if !done {
		return
	}

	c.logger.Debug("proxy handshake complete")
	c.proxy = nil
	m.startTLS(c, true)
}

// proxyFailure classifies a failed proxy handshake. SOCKS5 replies say why
// the proxy could not reach the relay.
func proxyFailure(err error) *LinkError {
	e := TransportFailure(errors.Wrap(err, "proxy handshake failed"))
	var re *proxy.ReplyError
	if !errors.As(err, &re) {
		return e
	}
	e.Reason = ReasonMisc
	if re.Type != torconfig.ProxySOCKS5 {
		return e
	}
	switch re.Code {
	case 3, 4:
		e.Reason = ReasonNoRoute
	case 5:
		e.Reason = ReasonConnectRefused
	case 6:
		e.Reason = ReasonTimeout
	}
	return e
}

// processInbuf handles every complete cell in c's input buffer.
func (m *Manager) processInbuf(c *Connection) {
	for !c.marked {
		cell, err := FetchCell(c.inbuf, c.proto)
		if err == ErrNeedMoreData {
			return
		}
		if err != nil {
			m.closeWithError(c, ProtocolViolation(errors.Wrap(err, "could not fetch cell")))
			return
		}
		m.handleCell(c, cell)
	}
}

// handleCell routes one cell according to c's state.
func (m *Manager) handleCell(c *Connection, cell Cell) {
	h, ok := m.handlers[c.state]
	if !ok {
		m.closeWithError(c, ProtocolViolation(errors.Wrapf(ErrUnexpectedCommand, "%s in state %s", cell.Command(), c.state)))
		return
	}
	m.fail(c, h.HandleCell(c, cell))
}

// WriteCell queues a fixed-length cell on c.
func (m *Manager) WriteCell(c *Connection, cell *FixedCell) {
	if c.marked {
		return
	}
	m.writeCell(c, cell)
}

// WriteVarCell queues a variable-length cell on c.
func (m *Manager) WriteVarCell(c *Connection, cell *VarCell) {
	if c.marked {
		return
	}
	m.writeCell(c, cell)
}

func (m *Manager) writeCell(c *Connection, cell Cell) {
	if c.state == StateORHandshakingV3 && c.handshake != nil {
		c.handshake.Record(cell, false)
	}
	c.outbuf.Write(PackCell(cell))
	m.flush(c)
}

// writeRaw queues bytes that are not cells, such as proxy requests.
func (m *Manager) writeRaw(c *Connection, b []byte) {
	c.outbuf.Write(b)
	m.flush(c)
}

// flush writes as much of c's output as its write bucket allows. Open
// connections are topped up from the CellSource at most once per call, and
// only while the buffered and unconfirmed bytes are below the low mark.
func (m *Manager) flush(c *Connection) {
	if c.marked {
		return
	}
	if c.state == StateOpen && c.outbuf.Len()+c.inflight < outbufLowWater {
		m.pullCells(c)
	}

	n := c.outbuf.Len()
	if n == 0 {
		return
	}
	now := m.now()
	if avail := c.bucket.Write(now); int64(n) > avail {
		n = int(avail)
	}
	if n <= 0 {
		return
	}

	b := c.outbuf.Drain(n)
	c.bucket.DecrementWrite(now, n)
	c.inflight += n
	m.metrics.Outbound.Count(n)
	m.transport.Write(c.handle, b)
}

// pullCells refills c's output buffer from queued circuit cells up to the
// high mark.
func (m *Manager) pullCells(c *Connection) {
	want := (outbufHighWater - c.outbuf.Len() - c.inflight + FixedCellLength - 1) / FixedCellLength
	if want <= 0 {
		return
	}
	for _, cell := range m.deps.Source.Pull(c, want) {
		c.outbuf.Write(PackCell(cell))
	}
}

// HandleWritable reports the transport has written everything handed to it
// for h and can take more data.
func (m *Manager) HandleWritable(h Handle) {
	c, ok := m.live(h)
	if !ok {
		return
	}
	c.inflight = 0
	m.flush(c)
}
