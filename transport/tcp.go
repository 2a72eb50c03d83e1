package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/mmcloughlin/orconn"
	"github.com/mmcloughlin/orconn/log"
	"github.com/mmcloughlin/orconn/telemetry"
	"github.com/pkg/errors"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// Defaults for socket operations.
const (
	DefaultDialTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 60 * time.Second

	readBufferSize = 16 * 1024
)

// Errors reported by the TCP transport.
var (
	ErrRenegotiationUnsupported = errors.New("tls renegotiation not supported")
	ErrUnknownHandle            = errors.New("unknown connection handle")
)

// TCP is an orconn.Transport over TCP sockets and crypto/tls.
type TCP struct {
	loop   *Loop
	events Events
	tls    *orconn.TLSContext

	mu      sync.Mutex
	conns   map[orconn.Handle]*conn
	pending *conn

	dialer    net.Dialer
	handshake time.Duration

	goroutines *telemetry.Resource
	dials      tally.Counter
	accepts    tally.Counter

	logger log.Logger
}

// NewTCP builds a transport posting events to loop. Bind must be called
// before any connection is made.
func NewTCP(loop *Loop, tlsCtx *orconn.TLSContext, scope tally.Scope, l log.Logger) *TCP {
	l = log.ForComponent(l, "transport")
	return &TCP{
		loop:       loop,
		tls:        tlsCtx,
		conns:      make(map[orconn.Handle]*conn),
		dialer:     net.Dialer{Timeout: DefaultDialTimeout},
		handshake:  DefaultHandshakeTimeout,
		goroutines: telemetry.NewResource(scope, l, "transport_goroutines"),
		dials:      scope.Counter("dials"),
		accepts:    scope.Counter("accepts"),
		logger:     l,
	}
}

// Bind sets where events are delivered.
func (t *TCP) Bind(e Events) {
	t.events = e
}

// conn is the socket state of one connection.
type conn struct {
	h      orconn.Handle
	nc     net.Conn
	tc     *tls.Conn
	logger log.Logger

	initiator    *atomic.Bool
	tlsRequested *atomic.Bool
	closed       *atomic.Bool
	paused       *atomic.Bool
	resume       chan struct{}
	done         chan struct{}
	closeOnce    sync.Once

	wmu     sync.Mutex
	wcond   *sync.Cond
	pending [][]byte
}

func newConn(h orconn.Handle, l log.Logger) *conn {
	c := &conn{
		h:            h,
		logger:       l.With("handle", h),
		initiator:    atomic.NewBool(false),
		tlsRequested: atomic.NewBool(false),
		closed:       atomic.NewBool(false),
		paused:       atomic.NewBool(false),
		resume:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	c.wcond = sync.NewCond(&c.wmu)
	return c
}

// stream returns the TLS connection once it exists, otherwise the socket.
func (c *conn) stream() net.Conn {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.tc != nil {
		return c.tc
	}
	return c.nc
}

func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.wmu.Lock()
		c.wcond.Broadcast()
		nc := c.nc
		c.wmu.Unlock()
		if nc != nil {
			err = nc.Close()
		}
	})
	return err
}

func (t *TCP) lookup(h orconn.Handle) (*conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[h]
	return c, ok
}

func (t *TCP) forget(h orconn.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, h)
}

func (t *TCP) goroutine(f func()) {
	t.goroutines.Acquire()
	go func() {
		defer t.goroutines.Release()
		f()
	}()
}

// Dial implements orconn.Transport.
func (t *TCP) Dial(h orconn.Handle, addr string) {
	c := newConn(h, t.logger)
	t.mu.Lock()
	t.conns[h] = c
	t.mu.Unlock()
	t.dials.Inc(1)

	t.goroutine(func() {
		nc, err := t.dialer.Dial("tcp", addr)
		if err != nil {
			t.loop.Post(func() { t.events.HandleError(h, errors.Wrap(err, "dial failed")) })
			return
		}
		t.run(c, nc, func() { t.events.HandleConnected(h) })
	})
}

// Listen accepts connections on addr until ctx is cancelled.
func (t *TCP) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "could not create listener")
	}
	t.logger.With("laddr", ln.Addr()).Info("listening")
	return t.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled.
func (t *TCP) Serve(ctx context.Context, ln net.Listener) error {
	t.goroutine(func() {
		<-ctx.Done()
		_ = ln.Close()
	})

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "error accepting connection")
		}
		t.accepts.Inc(1)

		addr, err := netip.ParseAddrPort(nc.RemoteAddr().String())
		if err != nil {
			log.Warn(t.logger, err, "could not parse remote address")
			_ = nc.Close()
			continue
		}

		c := newConn(0, t.logger)
		t.goroutine(func() {
			t.run(c, nc, func() { t.adopt(c, addr) })
		})
	}
}

// adopt registers an accepted socket with the Manager. Runs on the loop; the
// Manager starts TLS synchronously, which claims the pending conn.
func (t *TCP) adopt(c *conn, addr netip.AddrPort) {
	t.mu.Lock()
	t.pending = c
	t.mu.Unlock()

	t.events.AcceptConnection(addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == c {
		t.pending = nil
		c.logger.Warn("accepted connection was never claimed")
		_ = c.close()
	}
}

// run drives one socket: it reports the connection, relays raw bytes while a
// proxy handshake is in progress, then performs TLS and reads cells.
func (t *TCP) run(c *conn, nc net.Conn, connected func()) {
	c.wmu.Lock()
	c.nc = nc
	c.wmu.Unlock()
	if c.closed.Load() {
		_ = nc.Close()
		return
	}
	t.goroutine(func() { t.writeLoop(c) })

	if err := t.loop.Do(context.Background(), connected); err != nil {
		_ = c.close()
		return
	}

	buf := make([]byte, readBufferSize)
	for !c.tlsRequested.Load() {
		if c.closed.Load() {
			return
		}
		n, err := nc.Read(buf)
		if n > 0 {
			data := append([]byte{}, buf[:n]...)
			if derr := t.loop.Do(context.Background(), func() { t.events.HandleRead(c.h, data) }); derr != nil {
				_ = c.close()
				return
			}
		}
		if err != nil {
			t.fail(c, errors.Wrap(err, "read failed"))
			return
		}
	}

	t.handshakeAndRead(c)
}

// fail reports err on c unless it has already been closed.
func (t *TCP) fail(c *conn, err error) {
	if c.closed.Load() {
		return
	}
	t.loop.Post(func() { t.events.HandleError(c.h, err) })
}

func (t *TCP) tlsConfig(kl *keyLog) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{t.tls.Certificate(false)},
		ClientAuth:         tls.RequestClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		KeyLogWriter:       kl,
	}
}

func (t *TCP) handshakeAndRead(c *conn) {
	kl := &keyLog{}
	initiator := c.initiator.Load()
	rec := newRecorder(c.nc, initiator)

	cfg := t.tlsConfig(kl)
	var tc *tls.Conn
	if initiator {
		cfg.Certificates = nil
		tc = tls.Client(rec, cfg)
	} else {
		tc = tls.Server(rec, cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.handshake)
	err := tc.HandshakeContext(ctx)
	cancel()
	rec.Stop()
	if err != nil {
		t.fail(c, errors.Wrap(err, "tls handshake failed"))
		return
	}

	c.wmu.Lock()
	c.tc = tc
	c.wmu.Unlock()

	sess := newSession(tc, rec, kl)
	c.logger.With("peer_certs", len(sess.peer)).Debug("tls handshake complete")
	t.loop.Post(func() { t.events.HandleTLSDone(c.h, sess) })

	buf := make([]byte, readBufferSize)
	for {
		if c.paused.Load() {
			select {
			case <-c.resume:
				continue
			case <-c.done:
				return
			}
		}

		n, err := tc.Read(buf)
		if n > 0 {
			data := append([]byte{}, buf[:n]...)
			t.loop.Post(func() { t.events.HandleRead(c.h, data) })
		}
		if err != nil {
			t.fail(c, errors.Wrap(err, "read failed"))
			return
		}
	}
}

// writeLoop sends queued data in order, reporting when the queue drains.
func (t *TCP) writeLoop(c *conn) {
	for {
		c.wmu.Lock()
		for len(c.pending) == 0 && !c.closed.Load() {
			c.wcond.Wait()
		}
		if c.closed.Load() {
			c.wmu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.wmu.Unlock()

		w := c.stream()
		for _, b := range batch {
			if _, err := w.Write(b); err != nil {
				t.fail(c, errors.Wrap(err, "write failed"))
				return
			}
		}

		c.wmu.Lock()
		drained := len(c.pending) == 0
		c.wmu.Unlock()
		if drained {
			t.loop.Post(func() { t.events.HandleWritable(c.h) })
		}
	}
}

// StartTLS implements orconn.Transport.
func (t *TCP) StartTLS(h orconn.Handle, initiator bool) {
	t.mu.Lock()
	c, ok := t.conns[h]
	if !ok && t.pending != nil {
		c, ok = t.pending, true
		t.pending = nil
		c.h = h
		c.logger = c.logger.With("handle", h)
		t.conns[h] = c
	}
	t.mu.Unlock()
	if !ok {
		t.logger.With("handle", h).Warn("start tls on unknown connection")
		return
	}
	c.initiator.Store(initiator)
	c.tlsRequested.Store(true)
}

// Renegotiate implements orconn.Transport. crypto/tls cannot initiate a
// renegotiation, so the connection fails.
func (t *TCP) Renegotiate(h orconn.Handle) {
	t.loop.Post(func() { t.events.HandleError(h, ErrRenegotiationUnsupported) })
}

// Write implements orconn.Transport.
func (t *TCP) Write(h orconn.Handle, b []byte) {
	c, ok := t.lookup(h)
	if !ok {
		return
	}
	c.wmu.Lock()
	c.pending = append(c.pending, b)
	c.wcond.Signal()
	c.wmu.Unlock()
}

// PauseReading implements orconn.Transport.
func (t *TCP) PauseReading(h orconn.Handle, paused bool) {
	c, ok := t.lookup(h)
	if !ok {
		return
	}
	c.paused.Store(paused)
	if !paused {
		select {
		case c.resume <- struct{}{}:
		default:
		}
	}
}

// Close implements orconn.Transport. Unknown handles are ignored.
func (t *TCP) Close(h orconn.Handle) {
	c, ok := t.lookup(h)
	if !ok {
		return
	}
	t.forget(h)
	if err := c.close(); err != nil {
		c.logger.With("err", err).Debug("close failed")
	}
}

// Shutdown closes every connection.
func (t *TCP) Shutdown() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[orconn.Handle]*conn)
	t.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.close())
	}
	return err
}
