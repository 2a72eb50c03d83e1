// Package transport drives an orconn.Manager over real sockets. A Loop owns
// the goroutine the Manager runs on; TCP performs socket and TLS work on
// other goroutines and posts the results back to the Loop.
package transport

import (
	"context"
	"net/netip"
	"time"

	"github.com/mmcloughlin/orconn"
	"github.com/mmcloughlin/orconn/log"
	"github.com/pkg/errors"
)

// DefaultBadnessInterval is how often connections are reassessed for new
// circuits.
const DefaultBadnessInterval = time.Minute

// ErrLoopStopped is returned from Do once the loop has exited.
var ErrLoopStopped = errors.New("event loop stopped")

// Events are the Manager entry points the transport reports into.
type Events interface {
	AcceptConnection(addr netip.AddrPort) *orconn.Connection
	HandleConnected(h orconn.Handle)
	HandleTLSDone(h orconn.Handle, sess orconn.TLSSession)
	HandleRenegotiated(h orconn.Handle, sess orconn.TLSSession)
	HandleRead(h orconn.Handle, data []byte)
	HandleWritable(h orconn.Handle)
	HandleError(h orconn.Handle, err error)
}

// Manager is the part of orconn.Manager the loop drives.
type Manager interface {
	Events
	Tick(now time.Time)
	MarkBadConnections(digest *orconn.Fingerprint, force bool)
}

// Loop serializes every call into a Manager onto one goroutine.
type Loop struct {
	events chan func()
	done   chan struct{}

	refill  time.Duration
	badness time.Duration

	logger log.Logger
}

// NewLoop builds a loop ticking the token buckets every refill interval.
func NewLoop(refill time.Duration, l log.Logger) *Loop {
	return &Loop{
		events:  make(chan func(), 1024),
		done:    make(chan struct{}),
		refill:  refill,
		badness: DefaultBadnessInterval,
		logger:  log.ForComponent(l, "loop"),
	}
}

// Post schedules f to run on the loop. Posts after the loop has stopped are
// dropped.
func (l *Loop) Post(f func()) {
	select {
	case l.events <- f:
	case <-l.done:
	}
}

// Do runs f on the loop and waits for it to complete.
func (l *Loop) Do(ctx context.Context, f func()) error {
	ran := make(chan struct{})
	select {
	case l.events <- func() { f(); close(ran) }:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events for m until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, m Manager) error {
	defer close(l.done)

	refill := time.NewTicker(l.refill)
	defer refill.Stop()
	badness := time.NewTicker(l.badness)
	defer badness.Stop()

	l.logger.With("refill", l.refill).Info("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("event loop stopping")
			return ctx.Err()
		case f := <-l.events:
			f()
		case now := <-refill.C:
			m.Tick(now)
		case <-badness.C:
			m.MarkBadConnections(nil, false)
		}
	}
}
