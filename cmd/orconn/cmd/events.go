package cmd

import (
	"time"

	"github.com/mmcloughlin/orconn"
	"github.com/mmcloughlin/orconn/log"
)

// statusEvent is a connection status change.
type statusEvent struct {
	handle orconn.Handle
	status orconn.ConnStatus
	reason orconn.Reason
}

// logEvents logs connection events and forwards status changes to an
// optional channel. Sends never block the event loop.
type logEvents struct {
	status chan<- statusEvent
	logger log.Logger
}

func newLogEvents(status chan<- statusEvent, l log.Logger) *logEvents {
	return &logEvents{
		status: status,
		logger: log.ForComponent(l, "events"),
	}
}

func (e *logEvents) ConnStatus(c *orconn.Connection, status orconn.ConnStatus, reason orconn.Reason) {
	e.logger.With("conn", c.Handle(), "addr", c.Addr(), "status", status, "reason", reason).Info("connection status")
	if e.status == nil {
		return
	}
	select {
	case e.status <- statusEvent{handle: c.Handle(), status: status, reason: reason}:
	default:
		e.logger.Warn("dropped status event")
	}
}

func (e *logEvents) StateChanged(c *orconn.Connection, from, to orconn.State) {
	e.logger.With("conn", c.Handle(), "from", from.Tag(), "to", to.Tag()).Debug("state changed")
}

func (e *logEvents) ClockSkew(c *orconn.Connection, skew time.Duration) {
	e.logger.With("conn", c.Handle(), "addr", c.Addr(), "skew", skew).Warn("peer clock skewed")
}
