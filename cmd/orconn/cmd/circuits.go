package cmd

import (
	"github.com/mmcloughlin/orconn"
	"github.com/mmcloughlin/orconn/log"
)

// refuseCircuits answers every circuit creation request with DESTROY. The
// connection layer is served without a circuit layer behind it, so a peer's
// circuit ID is only held until the DESTROY is queued. Allocating IDs for
// circuits we originate is left to a real circuit layer.
type refuseCircuits struct {
	manager *orconn.Manager
	logger  log.Logger
}

func newRefuseCircuits(l log.Logger) *refuseCircuits {
	return &refuseCircuits{
		logger: log.ForComponent(l, "circuits"),
	}
}

func (r *refuseCircuits) ProcessCell(c *orconn.Connection, cell orconn.Cell) {
	l := r.logger.With("conn", c.Handle(), "circ", cell.CircID(), "cmd", cell.Command())
	switch cell.Command() {
	case orconn.Create, orconn.Create2, orconn.CreateFast:
		ids := c.Circuits()
		if err := ids.Add(cell.CircID()); err != nil {
			log.Warn(l, err, "dropping create cell")
			return
		}
		l.Info("refusing circuit")
		d := orconn.NewDestroyCell(cell.CircID(), orconn.CircuitErrorHibernating)
		r.manager.WriteCell(c, d.Cell())
		if err := ids.Release(cell.CircID()); err != nil {
			log.Err(l, err, "release circuit id")
		}
	case orconn.Destroy:
		d, err := orconn.ParseDestroyCell(cell)
		if err != nil {
			log.Err(l, err, "bad destroy cell")
			return
		}
		if c.Circuits().InUse(cell.CircID()) {
			_ = c.Circuits().Release(cell.CircID())
		}
		l.With("circuit_reason", d.Reason).Debug("peer destroyed circuit")
	default:
		l.Debug("dropping cell")
	}
}
