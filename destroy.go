package orconn

// CircuitErrorCode is a reason for closing a circuit.
type CircuitErrorCode byte

// Reference: https://github.com/torproject/torspec/blob/4074b891e53e8df951fc596ac6758d74da290c60/tor-spec.txt#L1337-L1356
//
//	   The error codes are:
//
//	     0 -- NONE            (No reason given.)
//	     1 -- PROTOCOL        (Tor protocol violation.)
//	     2 -- INTERNAL        (Internal error.)
//	     3 -- REQUESTED       (A client sent a TRUNCATE command.)
//	     4 -- HIBERNATING     (Not currently operating; trying to save bandwidth.)
//	     5 -- RESOURCELIMIT   (Out of memory, sockets, or circuit IDs.)
//	     6 -- CONNECTFAILED   (Unable to reach relay.)
//	     7 -- OR_IDENTITY     (Connected to relay, but its OR identity was not
//	                           as expected.)
//	     8 -- OR_CONN_CLOSED  (The OR connection that was carrying this circuit
//	                           died.)
//	     9 -- FINISHED        (The circuit has expired for being dirty or old.)
//	    10 -- TIMEOUT         (Circuit construction took too long)
//	    11 -- DESTROYED       (The circuit was destroyed w/o client TRUNCATE)
//	    12 -- NOSUCHSERVICE   (Request for unknown hidden service)
//
const (
	CircuitErrorNone CircuitErrorCode = iota
	CircuitErrorProtocol
	CircuitErrorInternal
	CircuitErrorRequested
	CircuitErrorHibernating
	CircuitErrorResourceLimit
	CircuitErrorConnectFailed
	CircuitErrorORIdentity
	CircuitErrorORConnClosed
	CircuitErrorFinished
	CircuitErrorTimeout
	CircuitErrorDestroyed
	CircuitErrorNoSuchService
)

// DestroyCell is a DESTROY cell.
type DestroyCell struct {
	CircID CircID
	Reason CircuitErrorCode
}

// NewDestroyCell builds a DESTROY cell for the given circuit.
func NewDestroyCell(id CircID, reason CircuitErrorCode) *DestroyCell {
	return &DestroyCell{
		CircID: id,
		Reason: reason,
	}
}

// ParseDestroyCell decodes a DESTROY cell.
func ParseDestroyCell(c Cell) (*DestroyCell, error) {
	if c.Command() != Destroy {
		return nil, ErrUnexpectedCommand
	}

	// Reference: https://github.com/torproject/torspec/blob/4074b891e53e8df951fc596ac6758d74da290c60/tor-spec.txt#L1331-L1335
	//
	//	   The payload of a RELAY_TRUNCATED or DESTROY cell contains a single octet,
	//	   describing why the circuit is being closed or truncated.  When sending a
	//	   TRUNCATED or DESTROY cell because of another TRUNCATED or DESTROY cell,
	//	   the error code should be propagated.  The origin of a circuit always sets
	//	   this error code to 0, to avoid leaking its version.
	//
	p := c.Payload()
	if len(p) < 1 {
		return nil, ErrShortCellPayload
	}
	reason := CircuitErrorCode(p[0])

	return &DestroyCell{
		CircID: c.CircID(),
		Reason: reason,
	}, nil
}

// Cell builds the cell.
func (d DestroyCell) Cell() *FixedCell {
	c := NewFixedCell(d.CircID, Destroy)
	c.Body[0] = byte(d.Reason)
	return c
}
