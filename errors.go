package orconn

import (
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
)

// ErrUnexpectedCommand occurs when a command was not expected.
var ErrUnexpectedCommand = errors.New("unexpected command")

// ErrShortCellPayload occurs when a cell payload is too short to parse.
var ErrShortCellPayload = errors.New("cell payload too short")

// FailureKind classifies why a connection was torn down. Kinds inform
// different backoff decisions upstream.
type FailureKind uint8

// Failure kinds.
const (
	FailureTransport FailureKind = iota + 1
	FailureProtocol
	FailureAuth
	FailureInternal
)

var failureKindStrings = map[FailureKind]string{
	FailureTransport: "transport",
	FailureProtocol:  "protocol",
	FailureAuth:      "auth",
	FailureInternal:  "internal",
}

func (k FailureKind) String() string {
	s, ok := failureKindStrings[k]
	if !ok {
		return fmt.Sprintf("FailureKind(%d)", uint8(k))
	}
	return s
}

// Reason is an OR connection end reason, as reported in control events.
type Reason uint8

// Reference: https://github.com/torproject/torspec/blob/master/control-spec.txt#L2090-L2096
//
//	      Reason = "MISC" / "DONE" / "CONNECTREFUSED" /
//	               "IDENTITY" / "CONNECTRESET" / "TIMEOUT" / "NOROUTE" /
//	               "IOERROR" / "RESOURCELIMIT" / "PT_MISSING"
//
const (
	ReasonNone Reason = iota
	ReasonDone
	ReasonConnectRefused
	ReasonIdentity
	ReasonConnectReset
	ReasonTimeout
	ReasonNoRoute
	ReasonIOError
	ReasonResourceLimit
	ReasonMisc
	ReasonPTMissing
)

var reasonStrings = map[Reason]string{
	ReasonDone:           "DONE",
	ReasonConnectRefused: "CONNECTREFUSED",
	ReasonIdentity:       "IDENTITY",
	ReasonConnectReset:   "CONNECTRESET",
	ReasonTimeout:        "TIMEOUT",
	ReasonNoRoute:        "NOROUTE",
	ReasonIOError:        "IOERROR",
	ReasonResourceLimit:  "RESOURCELIMIT",
	ReasonMisc:           "MISC",
	ReasonPTMissing:      "PT_MISSING",
}

// String returns the control-protocol form of the reason.
func (r Reason) String() string {
	s, ok := reasonStrings[r]
	if !ok {
		return "UNKNOWN"
	}
	return s
}

// LinkError is the error that caused a connection to close.
type LinkError struct {
	Kind   FailureKind
	Reason Reason
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s failure (%s): %v", e.Kind, e.Reason, e.Err)
}

// Cause returns the underlying error.
func (e *LinkError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *LinkError) Unwrap() error { return e.Err }

// ProtocolViolation builds a LinkError for a peer that broke the link
// protocol.
func ProtocolViolation(err error) *LinkError {
	return &LinkError{Kind: FailureProtocol, Reason: ReasonMisc, Err: err}
}

// AuthFailure builds a LinkError for a peer that failed authentication.
func AuthFailure(reason Reason, err error) *LinkError {
	return &LinkError{Kind: FailureAuth, Reason: reason, Err: err}
}

// InternalFailure builds a LinkError for a local failure.
func InternalFailure(err error) *LinkError {
	return &LinkError{Kind: FailureInternal, Reason: ReasonResourceLimit, Err: err}
}

// TransportFailure builds a LinkError from a socket or TLS error, deriving
// the reason from the underlying error.
func TransportFailure(err error) *LinkError {
	return &LinkError{Kind: FailureTransport, Reason: ReasonFromError(err), Err: err}
}

// AsLinkError converts err into a LinkError, treating unknown errors as
// protocol violations.
func AsLinkError(err error) *LinkError {
	var le *LinkError
	if errors.As(err, &le) {
		return le
	}
	return ProtocolViolation(err)
}

// ReasonFromError maps an I/O error to an end reason.
func ReasonFromError(err error) Reason {
	if err == nil {
		return ReasonDone
	}

	cause := errors.Cause(err)
	if cause == io.EOF {
		return ReasonDone
	}

	if r, ok := reasonFromErrno(cause); ok {
		return r
	}

	var ne net.Error
	if errors.As(cause, &ne) && ne.Timeout() {
		return ReasonTimeout
	}

	var oe *net.OpError
	if errors.As(cause, &oe) {
		return ReasonIOError
	}

	return ReasonMisc
}
