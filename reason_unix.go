//go:build unix

package orconn

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// reasonFromErrno classifies socket errors by errno.
//
// Reference: https://github.com/torproject/tor/blob/master/src/or/connection_or.c#L689-L723
//
//	int
//	errno_to_orconn_end_reason(int e)
//	{
//	  switch (e) {
//	    case EPIPE:
//	      return END_OR_CONN_REASON_DONE;
//	    CASE_ENOTCONN:
//	    CASE_ENETDOWN:
//	    CASE_ENETUNREACH:
//	    CASE_EHOSTUNREACH:
//	      return END_OR_CONN_REASON_NO_ROUTE;
//	    CASE_ECONNREFUSED:
//	      return END_OR_CONN_REASON_REFUSED;
//	    CASE_ECONNRESET:
//	      return END_OR_CONN_REASON_CONNRESET;
//	    CASE_ETIMEDOUT:
//	      return END_OR_CONN_REASON_TIMEOUT;
//	    CASE_ENOBUFS:
//	    case ENOMEM:
//	    case ENFILE:
//	    CASE_EMFILE:
//	      return END_OR_CONN_REASON_RESOURCE_LIMIT;
//	    default:
//	      log_info(LD_OR, "Didn't recognize errno %d (%s); telling the client "
//	               "that we are ending a stream for 'misc' reason.",
//	               e, tor_socket_strerror(e));
//	      return END_OR_CONN_REASON_MISC;
//	  }
//	}
//
func reasonFromErrno(err error) (Reason, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return ReasonNone, false
	}
	switch errno {
	case unix.EPIPE:
		return ReasonDone, true
	case unix.ENOTCONN, unix.ENETDOWN, unix.ENETUNREACH, unix.EHOSTUNREACH:
		return ReasonNoRoute, true
	case unix.ECONNREFUSED:
		return ReasonConnectRefused, true
	case unix.ECONNRESET:
		return ReasonConnectReset, true
	case unix.ETIMEDOUT:
		return ReasonTimeout, true
	case unix.ENOBUFS, unix.ENOMEM, unix.ENFILE, unix.EMFILE:
		return ReasonResourceLimit, true
	}
	return ReasonMisc, true
}
