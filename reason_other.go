//go:build !unix

package orconn

// reasonFromErrno does not classify errors on platforms without unix errno
// values. Callers fall back to net.Error inspection.
func reasonFromErrno(error) (Reason, bool) {
	return ReasonNone, false
}
