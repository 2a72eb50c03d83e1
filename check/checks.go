// Package check reports failures that callers cannot act on beyond logging.
package check

import (
	"io"

	"github.com/mmcloughlin/orconn/log"
)

// Close closes c, logging any error.
func Close(logger log.Logger, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Err(logger, err, "close failed")
	}
}

// Bug logs an internal inconsistency at error level, tagged bug=true. It
// never panics, and callers treat the operation as a no-op afterwards.
func Bug(logger log.Logger, msg string, ctx ...interface{}) {
	logger.With("bug", true).Error(msg, ctx...)
}
