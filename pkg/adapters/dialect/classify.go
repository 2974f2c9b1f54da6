package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/ekaya-inc/dbhandler/pkg/retry"
)

// ClassifyDefault handles errors every backend shares: database/sql
// connection sentinels, network failures and context deadlines. Backend
// classifiers fall back to it after checking their own error types.
func ClassifyDefault(err error) ErrorClass {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Broken
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Transient
		}
		return Broken
	}
	if retry.IsRetryable(err) {
		return Transient
	}
	return Permanent
}
