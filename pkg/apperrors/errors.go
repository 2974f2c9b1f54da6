package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrPoolExhausted   = errors.New("pool exhausted: no connection available within timeout")
	ErrPoolClosed      = errors.New("pool closed")
	ErrPoolUnavailable = errors.New("pool unavailable: backend unreachable")
	ErrSchemaConflict  = errors.New("schema conflict")
	ErrCancelled       = errors.New("task cancelled")
	ErrGatewayClosed   = errors.New("gateway closed")
	ErrUnknownBackend  = errors.New("unknown backend kind")
	ErrLeaseReleased   = errors.New("lease already released")
)

// QueryError is returned by the statement executor for every failed
// statement. Transient errors mean the lease has been invalidated and the
// caller may re-acquire and retry; permanent errors must not be retried.
type QueryError struct {
	Transient bool
	SQL       string
	Err       error
}

func (e *QueryError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("query error (%s): %v", kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsRetryable lets retry.IsRetryable honour the classification.
func (e *QueryError) IsRetryable() bool { return e.Transient }

// IsTransient reports whether err carries a transient QueryError.
func IsTransient(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Transient
}

// ConflictError describes one column whose live type cannot hold the
// declared type.
type ConflictError struct {
	Table    string
	Column   string
	Declared string
	Live     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: column %s.%s is %s in the database but declared as %s",
		ErrSchemaConflict, e.Table, e.Column, e.Live, e.Declared)
}

func (e *ConflictError) Unwrap() error { return ErrSchemaConflict }
