package sqlwrap

import (
	"errors"

	"sqlwrap/internal/metrics"
	"sqlwrap/internal/shape"
	"sqlwrap/internal/sqlgen"
	"sqlwrap/internal/storage"
	"sqlwrap/internal/synth"
)

var (
	// ErrInvalidInput: the data or arguments cannot be turned into a
	// statement. No connection was opened.
	ErrInvalidInput = shape.ErrInvalidInput
	// ErrMissingConstraint: a conflict target has no matching unique index
	// and creating one (or the retry after it) failed.
	ErrMissingConstraint = storage.ErrMissingConstraint
	// ErrStatement: the database rejected a statement; the call was rolled
	// back.
	ErrStatement = synth.ErrStatement
	// ErrUnsupported: the backend's dialect cannot express the request.
	ErrUnsupported = sqlgen.ErrUnsupported
)

// OpError records the operation and table of a failed call.
type OpError struct {
	Op    string
	Table string
	Err   error
}

func (e *OpError) Error() string {
	if e.Table == "" {
		return "sqlwrap " + e.Op + ": " + e.Err.Error()
	}
	return "sqlwrap " + e.Op + " " + e.Table + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// status is the metrics label for err.
func status(err error) string {
	switch {
	case err == nil:
		return metrics.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsupported):
		return metrics.StatusInvalidInput
	default:
		return metrics.StatusError
	}
}
