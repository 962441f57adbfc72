// Package metrics is the process-wide metrics seam.
//
// Library code reports through the package-level helpers; the binary picks a
// Backend (none, datadog) at startup with SetBackend. The default backend
// discards everything, so instrumented code never needs a nil check.
package metrics

import (
	"sync"
	"time"
)

// Metric names. Backends switch on these.
const (
	StatementsTotal   = "sqlwrap_statements_total"
	RecordsTotal      = "sqlwrap_records_total"
	IndexRecoveries   = "sqlwrap_index_recoveries_total"
	OpDurationSeconds = "sqlwrap_op_duration_seconds"
)

// Status label values.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusInvalidInput = "invalid_input"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the discarding backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the current backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter forwards to the current backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the current backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordOp reports one finished operation: its outcome, how many records it
// carried and how long it took.
func RecordOp(op, status string, records int, d time.Duration) {
	b := current()
	b.IncCounter(StatementsTotal, 1, Labels{"op": op, "status": status})
	if records > 0 {
		b.IncCounter(RecordsTotal, float64(records), Labels{"op": op})
	}
	b.ObserveHistogram(OpDurationSeconds, d.Seconds(), Labels{"op": op, "status": status})
}

// RecordIndexRecovery reports that a unique index was created for table to
// satisfy a conflict target.
func RecordIndexRecovery(table string) {
	current().IncCounter(IndexRecoveries, 1, Labels{"table": table})
}
