package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type event struct {
	kind   string
	name   string
	value  float64
	labels Labels
}

type recorder struct {
	mu       sync.Mutex
	events   []event
	flushErr error
	flushes  int
}

func (r *recorder) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{"counter", name, delta, labels})
}

func (r *recorder) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{"histogram", name, value, labels})
}

func (r *recorder) Flush() error {
	r.flushes++
	return r.flushErr
}

func TestRecordOpEmitsCountersAndDuration(t *testing.T) {
	r := &recorder{}
	SetBackend(r)
	t.Cleanup(func() { SetBackend(nil) })

	RecordOp("upsert", StatusOK, 3, 1500*time.Millisecond)
	RecordOp("query", StatusError, 0, time.Second)
	RecordIndexRecovery("heroes")

	if len(r.events) != 6 {
		t.Fatalf("events=%d, want 6: %+v", len(r.events), r.events)
	}
	if e := r.events[0]; e.name != StatementsTotal || e.labels["op"] != "upsert" || e.labels["status"] != "ok" {
		t.Fatalf("statement counter=%+v", e)
	}
	if e := r.events[1]; e.name != RecordsTotal || e.value != 3 {
		t.Fatalf("records counter=%+v", e)
	}
	if e := r.events[2]; e.kind != "histogram" || e.value != 1.5 {
		t.Fatalf("duration=%+v", e)
	}
	// zero records: no records counter
	if e := r.events[4]; e.name != OpDurationSeconds {
		t.Fatalf("expected duration after statement counter for query, got %+v", e)
	}
	if e := r.events[5]; e.name != IndexRecoveries || e.labels["table"] != "heroes" {
		t.Fatalf("recovery=%+v", e)
	}
}

func TestFlushUsesFlusherWhenAvailable(t *testing.T) {
	r := &recorder{flushErr: errors.New("boom")}
	SetBackend(r)
	t.Cleanup(func() { SetBackend(nil) })

	if err := Flush(); err == nil || r.flushes != 1 {
		t.Fatalf("err=%v flushes=%d", err, r.flushes)
	}

	SetBackend(nil)
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
	IncCounter("anything", 1, nil)
}
