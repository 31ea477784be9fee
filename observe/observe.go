// Package observe is the side channel through which the pipeline reports the
// fate of every batch and request that leaves it.
//
// Sinks are fire-and-forget. Emit is called from the pipeline's control loops
// and must neither block nor fail; a sink that needs to do slow work must hand
// the record off on its own.
package observe

import (
	"sync"
)

// Outcome classifies a Record.
type Outcome uint8

const (
	// BuildError: the batch could not be turned into a request.
	BuildError Outcome = iota + 1
	// Delivered: the request was accepted by the remote endpoint.
	Delivered
	// Retryable: one attempt failed and another one has been scheduled.
	Retryable
	// Fatal: the request was given up on and its events dropped.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case BuildError:
		return "build_error"
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Record describes one terminal (or, for Retryable, intermediate) outcome.
type Record struct {
	Outcome    Outcome
	RequestID  string
	Attempt    int
	EventCount int
	// ByteSize is the estimated size of the source batch.
	ByteSize   int
	// BytesSent is what the destination accepted; set on Delivered only.
	BytesSent  int
	Cause      error
}

// Sink receives records.
type Sink interface {
	Emit(Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record)

// Emit implements Sink.
func (f SinkFunc) Emit(r Record) { f(r) }

// Discard is a Sink that ignores every record.
var Discard Sink = SinkFunc(func(Record) {})

type tee []Sink

func (t tee) Emit(r Record) {
	for _, s := range t {
		s.Emit(r)
	}
}

// Tee returns a Sink that forwards every record to each non-nil sink in
// order.
func Tee(sinks ...Sink) Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	}
	return out
}

// Recorder is a Sink that keeps every record it receives. Meant for tests and
// short-lived runs.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// Emit implements Sink.
func (r *Recorder) Emit(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Records returns a copy of the records seen so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Count returns how many records with outcome o were seen.
func (r *Recorder) Count(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Outcome == o {
			n++
		}
	}
	return n
}
