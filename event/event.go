// Package event holds the unit of work of the delivery pipeline and the
// write-once handle through which its delivery outcome reaches the owner.
package event

import (
	"time"

	"github.com/pkg/errors"
)

// ErrShutdown is the cause recorded for events dropped because the pipeline
// was canceled before they could be delivered.
var ErrShutdown = errors.New("pipeline shut down before delivery")

// Kind is the telemetry signal carried by an Event.
type Kind string

const (
	KindLog    Kind = "log"
	KindMetric Kind = "metric"
	KindTrace  Kind = "trace"
)

// Valid reports whether k is one of the known signal kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindLog, KindMetric, KindTrace:
		return true
	}
	return false
}

// Event is one telemetry record.
//
// The pipeline never inspects Payload; it is handed as-is to the request
// builder. Size is the caller's estimate of the encoded size in bytes, zero
// lets the batcher's size estimator compute one.
type Event struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	Payload   any
	Size      int
	Finalizer *Finalizer
}

// New returns an event of the given kind stamped with the current time and a
// fresh Finalizer.
func New(kind Kind, payload any) *Event {
	return &Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
		Finalizer: NewFinalizer(),
	}
}

// Finalize records the terminal status of the event. It is safe to call on an
// event without a Finalizer.
func (e *Event) Finalize(status Status) bool {
	return e.Finalizer.Finalize(status)
}
