package event

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrDoubleFinalize flags a second terminal write to a Finalizer.
var ErrDoubleFinalize = errors.New("event finalized twice")

// Status is the delivery outcome recorded on a Finalizer.
type Status uint32

const (
	// Pending is the zero value; it is never written by Finalize.
	Pending Status = iota
	Delivered
	Dropped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Finalizer is a single-use sink for the terminal status of one event.
//
// The first call to Finalize wins. Any later call leaves the recorded status
// untouched and is reported as a programming error: it panics with
// ErrDoubleFinalize, unless the binary was built with the "release" tag, in
// which case a warning is logged through the global zap logger.
type Finalizer struct {
	status atomic.Uint32
	done   chan struct{}
	onDone func(Status)
}

// NewFinalizer returns a pending Finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{done: make(chan struct{})}
}

// NewFinalizerFunc returns a pending Finalizer which calls fn with the
// recorded status once it is finalized. fn runs on the finalizing goroutine
// and must not block.
func NewFinalizerFunc(fn func(Status)) *Finalizer {
	f := NewFinalizer()
	f.onDone = fn
	return f
}

// Finalize records status. It returns false if f is nil or was already
// finalized.
func (f *Finalizer) Finalize(status Status) bool {
	if f == nil {
		return false
	}
	if status != Delivered && status != Dropped {
		panic(errors.Errorf("event: cannot finalize with status %s", status))
	}
	if !f.status.CompareAndSwap(uint32(Pending), uint32(status)) {
		reportDoubleFinalize(Status(f.status.Load()), status)
		return false
	}
	close(f.done)
	if f.onDone != nil {
		f.onDone(status)
	}
	return true
}

// Status returns the recorded status, or Pending.
func (f *Finalizer) Status() Status {
	if f == nil {
		return Pending
	}
	return Status(f.status.Load())
}

// Done is closed once a status has been recorded.
func (f *Finalizer) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until f is finalized or ctx is done.
func (f *Finalizer) Wait(ctx context.Context) (Status, error) {
	select {
	case <-f.done:
		return f.Status(), nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

func reportDoubleFinalize(recorded, attempted Status) {
	if strictFinalize {
		panic(errors.Wrapf(ErrDoubleFinalize, "recorded %s, attempted %s", recorded, attempted))
	}
	zap.L().Warn("ignoring second finalization of an event",
		zap.Stringer("recorded", recorded),
		zap.Stringer("attempted", attempted),
		zap.Stack("stack"))
}

// Finalizers are the handles of every event sharing one delivery fate.
type Finalizers []*Finalizer

// Finalize writes status to every handle.
func (fs Finalizers) Finalize(status Status) {
	for _, f := range fs {
		f.Finalize(status)
	}
}
