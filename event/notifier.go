package event

import (
	"context"
	"sync/atomic"
)

// BatchNotifier folds the outcomes of a group of events into one status.
// The group is Delivered only if every member was delivered.
type BatchNotifier struct {
	remaining atomic.Int64
	dropped   atomic.Bool
	status    Status
	done      chan struct{}
}

// NewBatchNotifier returns a notifier expecting n finalizations. A notifier
// for zero events is immediately Delivered.
func NewBatchNotifier(n int) *BatchNotifier {
	b := &BatchNotifier{done: make(chan struct{})}
	b.remaining.Store(int64(n))
	if n <= 0 {
		b.status = Delivered
		close(b.done)
	}
	return b
}

// Finalizer returns a handle that counts towards this notifier. Call it once
// per member event.
func (b *BatchNotifier) Finalizer() *Finalizer {
	return NewFinalizerFunc(b.record)
}

func (b *BatchNotifier) record(status Status) {
	if status == Dropped {
		b.dropped.Store(true)
	}
	if b.remaining.Add(-1) != 0 {
		return
	}
	b.status = Delivered
	if b.dropped.Load() {
		b.status = Dropped
	}
	close(b.done)
}

// Done is closed once every member has been finalized.
func (b *BatchNotifier) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every member is finalized or ctx is done.
func (b *BatchNotifier) Wait(ctx context.Context) (Status, error) {
	select {
	case <-b.done:
		return b.status, nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}
