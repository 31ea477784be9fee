package batcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/roadrunner-telemetry-transport/event"
)

// Batcher accumulates events into batches.
//
// A batch is flushed when its estimated size reaches MaxBytes, when it holds
// MaxEvents events, when Linger has elapsed since its first event, or when the
// input ends. An event that would push the open batch past MaxBytes first
// flushes the open batch. An event that alone exceeds MaxBytes is emitted as
// a batch of its own.
//
// A Batcher holds no state between runs; Run may be called again with a new
// input once it has returned.
type Batcher struct {
	settings  Settings
	estimator SizeEstimator
	logger    *zap.Logger
}

// New returns a Batcher. A nil estimator means JSONSizeEstimator.
func New(settings Settings, estimator SizeEstimator, logger *zap.Logger) *Batcher {
	if estimator == nil {
		estimator = JSONSizeEstimator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		settings:  settings,
		estimator: estimator,
		logger:    logger,
	}
}

// run is the state of one Run call.
type run struct {
	*Batcher
	ctx context.Context
	out chan<- *Batch

	open  *Batch
	timer *time.Timer
	// lingerC is nil unless a batch is open and Linger is set.
	lingerC <-chan time.Time
}

// Run reads in until it is closed and writes batches to out, closing out when
// it returns. Sending on out blocks, so a slow consumer stops Run from reading
// in.
//
// If ctx is canceled, Run stops batching: the open batch and every event still
// arriving on in are finalized as dropped until in is closed.
func (b *Batcher) Run(ctx context.Context, in <-chan *event.Event, out chan<- *Batch) {
	defer close(out)

	r := &run{Batcher: b, ctx: ctx, out: out}
	defer r.stopTimer()

	for {
		if ctx.Err() != nil {
			r.drain(in)
			return
		}

		select {
		case ev, ok := <-in:
			if !ok {
				r.flush()
				return
			}
			r.add(ev)

		case <-r.lingerC:
			r.lingerC = nil
			r.flush()

		case <-ctx.Done():
		}
	}
}

func (r *run) add(ev *event.Event) {
	size := r.estimator.EstimateSize(ev)
	if size < 0 {
		size = 0
	}

	if r.open != nil && r.open.Size+size > r.settings.MaxBytes {
		r.flush()
	}
	if r.open == nil {
		r.open = &Batch{Created: time.Now()}
		r.startTimer()
	}

	r.open.Events = append(r.open.Events, ev)
	r.open.Size += size

	if r.open.Size >= r.settings.MaxBytes || len(r.open.Events) >= r.settings.MaxEvents {
		r.flush()
	}
}

// flush hands the open batch to the consumer.
func (r *run) flush() {
	batch := r.open
	if batch == nil {
		return
	}
	r.open = nil
	r.stopTimer()

	select {
	case r.out <- batch:
	case <-r.ctx.Done():
		r.drop(batch)
	}
}

func (r *run) drop(batch *Batch) {
	batch.Finalizers().Finalize(event.Dropped)
	r.logger.Warn("dropping batch on shutdown",
		zap.Int("events", batch.Len()),
		zap.Int("bytes", batch.Size))
}

// drain finalizes the open batch and all remaining input as dropped.
func (r *run) drain(in <-chan *event.Event) {
	if r.open != nil {
		r.drop(r.open)
		r.open = nil
	}
	dropped := 0
	for ev := range in {
		ev.Finalize(event.Dropped)
		dropped++
	}
	if dropped > 0 {
		r.logger.Warn("dropped events arriving after shutdown", zap.Int("events", dropped))
	}
}

func (r *run) startTimer() {
	if r.settings.Linger <= 0 {
		return
	}
	r.timer = time.NewTimer(r.settings.Linger)
	r.lingerC = r.timer.C
}

func (r *run) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.lingerC = nil
}
