package driver

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-telemetry-transport/event"
	"github.com/your-org/roadrunner-telemetry-transport/observe"
	"github.com/your-org/roadrunner-telemetry-transport/request"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

// attempt is one pending or in-flight try at sending a request. A retry is a
// new attempt with a new id.
type attempt struct {
	id     uint64
	req    *request.Request
	number int
	// waiting is when the attempt became eligible for a slot.
	waiting time.Time
	// readyAt is when a scheduled retry becomes eligible.
	readyAt time.Time
	// delay is the backoff that preceded this attempt.
	delay time.Duration
}

type result struct {
	id   uint64
	resp *request.Response
	err  error
}

// loop is the state of one Run call. Only the goroutine executing run touches
// it.
type loop struct {
	*Driver
	ctx     context.Context
	sendCtx context.Context
	in      <-chan *request.Request

	nextID   uint64
	inFlight map[uint64]*attempt
	queue    []*attempt
	retries  retryHeap
	results  chan result

	// Wakes the loop when a retry is due or the QPS limit allows a send.
	timer      *time.Timer
	timerArmed bool
	qpsAt      time.Time

	// stopCause is set once the loop stops dispatching new attempts.
	stopCause error
	fault     error
}

func newLoop(ctx context.Context, d *Driver, in <-chan *request.Request) *loop {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &loop{
		Driver:   d,
		ctx:      ctx,
		sendCtx:  context.WithoutCancel(ctx),
		in:       in,
		inFlight: make(map[uint64]*attempt),
		results:  make(chan result),
		timer:    timer,
	}
}

func (l *loop) run() error {
	defer l.stopTimer()

	in := l.in
	for {
		now := time.Now()
		l.dispatch(now)

		if in == nil && len(l.inFlight) == 0 && len(l.queue) == 0 && l.retries.Len() == 0 {
			return l.fault
		}

		// Only select on ctx.Done until the loop has stopped.
		var doneCh <-chan struct{}
		if l.stopCause == nil {
			doneCh = l.ctx.Done()
		}

		select {
		case <-doneCh:
			l.log.Info("shutting down, dropping pending requests",
				zap.Int("queued", len(l.queue)),
				zap.Int("scheduled", l.retries.Len()),
				zap.Int("in_flight", len(l.inFlight)))
			l.stop(ErrShutdown)

		case req, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			l.submit(req)

		case res := <-l.results:
			l.complete(res)

		case <-l.wakeup(now):
			l.timerArmed = false
		}
	}
}

func (l *loop) newID() uint64 {
	l.nextID++
	return l.nextID
}

func (l *loop) slotFree() bool {
	return l.opts.Concurrency <= 0 || len(l.inFlight) < l.opts.Concurrency
}

func (l *loop) submit(req *request.Request) {
	l.stats.submitted.Add(1)
	if l.stopCause != nil {
		l.drop(&attempt{req: req}, 0, l.stopCause)
		return
	}
	l.queue = append(l.queue, &attempt{
		id:      l.newID(),
		req:     req,
		number:  1,
		waiting: time.Now(),
	})
	l.stats.queued.Add(1)
}

// dispatch starts as many attempts as the concurrency and QPS limits allow.
func (l *loop) dispatch(now time.Time) {
	l.qpsAt = time.Time{}
	if l.stopCause != nil {
		return
	}

	for l.slotFree() {
		a, queued := l.next(now)
		if a == nil {
			return
		}

		if lim := l.opts.QPSLimit; lim != nil {
			res := lim.ReserveN(now, 1)
			if res.OK() {
				if delay := res.DelayFrom(now); delay > 0 {
					// Wait for the token via the timer instead.
					res.CancelAt(now)
					l.qpsAt = now.Add(delay)
					return
				}
			}
		}

		if queued {
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.stats.queued.Add(-1)
		} else {
			l.retries.pop()
			l.stats.scheduled.Add(-1)
		}
		l.launch(a)
	}
}

// next returns the attempt that should get the next free slot, and whether it
// is the head of the submission queue.
func (l *loop) next(now time.Time) (*attempt, bool) {
	var q *attempt
	if len(l.queue) > 0 {
		q = l.queue[0]
	}
	r := l.retries.peek()
	if r != nil && r.readyAt.After(now) {
		r = nil
	}

	switch {
	case q == nil && r == nil:
		return nil, false
	case r == nil:
		return q, true
	case q == nil:
		return r, false
	}

	switch l.opts.Fairness {
	case FairnessQueuedFirst:
		return q, true
	case FairnessRetriesFirst:
		return r, false
	}
	if r.waiting.Before(q.waiting) {
		return r, false
	}
	return q, true
}

func (l *loop) launch(a *attempt) {
	l.inFlight[a.id] = a
	l.stats.inFlight.Add(1)
	l.log.Debug("sending request",
		zap.String("request_id", a.req.ID),
		zap.Uint64("attempt_id", a.id),
		zap.Int("attempt", a.number),
		zap.Int("events", a.req.EventCount))

	go func(id uint64, req *request.Request) {
		resp, err := l.send(l.sendCtx, req)
		l.results <- result{id: id, resp: resp, err: err}
	}(a.id, a.req)
}

func (l *loop) complete(res result) {
	a, ok := l.inFlight[res.id]
	if !ok {
		panic(errors.Errorf("impossible: result for unknown attempt %d", res.id))
	}
	delete(l.inFlight, res.id)
	l.stats.inFlight.Add(-1)

	if errors.Is(res.err, ErrTransportUnusable) {
		l.log.Error("transport became unusable",
			zap.String("request_id", a.req.ID),
			zap.Error(res.err))
		if l.fault == nil {
			l.fault = res.err
			if l.opts.OnFault != nil {
				l.opts.OnFault(res.err)
			}
		}
		l.drop(a, a.number, res.err)
		l.stop(res.err)
		return
	}

	d := l.policy.Decide(res.resp, res.err, a.number, a.delay)
	switch d.Action {
	case retry.Deliver:
		l.deliver(a, res.resp)

	case retry.Retry:
		if l.stopCause != nil {
			l.log.Debug("not retrying after stop",
				zap.String("request_id", a.req.ID),
				zap.NamedError("last_error", d.Cause))
			l.drop(a, a.number, l.stopCause)
			return
		}
		l.emit(observe.Retryable, a, a.number, d.Cause)
		l.stats.retries.Add(1)

		readyAt := time.Now().Add(d.Delay)
		l.log.Debug("scheduling retry",
			zap.String("request_id", a.req.ID),
			zap.Int("attempt", a.number),
			zap.Duration("delay", d.Delay),
			zap.Error(d.Cause))
		l.stats.scheduled.Add(1)
		l.retries.push(&attempt{
			id:      l.newID(),
			req:     a.req,
			number:  a.number + 1,
			waiting: readyAt,
			readyAt: readyAt,
			delay:   d.Delay,
		})

	default:
		l.drop(a, a.number, d.Cause)
	}
}

// stop drops everything that has not been handed to the transport yet. Later
// arrivals are dropped by submit.
func (l *loop) stop(cause error) {
	if l.stopCause != nil {
		return
	}
	l.stopCause = cause
	l.stopTimer()

	for _, a := range l.queue {
		l.drop(a, 0, cause)
	}
	l.queue = nil
	l.stats.queued.Store(0)

	for l.retries.Len() > 0 {
		a := l.retries.pop()
		l.drop(a, a.number-1, cause)
	}
	l.stats.scheduled.Store(0)
}

func (l *loop) deliver(a *attempt, resp *request.Response) {
	a.req.Finalizers.Finalize(event.Delivered)
	l.stats.delivered.Add(1)
	rec := l.record(observe.Delivered, a, a.number, nil)
	if resp != nil {
		rec.BytesSent = resp.BytesSent
	}
	l.opts.Sink.Emit(rec)
	a.req.Release()
}

// drop finalizes a as dropped; attempts is how many transport calls it got.
func (l *loop) drop(a *attempt, attempts int, cause error) {
	a.req.Finalizers.Finalize(event.Dropped)
	l.stats.dropped.Add(1)
	l.emit(observe.Fatal, a, attempts, cause)
	if !errors.Is(cause, ErrShutdown) {
		l.log.Warn("dropping request",
			zap.String("request_id", a.req.ID),
			zap.Int("attempts", attempts),
			zap.Int("events", a.req.EventCount),
			zap.Error(cause))
	}
	a.req.Release()
}

func (l *loop) emit(o observe.Outcome, a *attempt, attempts int, cause error) {
	l.opts.Sink.Emit(l.record(o, a, attempts, cause))
}

func (l *loop) record(o observe.Outcome, a *attempt, attempts int, cause error) observe.Record {
	return observe.Record{
		Outcome:    o,
		RequestID:  a.req.ID,
		Attempt:    attempts,
		EventCount: a.req.EventCount,
		ByteSize:   a.req.ByteSize,
		Cause:      cause,
	}
}

// wakeup arms the timer for the next due retry or QPS token and returns its
// channel, or nil if there is nothing to wait for.
func (l *loop) wakeup(now time.Time) <-chan time.Time {
	var at time.Time
	if r := l.retries.peek(); r != nil && r.readyAt.After(now) {
		at = r.readyAt
	}
	if !l.qpsAt.IsZero() && (at.IsZero() || l.qpsAt.Before(at)) {
		at = l.qpsAt
	}

	l.stopTimer()
	if at.IsZero() {
		return nil
	}
	l.timer.Reset(at.Sub(now))
	l.timerArmed = true
	return l.timer.C
}

func (l *loop) stopTimer() {
	if l.timerArmed && !l.timer.Stop() {
		select {
		case <-l.timer.C:
		default:
		}
	}
	l.timerArmed = false
}
