// Package driver pushes built requests through a Transport.
//
// A Driver owns every request it has read until the request is delivered or
// dropped. It bounds the number of concurrent transport calls, schedules
// retries with backoff, finalizes each request's events exactly once and
// reports every outcome to an observe.Sink. All of its bookkeeping lives in a
// single control loop goroutine; transport calls run on their own goroutines
// and report back over a channel.
package driver

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/your-org/roadrunner-telemetry-transport/event"
	"github.com/your-org/roadrunner-telemetry-transport/observe"
	"github.com/your-org/roadrunner-telemetry-transport/request"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

var (
	// ErrShutdown is the cause recorded for requests dropped because Run's
	// context was canceled.
	ErrShutdown = event.ErrShutdown

	// ErrTransportUnusable is returned (wrapped) by a Transport that can no
	// longer send anything. It stops the Driver: Run drops all remaining work
	// and returns the error.
	ErrTransportUnusable = errors.New("transport is unusable")
)

// Transport sends one request and reports the outcome.
//
// Send is called concurrently, up to the Driver's concurrency limit, and must
// not modify the request. It may return a Response together with an error so
// the classifier can inspect it. Send is responsible for its own timeouts.
type Transport interface {
	Send(ctx context.Context, req *request.Request) (*request.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *request.Request) (*request.Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req *request.Request) (*request.Response, error) {
	return f(ctx, req)
}

// Options tune a Driver. The zero value is usable: unbounded concurrency,
// FairnessOldest, no rate limit and no observability.
type Options struct {
	// Concurrency is the maximum number of in-flight transport calls. Zero
	// means no limit.
	Concurrency int
	// Fairness picks between queued requests and due retries when a slot
	// frees up.
	Fairness Fairness
	// QPSLimit, if set, paces transport calls. Its burst must be at least 1
	// unless its limit is rate.Inf.
	QPSLimit *rate.Limiter

	Sink   observe.Sink
	Logger *zap.Logger
	// OnFault is called once, from the control loop, when the transport
	// becomes unusable. Run keeps draining its input until it is closed, so
	// callers typically use it to stop upstream producers.
	OnFault func(error)
}

// Validate checks that o can be used.
func (o Options) Validate() error {
	if o.Concurrency < 0 {
		return errors.Errorf("driver concurrency must not be negative, got %d", o.Concurrency)
	}
	if !o.Fairness.valid() {
		return errors.Errorf("unknown fairness policy %d", o.Fairness)
	}
	if l := o.QPSLimit; l != nil && l.Limit() != rate.Inf && l.Burst() < 1 {
		return errors.New("driver qps limit needs a burst of at least 1")
	}
	return nil
}

// Stats is a point in time snapshot of a Driver.
type Stats struct {
	Submitted int64
	Delivered int64
	Dropped   int64
	Retries   int64

	InFlight  int64
	Queued    int64
	Scheduled int64
}

// Driver runs requests through a Transport according to a retry.Policy.
type Driver struct {
	transport Transport
	policy    retry.Policy
	opts      Options
	log       *zap.Logger

	stats counters
}

type counters struct {
	submitted, delivered, dropped, retries atomic.Int64
	inFlight, queued, scheduled            atomic.Int64
}

// New returns a Driver.
func New(transport Transport, policy retry.Policy, opts Options) *Driver {
	if opts.Sink == nil {
		opts.Sink = observe.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Driver{
		transport: transport,
		policy:    policy,
		opts:      opts,
		log:       opts.Logger,
	}
}

// Stats returns counters describing the Driver's work so far. It is safe to
// call while Run is active.
func (d *Driver) Stats() Stats {
	return Stats{
		Submitted: d.stats.submitted.Load(),
		Delivered: d.stats.delivered.Load(),
		Dropped:   d.stats.dropped.Load(),
		Retries:   d.stats.retries.Load(),
		InFlight:  d.stats.inFlight.Load(),
		Queued:    d.stats.queued.Load(),
		Scheduled: d.stats.scheduled.Load(),
	}
}

// Run reads requests from in until it is closed and drives each of them to
// delivery or drop. It returns once in is closed and every request it read
// has been finalized.
//
// Per-request failures never make Run fail; they are finalized as dropped and
// reported to the sink. Run returns an error only if the transport became
// unusable (it returned ErrTransportUnusable or panicked). In that case, as
// when ctx is canceled, queued and scheduled requests and all requests still
// arriving on in are dropped, while calls already handed to the transport
// are allowed to finish.
func (d *Driver) Run(ctx context.Context, in <-chan *request.Request) error {
	l := newLoop(ctx, d, in)
	return l.run()
}

// send calls the transport, turning a panic into ErrTransportUnusable.
func (d *Driver) send(ctx context.Context, req *request.Request) (resp *request.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = errors.Wrapf(ErrTransportUnusable, "transport panicked: %v", r)
		}
	}()
	return d.transport.Send(ctx, req)
}
