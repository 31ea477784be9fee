// Package pipeline connects the batcher, the request stage and the driver
// into one delivery pipeline.
package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/your-org/roadrunner-telemetry-transport/batcher"
	"github.com/your-org/roadrunner-telemetry-transport/driver"
	"github.com/your-org/roadrunner-telemetry-transport/event"
	"github.com/your-org/roadrunner-telemetry-transport/observe"
	"github.com/your-org/roadrunner-telemetry-transport/request"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

// Config holds the tunables of a Pipeline.
type Config struct {
	Batch batcher.Settings
	// BuildConcurrency bounds concurrent request builds; zero is unbounded.
	BuildConcurrency int
	// Concurrency bounds in-flight transport calls; zero is unbounded.
	Concurrency int
	Fairness    driver.Fairness
	// QPS paces transport calls when positive.
	QPS         float64
	MaxAttempts int
	Backoff     retry.Backoff
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Batch:            batcher.Defaults,
		BuildConcurrency: 2,
		Concurrency:      4,
		Fairness:         driver.FairnessOldest,
		MaxAttempts:      5,
		Backoff:          retry.DefaultBackoff,
	}
}

// Validate checks that c describes a usable pipeline.
func (c Config) Validate() error {
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	if c.BuildConcurrency < 0 {
		return errors.Errorf("build concurrency must not be negative, got %d", c.BuildConcurrency)
	}
	if c.QPS < 0 {
		return errors.Errorf("qps must not be negative, got %g", c.QPS)
	}
	if err := c.policy(nil).Validate(); err != nil {
		return err
	}
	return c.driverOptions(nil, nil).Validate()
}

func (c Config) policy(cl retry.Classifier) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.Backoff,
		Classifier:  cl,
	}
}

func (c Config) driverOptions(sink observe.Sink, log *zap.Logger) driver.Options {
	opts := driver.Options{
		Concurrency: c.Concurrency,
		Fairness:    c.Fairness,
		Sink:        sink,
		Logger:      log,
	}
	if c.QPS > 0 {
		burst := int(c.QPS)
		if burst < 1 {
			burst = 1
		}
		opts.QPSLimit = rate.NewLimiter(rate.Limit(c.QPS), burst)
	}
	return opts
}

// Destination bundles the per-destination capabilities a Pipeline needs.
type Destination struct {
	Estimator  batcher.SizeEstimator
	Builder    request.Builder
	Transport  driver.Transport
	Classifier retry.Classifier
}

// Pipeline delivers a stream of events to one destination.
type Pipeline struct {
	batcher *batcher.Batcher
	stage   *request.Stage
	driver  *driver.Driver
	log     *zap.Logger

	// cancelUpstream stops the batcher and the stage once the transport is
	// unusable.
	cancelUpstream context.CancelFunc
	faulted        chan struct{}
	faultOnce      sync.Once
}

// New assembles a Pipeline. A nil sink discards records, a nil logger logs
// nothing.
func New(cfg Config, dst Destination, sink observe.Sink, log *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid pipeline config")
	}
	if dst.Builder == nil || dst.Transport == nil {
		return nil, errors.New("pipeline needs a request builder and a transport")
	}
	if sink == nil {
		sink = observe.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pipeline{
		batcher: batcher.New(cfg.Batch, dst.Estimator, log.Named("batcher")),
		stage:   request.NewStage(dst.Builder, cfg.BuildConcurrency, sink, log.Named("builder")),
		log:     log,
		faulted: make(chan struct{}),
	}
	opts := cfg.driverOptions(sink, log.Named("driver"))
	opts.OnFault = func(err error) {
		if p.cancelUpstream != nil {
			p.cancelUpstream()
		}
		p.faultOnce.Do(func() { close(p.faulted) })
	}
	p.driver = driver.New(dst.Transport, cfg.policy(dst.Classifier), opts)
	return p, nil
}

// Stats returns the driver's counters.
func (p *Pipeline) Stats() driver.Stats {
	return p.driver.Stats()
}

// Faulted is closed once the transport has become unusable. From then on
// every event is dropped; the owner should stop sending and close the input.
func (p *Pipeline) Faulted() <-chan struct{} {
	return p.faulted
}

// Run delivers every event read from in and returns once in is closed and
// every event has been finalized. The channels between the stages are
// unbuffered, so a saturated stage pauses the one before it and ultimately
// the sender on in.
//
// Canceling ctx drops whatever has not been handed to the transport yet; Run
// still waits for in to be closed, finalizing late events as dropped. Run
// returns an error only if the transport became unusable.
func (p *Pipeline) Run(ctx context.Context, in <-chan *event.Event) error {
	upstream, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancelUpstream = cancel

	batches := make(chan *batcher.Batch)
	requests := make(chan *request.Request)

	g := errgroup.Group{}
	g.Go(func() error {
		p.batcher.Run(upstream, in, batches)
		return nil
	})
	g.Go(func() error {
		p.stage.Run(upstream, batches, requests)
		return nil
	})
	g.Go(func() error {
		return p.driver.Run(ctx, requests)
	})

	err := g.Wait()
	if err != nil {
		p.log.Error("delivery pipeline failed", zap.Error(err))
	}
	return err
}
