package request

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/your-org/roadrunner-telemetry-transport/batcher"
	"github.com/your-org/roadrunner-telemetry-transport/event"
	"github.com/your-org/roadrunner-telemetry-transport/observe"
)

// Stage runs a Builder over a stream of batches.
type Stage struct {
	builder Builder
	limit   int64
	sink    observe.Sink
	logger  *zap.Logger
}

// NewStage returns a Stage running at most limit builds at a time; a limit
// of zero means no limit.
func NewStage(builder Builder, limit int, sink observe.Sink, logger *zap.Logger) *Stage {
	if sink == nil {
		sink = observe.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		builder: builder,
		limit:   int64(limit),
		sink:    sink,
		logger:  logger,
	}
}

// Run builds a request for every batch read from in and writes it to out,
// closing out once in is closed and every build has finished. Requests are
// written in the order their builds complete.
//
// When the concurrency limit is reached Run stops reading in until a build
// finishes. A batch whose build fails is finalized as dropped and reported to
// the sink as observe.BuildError; it never reaches out. After ctx is canceled
// batches still arriving are dropped with event.ErrShutdown.
func (s *Stage) Run(ctx context.Context, in <-chan *batcher.Batch, out chan<- *Request) {
	defer close(out)

	var sem *semaphore.Weighted
	if s.limit > 0 {
		sem = semaphore.NewWeighted(s.limit)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for batch := range in {
		if ctx.Err() != nil {
			s.drop(batch, observe.Fatal, event.ErrShutdown)
			continue
		}
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				s.drop(batch, observe.Fatal, event.ErrShutdown)
				continue
			}
		}

		wg.Add(1)
		go func(batch *batcher.Batch) {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			if req := s.build(ctx, batch); req != nil {
				out <- req
			}
		}(batch)
	}
}

func (s *Stage) build(ctx context.Context, batch *batcher.Batch) *Request {
	req, err := s.builder.Build(ctx, batch)
	if err == nil && req == nil {
		err = errors.New("builder returned no request")
	}
	if err != nil {
		if ctx.Err() != nil {
			s.drop(batch, observe.Fatal, event.ErrShutdown)
			return nil
		}
		var buildErr *BuildError
		if !errors.As(err, &buildErr) {
			err = &BuildError{Events: batch.Len(), Err: err}
		}
		s.drop(batch, observe.BuildError, err)
		return nil
	}

	if req.Finalizers == nil {
		req.Finalizers = batch.Finalizers()
	}
	if req.EventCount == 0 {
		req.EventCount = batch.Len()
	}
	if req.ByteSize == 0 {
		req.ByteSize = batch.Size
	}
	return req
}

func (s *Stage) drop(batch *batcher.Batch, outcome observe.Outcome, cause error) {
	batch.Finalizers().Finalize(event.Dropped)
	s.sink.Emit(observe.Record{
		Outcome:    outcome,
		EventCount: batch.Len(),
		ByteSize:   batch.Size,
		Cause:      cause,
	})
	s.logger.Debug("batch dropped before transmission",
		zap.Stringer("outcome", outcome),
		zap.Int("events", batch.Len()),
		zap.Error(cause))
}
