// Package request turns batches into wire-ready requests.
package request

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/your-org/roadrunner-telemetry-transport/batcher"
	"github.com/your-org/roadrunner-telemetry-transport/event"
)

// Request is the transmittable form of one batch. Every event in a Request
// shares one delivery fate.
type Request struct {
	// ID correlates the request across attempts and logs.
	ID      string
	Body    []byte
	Headers map[string]string
	// EventCount and ByteSize describe the source batch, for metrics.
	EventCount int
	ByteSize   int
	Finalizers event.Finalizers
}

// Release drops the payload once the request has reached a terminal state;
// only the finalizers survive.
func (r *Request) Release() {
	r.Body = nil
	r.Headers = nil
}

// Response is what a transport reports for one successful round trip. A
// transport may also return a Response together with an error, e.g. to pass
// the status code of a rejected request on to its classifier.
type Response struct {
	BytesSent  int
	StatusCode int
	// RetryAfter is a server supplied hint for when to try again.
	RetryAfter time.Duration
}

// Builder turns a batch into a request. It must not modify the batch.
type Builder interface {
	Build(ctx context.Context, batch *batcher.Batch) (*Request, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, batch *batcher.Batch) (*Request, error)

// Build implements Builder.
func (f BuilderFunc) Build(ctx context.Context, batch *batcher.Batch) (*Request, error) {
	return f(ctx, batch)
}

// ErrBuild matches every *BuildError.
var ErrBuild = errors.New("failed to build request")

// BuildError reports a batch that cannot be serialized. It is never retried.
type BuildError struct {
	Events int
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s from %d events: %s", ErrBuild, e.Events, e.Err)
}

// Unwrap returns the builder's error.
func (e *BuildError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBuild) hold for any *BuildError.
func (e *BuildError) Is(target error) bool { return target == ErrBuild }
