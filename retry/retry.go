// Package retry decides what happens to a request after each attempt.
//
// A Classifier, supplied alongside a transport, says whether one attempt
// succeeded, failed transiently or failed for good. A Policy combines that
// verdict with the attempt number and the configured backoff into a Decision
// for the driver.
package retry

import (
	"time"

	"github.com/pkg/errors"

	"github.com/your-org/roadrunner-telemetry-transport/request"
)

// Class is the result of classifying one attempt.
type Class uint8

const (
	Success Class = iota
	Retryable
	Fatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Verdict is what a Classifier reports for one attempt.
type Verdict struct {
	Class Class
	// After is a lower bound on the retry delay suggested by the remote end,
	// e.g. from a Retry-After header. Only meaningful for Retryable.
	After time.Duration
	// Cause describes the failure for observability.
	Cause error
}

// Classifier maps the outcome of one transport attempt to a Verdict. It must
// be pure: the same inputs always yield the same Verdict.
type Classifier interface {
	Classify(resp *request.Response, err error) Verdict
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(resp *request.Response, err error) Verdict

// Classify implements Classifier.
func (f ClassifierFunc) Classify(resp *request.Response, err error) Verdict {
	return f(resp, err)
}

type transientError struct {
	error
}

func (e transientError) Unwrap() error { return e.error }

// Transient marks err as worth retrying. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

// IsTransient reports whether err, or any error it wraps, was marked with
// Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Errors is the default Classifier: no error is success, an error marked with
// Transient is retryable, anything else is fatal.
var Errors Classifier = ClassifierFunc(func(_ *request.Response, err error) Verdict {
	switch {
	case err == nil:
		return Verdict{Class: Success}
	case IsTransient(err):
		return Verdict{Class: Retryable, Cause: err}
	}
	return Verdict{Class: Fatal, Cause: err}
})
