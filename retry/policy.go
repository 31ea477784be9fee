package retry

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/your-org/roadrunner-telemetry-transport/request"
)

// ErrAttemptsExhausted is the cause recorded when a request would have been
// retried but already used all of its attempts.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Action is what the driver must do with a request after an attempt.
type Action uint8

const (
	Deliver Action = iota
	Retry
	Drop
)

func (a Action) String() string {
	switch a {
	case Deliver:
		return "deliver"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action Action
	// Delay before the next attempt; only set for Retry.
	Delay time.Duration
	// Cause is the classified error for Retry and Drop.
	Cause error
}

// Policy turns classified attempts into decisions.
type Policy struct {
	// MaxAttempts counts the first attempt; 1 disables retries.
	MaxAttempts int
	Backoff     Backoff
	// Classifier defaults to Errors.
	Classifier Classifier
	// Rand returns jitter samples in [0, 1); nil uses math/rand.
	Rand func() float64
}

// DefaultPolicy allows five attempts with DefaultBackoff.
func DefaultPolicy(c Classifier) Policy {
	return Policy{
		MaxAttempts: 5,
		Backoff:     DefaultBackoff,
		Classifier:  c,
	}
}

// Validate checks that p can be used.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	return errors.Wrap(p.Backoff.Validate(), "invalid backoff")
}

// Decide classifies the outcome of attempt number attempt (1-based). prev is
// the delay that preceded this attempt, zero for the first one; a retry never
// waits less than prev, so a server hint keeps raising later delays.
func (p Policy) Decide(resp *request.Response, err error, attempt int, prev time.Duration) Decision {
	c := p.Classifier
	if c == nil {
		c = Errors
	}
	v := c.Classify(resp, err)

	switch v.Class {
	case Success:
		return Decision{Action: Deliver}
	case Retryable:
		cause := v.Cause
		if cause == nil {
			cause = err
		}
		if attempt >= p.MaxAttempts {
			return Decision{
				Action: Drop,
				Cause:  errors.Wrapf(exhausted{cause}, "after %d attempts", attempt),
			}
		}
		d := max(p.Backoff.Delay(attempt, p.jitter()), v.After, prev)
		if p.Backoff.Max > 0 && d > p.Backoff.Max {
			d = p.Backoff.Max
		}
		return Decision{Action: Retry, Delay: d, Cause: cause}
	}

	cause := v.Cause
	if cause == nil {
		cause = err
	}
	if cause == nil {
		cause = errors.New("attempt classified as fatal")
	}
	return Decision{Action: Drop, Cause: cause}
}

func (p Policy) jitter() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// exhausted carries the last retryable cause while matching
// ErrAttemptsExhausted.
type exhausted struct {
	last error
}

func (e exhausted) Error() string {
	if e.last == nil {
		return ErrAttemptsExhausted.Error()
	}
	return ErrAttemptsExhausted.Error() + ": " + e.last.Error()
}

func (e exhausted) Unwrap() error { return e.last }

func (e exhausted) Is(target error) bool { return target == ErrAttemptsExhausted }
