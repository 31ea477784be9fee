package telemetry_transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/your-org/roadrunner-telemetry-transport/request"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

// StatusError is returned by the http transport for every non-2xx response.
type StatusError struct {
	StatusCode int
	// Body is the beginning of the response body.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the destination may accept the same request
// later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// RateLimitedError is returned without contacting the destination while a
// previous response still asks us to back off.
type RateLimitedError struct {
	Until time.Time
	Wait  time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.Until.Format(time.RFC3339))
}

// HTTPClassifier classifies the outcome of the http transport:
//
//	2xx                         success
//	429, 408, 5xx               retryable, honoring Retry-After
//	other statuses              fatal
//	local rate limit            retryable after the limit expires
//	network errors, timeouts    retryable
//	anything else               fatal
var HTTPClassifier retry.Classifier = retry.ClassifierFunc(classifyHTTP)

func classifyHTTP(resp *request.Response, err error) retry.Verdict {
	var hint time.Duration
	if resp != nil {
		hint = resp.RetryAfter
	}

	if err == nil {
		if resp != nil && resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			err = &StatusError{StatusCode: resp.StatusCode}
		} else {
			return retry.Verdict{Class: retry.Success}
		}
	}

	var (
		limited *RateLimitedError
		status  *StatusError
	)
	switch {
	case errors.As(err, &limited):
		if limited.Wait > hint {
			hint = limited.Wait
		}
		return retry.Verdict{Class: retry.Retryable, After: hint, Cause: err}
	case errors.As(err, &status):
		if status.Temporary() {
			return retry.Verdict{Class: retry.Retryable, After: hint, Cause: err}
		}
		return retry.Verdict{Class: retry.Fatal, Cause: err}
	case isNetworkError(err), retry.IsTransient(err):
		return retry.Verdict{Class: retry.Retryable, After: hint, Cause: err}
	}
	return retry.Verdict{Class: retry.Fatal, Cause: err}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
