package telemetry_transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/your-org/roadrunner-telemetry-transport/driver"
	"github.com/your-org/roadrunner-telemetry-transport/request"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

// endpoint is a scripted batch endpoint answering with the queued statuses,
// then 200.
type endpoint struct {
	mu       sync.Mutex
	statuses []int
	headers  map[string]string
	bodies   [][]byte
	reqs     []*http.Request
	calls    atomic.Int32
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.calls.Add(1)
	body, _ := io.ReadAll(r.Body)

	e.mu.Lock()
	e.bodies = append(e.bodies, body)
	e.reqs = append(e.reqs, r)
	status := http.StatusOK
	if len(e.statuses) > 0 {
		status, e.statuses = e.statuses[0], e.statuses[1:]
	}
	for k, v := range e.headers {
		w.Header().Set(k, v)
	}
	e.mu.Unlock()

	w.WriteHeader(status)
	_, _ = io.WriteString(w, `[{"status":202}]`)
}

// script sets the statuses and headers of the next responses.
func (e *endpoint) script(headers map[string]string, statuses ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = statuses
	e.headers = headers
}

func (e *endpoint) received() ([]*http.Request, [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*http.Request(nil), e.reqs...), append([][]byte(nil), e.bodies...)
}

func newTestTransport(url string) *HTTPTransport {
	cfg := &Config{}
	cfg.InitDefaults()
	cfg.Transport.Timeout = 2 * time.Second
	t, err := NewHTTPTransport(&cfg.Transport, url, nil)
	So(err, ShouldBeNil)
	return t
}

func testRequest() *request.Request {
	return &request.Request{
		ID:         "req-1",
		Body:       []byte(`[{"data":{"a":1}}]`),
		Headers:    map[string]string{authHeader: "key", "Content-Type": "application/json"},
		EventCount: 1,
	}
}

func TestHTTPTransport(t *testing.T) {
	t.Parallel()

	Convey("An HTTPTransport", t, func() {
		ep := &endpoint{}
		srv := httptest.NewServer(ep)
		defer srv.Close()
		tr := newTestTransport(srv.URL + "/1/batch/ds")

		Convey("posts the body with the request headers", func() {
			resp, err := tr.Send(context.Background(), testRequest())
			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(resp.BytesSent, ShouldEqual, len(testRequest().Body))

			reqs, bodies := ep.received()
			So(reqs, ShouldHaveLength, 1)
			r := reqs[0]
			So(r.Method, ShouldEqual, http.MethodPost)
			So(r.URL.Path, ShouldEqual, "/1/batch/ds")
			So(r.Header.Get(authHeader), ShouldEqual, "key")
			So(r.Header.Get("Content-Type"), ShouldEqual, "application/json")
			So(r.Header.Get("User-Agent"), ShouldEqual, userAgent)
			So(string(bodies[0]), ShouldEqual, `[{"data":{"a":1}}]`)
			So(HTTPClassifier.Classify(resp, err).Class, ShouldEqual, retry.Success)
		})

		Convey("reports server errors as retryable", func() {
			ep.script(map[string]string{"Retry-After": "3"}, http.StatusServiceUnavailable)

			resp, err := tr.Send(context.Background(), testRequest())
			var se *StatusError
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.StatusCode, ShouldEqual, http.StatusServiceUnavailable)
			So(se.Body, ShouldEqual, `[{"status":202}]`)
			So(resp.RetryAfter, ShouldEqual, 3*time.Second)

			v := HTTPClassifier.Classify(resp, err)
			So(v.Class, ShouldEqual, retry.Retryable)
			So(v.After, ShouldEqual, 3*time.Second)
			So(tr.GetRateLimiter().IsRateLimited(), ShouldBeFalse)
		})

		Convey("reports client errors as fatal", func() {
			ep.script(nil, http.StatusBadRequest)
			resp, err := tr.Send(context.Background(), testRequest())
			So(err, ShouldNotBeNil)
			So(HTTPClassifier.Classify(resp, err).Class, ShouldEqual, retry.Fatal)
		})

		Convey("backs off locally after a 429", func() {
			ep.script(map[string]string{"Retry-After": "30"}, http.StatusTooManyRequests)

			resp, err := tr.Send(context.Background(), testRequest())
			v := HTTPClassifier.Classify(resp, err)
			So(v.Class, ShouldEqual, retry.Retryable)
			So(v.After, ShouldBeGreaterThan, 29*time.Second)
			So(tr.GetRateLimiter().IsRateLimited(), ShouldBeTrue)

			resp, err = tr.Send(context.Background(), testRequest())
			var rl *RateLimitedError
			So(errors.As(err, &rl), ShouldBeTrue)
			So(ep.calls.Load(), ShouldEqual, int32(1))
			So(HTTPClassifier.Classify(resp, err).Class, ShouldEqual, retry.Retryable)
		})

		Convey("treats an unreachable endpoint as retryable", func() {
			dead := newTestTransport("http://127.0.0.1:1/1/batch/ds")
			resp, err := dead.Send(context.Background(), testRequest())
			So(err, ShouldNotBeNil)
			So(HTTPClassifier.Classify(resp, err).Class, ShouldEqual, retry.Retryable)
		})

		Convey("becomes unusable once closed", func() {
			So(tr.Close(), ShouldBeNil)
			_, err := tr.Send(context.Background(), testRequest())
			So(errors.Is(err, driver.ErrTransportUnusable), ShouldBeTrue)
			So(ep.calls.Load(), ShouldEqual, int32(0))
		})
	})
}

func TestHTTPClassifier(t *testing.T) {
	t.Parallel()

	Convey("HTTPClassifier", t, func() {
		classify := func(code int) retry.Class {
			resp := &request.Response{StatusCode: code}
			var err error
			if code < 200 || code > 299 {
				err = &StatusError{StatusCode: code}
			}
			return HTTPClassifier.Classify(resp, err).Class
		}

		So(classify(200), ShouldEqual, retry.Success)
		So(classify(202), ShouldEqual, retry.Success)
		So(classify(408), ShouldEqual, retry.Retryable)
		So(classify(429), ShouldEqual, retry.Retryable)
		So(classify(500), ShouldEqual, retry.Retryable)
		So(classify(502), ShouldEqual, retry.Retryable)
		So(classify(400), ShouldEqual, retry.Fatal)
		So(classify(401), ShouldEqual, retry.Fatal)
		So(classify(403), ShouldEqual, retry.Fatal)
		So(classify(413), ShouldEqual, retry.Fatal)

		Convey("flags a non-2xx response reported without an error", func() {
			So(HTTPClassifier.Classify(&request.Response{StatusCode: 503}, nil).Class, ShouldEqual, retry.Retryable)
			So(HTTPClassifier.Classify(&request.Response{StatusCode: 404}, nil).Class, ShouldEqual, retry.Fatal)
		})

		Convey("retries timeouts and marked errors, not the rest", func() {
			So(HTTPClassifier.Classify(nil, context.DeadlineExceeded).Class, ShouldEqual, retry.Retryable)
			So(HTTPClassifier.Classify(nil, retry.Transient(errors.New("blip"))).Class, ShouldEqual, retry.Retryable)
			So(HTTPClassifier.Classify(nil, errors.New("bad request")).Class, ShouldEqual, retry.Fatal)
		})

		Convey("keeps the cause", func() {
			err := &StatusError{StatusCode: 500}
			So(HTTPClassifier.Classify(nil, err).Cause, ShouldEqual, err)
		})
	})
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	Convey("A RateLimiter", t, func() {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		rl := NewRateLimiter(nil)
		rl.now = func() time.Time { return now }

		So(rl.IsRateLimited(), ShouldBeFalse)
		So(rl.GetDisabledUntil().IsZero(), ShouldBeTrue)

		Convey("reads Retry-After as seconds", func() {
			wait := rl.HandleRateLimitHeaders(http.Header{"Retry-After": {"10"}})
			So(wait, ShouldEqual, 10*time.Second)
			So(rl.Remaining(), ShouldEqual, 10*time.Second)
			So(rl.GetDisabledUntil(), ShouldEqual, now.Add(10*time.Second))
		})

		Convey("reads Retry-After as an HTTP date", func() {
			at := now.Add(time.Minute).Format(http.TimeFormat)
			So(rl.HandleRateLimitHeaders(http.Header{"Retry-After": {at}}), ShouldEqual, time.Minute)
		})

		Convey("falls back to X-RateLimit-Reset, then to a default", func() {
			So(rl.HandleRateLimitHeaders(http.Header{"X-Ratelimit-Reset": {"5"}}), ShouldEqual, 5*time.Second)
			rl.disabledUntil = time.Time{}
			So(rl.HandleRateLimitHeaders(http.Header{"Retry-After": {"soon"}}), ShouldEqual, defaultRateLimit)
		})

		Convey("never shortens a limit", func() {
			rl.HandleRateLimitHeaders(http.Header{"Retry-After": {"30"}})
			So(rl.HandleRateLimitHeaders(http.Header{"Retry-After": {"1"}}), ShouldEqual, 30*time.Second)
		})

		Convey("expires", func() {
			rl.HandleRateLimitHeaders(http.Header{"Retry-After": {"1"}})
			now = now.Add(2 * time.Second)
			So(rl.IsRateLimited(), ShouldBeFalse)
			rl.CleanupExpired()
			So(rl.disabledUntil.IsZero(), ShouldBeTrue)
		})
	})
}
