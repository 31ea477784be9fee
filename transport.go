package telemetry_transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-telemetry-transport/driver"
	"github.com/your-org/roadrunner-telemetry-transport/request"
)

const userAgent = "rr-telemetry-transport/1.0.0"

// maxErrorBody bounds how much of a rejected response is kept for the error.
const maxErrorBody = 4 << 10

var tracer = otel.Tracer("github.com/your-org/roadrunner-telemetry-transport")

// HTTPTransport posts batch requests to the destination's batch endpoint. It
// implements driver.Transport.
type HTTPTransport struct {
	endpoint    string
	client      *http.Client
	logger      *zap.Logger
	rateLimiter *RateLimiter
	closed      atomic.Bool
}

// NewHTTPTransport creates a new HTTP transport posting to endpoint
func NewHTTPTransport(config *TransportConfig, endpoint string, logger *zap.Logger) (*HTTPTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Wrap(err, "invalid endpoint URL")
	}

	verify := config.SSLVerify == nil || *config.SSLVerify
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !verify, //nolint:gosec
		},
	}

	// Configure proxy if specified
	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, errors.Wrap(err, "invalid proxy URL")
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   config.Timeout,
	}

	return &HTTPTransport{
		endpoint:    endpoint,
		client:      client,
		logger:      logger,
		rateLimiter: NewRateLimiter(logger),
	}, nil
}

// Send performs one attempt of req. Non-2xx responses come back as a
// *StatusError together with a Response carrying the status code and any
// Retry-After hint.
func (t *HTTPTransport) Send(ctx context.Context, req *request.Request) (*request.Response, error) {
	if t.closed.Load() {
		return nil, errors.Wrap(driver.ErrTransportUnusable, "http transport is closed")
	}

	ctx, span := tracer.Start(ctx, "telemetry_transport/send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.Int("request.events", req.EventCount),
			attribute.Int("request.bytes", len(req.Body)),
		))
	defer span.End()

	if wait := t.rateLimiter.Remaining(); wait > 0 {
		err := &RateLimitedError{Until: t.rateLimiter.GetDisabledUntil(), Wait: wait}
		span.SetStatus(codes.Error, err.Error())
		return &request.Response{RetryAfter: wait}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(req.Body))
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to create request")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
	if err != nil {
		t.logger.Debug("failed to read response body",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, httpResp.Body)

	resp := &request.Response{StatusCode: httpResp.StatusCode}
	span.SetAttributes(attribute.Int("http.response.status_code", httpResp.StatusCode))

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		resp.BytesSent = len(req.Body)
		t.logger.Debug("batch sent",
			zap.String("request_id", req.ID),
			zap.Int("status_code", httpResp.StatusCode))
		return resp, nil
	case httpResp.StatusCode == http.StatusTooManyRequests:
		resp.RetryAfter = t.rateLimiter.HandleRateLimitHeaders(httpResp.Header)
	default:
		resp.RetryAfter = retryAfter(httpResp.Header, time.Now())
	}

	statusErr := &StatusError{StatusCode: httpResp.StatusCode, Body: string(bytes.TrimSpace(body))}
	span.SetStatus(codes.Error, statusErr.Error())
	return resp, statusErr
}

// GetRateLimiter returns the rate limiter
func (t *HTTPTransport) GetRateLimiter() *RateLimiter {
	return t.rateLimiter
}

// Close makes every later Send fail with driver.ErrTransportUnusable
func (t *HTTPTransport) Close() error {
	t.closed.Store(true)
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	return nil
}

// dryRunTransport accepts every request without sending it, used when no
// destination is configured.
type dryRunTransport struct {
	logger *zap.Logger
}

func (d dryRunTransport) Send(_ context.Context, req *request.Request) (*request.Response, error) {
	d.logger.Debug("dry run, batch discarded",
		zap.String("request_id", req.ID),
		zap.Int("events", req.EventCount),
		zap.Int("bytes", len(req.Body)))
	return &request.Response{BytesSent: len(req.Body)}, nil
}
