package telemetry_transport

import (
	"bytes"
	"context"
	"net/http"
	"path"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-telemetry-transport/driver"
	"github.com/your-org/roadrunner-telemetry-transport/request"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

// S3API is the part of the S3 client the archive transport uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Transport archives every batch request as one object. It implements
// driver.Transport.
type S3Transport struct {
	client    S3API
	bucket    string
	prefix    string
	extension string
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
	closed    atomic.Bool
}

// newS3Client loads the default AWS configuration for cfg's region. Retries
// belong to the driver, so the SDK makes a single attempt per call.
func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsCfgLib.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsCfgLib.WithRegion(cfg.Region))
	}
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
		o.Retryer = aws.NopRetryer{}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Transport returns a transport writing objects named
// <prefix>/<yyyy>/<mm>/<dd>/<request id><extension> to cfg's bucket.
func NewS3Transport(client S3API, cfg S3Config, extension string, timeout time.Duration, logger *zap.Logger) *S3Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Transport{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		extension: extension,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Key returns the object key req is written to.
func (t *S3Transport) Key(req *request.Request) string {
	return path.Join(t.prefix, t.now().UTC().Format("2006/01/02"), req.ID+t.extension)
}

// Send uploads req with a single PutObject call.
func (t *S3Transport) Send(ctx context.Context, req *request.Request) (*request.Response, error) {
	if t.closed.Load() {
		return nil, errors.Wrap(driver.ErrTransportUnusable, "s3 transport is closed")
	}

	key := t.Key(req)
	ctx, span := tracer.Start(ctx, "telemetry_transport/s3_put")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("s3.bucket", t.bucket),
		attribute.String("s3.key", key),
	)

	// 1 attempt, 1 timeout
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(req.Body),
		ContentLength: aws.Int64(int64(len(req.Body))),
	}
	if ct, ok := req.Headers["Content-Type"]; ok {
		input.ContentType = aws.String(ct)
	}
	if ce, ok := req.Headers["Content-Encoding"]; ok {
		input.ContentEncoding = aws.String(ce)
	}

	if _, err := t.client.PutObject(ctx, input); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put object failed")
		resp := &request.Response{}
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			resp.StatusCode = respErr.HTTPStatusCode()
		}
		return resp, errors.Wrapf(err, "failed to put s3://%s/%s", t.bucket, key)
	}

	t.logger.Debug("batch archived",
		zap.String("request_id", req.ID),
		zap.String("key", key))
	return &request.Response{BytesSent: len(req.Body), StatusCode: http.StatusOK}, nil
}

// Close makes every later Send fail with driver.ErrTransportUnusable
func (t *S3Transport) Close() error {
	t.closed.Store(true)
	return nil
}

// retryableS3Codes are the S3 error codes worth another attempt.
var retryableS3Codes = map[string]struct{}{
	"SlowDown":             {},
	"InternalError":        {},
	"ServiceUnavailable":   {},
	"RequestTimeout":       {},
	"RequestTimeTooSkewed": {},
	"Throttling":           {},
	"ThrottlingException":  {},
}

// S3Classifier classifies the outcome of the s3 transport: throttling,
// server side errors and network failures are retryable, every other API
// error (access denied, missing bucket) is fatal.
var S3Classifier retry.Classifier = retry.ClassifierFunc(func(resp *request.Response, err error) retry.Verdict {
	if err == nil {
		return retry.Verdict{Class: retry.Success}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := retryableS3Codes[apiErr.ErrorCode()]; ok || apiErr.ErrorFault() == smithy.FaultServer {
			return retry.Verdict{Class: retry.Retryable, Cause: err}
		}
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) {
			return retry.Verdict{Class: retry.Retryable, Cause: err}
		}
		return retry.Verdict{Class: retry.Fatal, Cause: err}
	}

	if isNetworkError(err) || retry.IsTransient(err) {
		return retry.Verdict{Class: retry.Retryable, Cause: err}
	}
	var opErr *smithy.OperationError
	if errors.As(err, &opErr) {
		// Failures before a response, e.g. while signing or connecting.
		return retry.Verdict{Class: retry.Retryable, Cause: err}
	}
	return retry.Verdict{Class: retry.Fatal, Cause: err}
})
