package telemetry_transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/your-org/roadrunner-telemetry-transport/driver"
	"github.com/your-org/roadrunner-telemetry-transport/request"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

type putCall struct {
	bucket, key     string
	contentType     string
	contentEncoding string
	length          int64
	body            []byte
	hasDeadline     bool
}

// fakeS3 records PutObject calls and fails with err when set.
type fakeS3 struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	_, hasDeadline := ctx.Deadline()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, putCall{
		bucket:          aws.ToString(in.Bucket),
		key:             aws.ToString(in.Key),
		contentType:     aws.ToString(in.ContentType),
		contentEncoding: aws.ToString(in.ContentEncoding),
		length:          aws.ToInt64(in.ContentLength),
		body:            body,
		hasDeadline:     hasDeadline,
	})
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Transport(t *testing.T) {
	t.Parallel()

	Convey("An S3Transport", t, func() {
		fake := &fakeS3{}
		cfg := S3Config{Bucket: "archive", Prefix: "telemetry/raw"}
		tr := NewS3Transport(fake, cfg, ".json.gz", time.Second, nil)
		tr.now = func() time.Time { return time.Date(2024, 3, 1, 23, 0, 0, 0, time.FixedZone("X", -3600)) }

		req := &request.Request{
			ID:   "abc",
			Body: []byte("payload"),
			Headers: map[string]string{
				"Content-Type":     "application/json",
				"Content-Encoding": "gzip",
			},
		}

		Convey("writes one object per request under a dated key", func() {
			resp, err := tr.Send(context.Background(), req)
			So(err, ShouldBeNil)
			So(resp.BytesSent, ShouldEqual, 7)

			So(fake.calls, ShouldHaveLength, 1)
			call := fake.calls[0]
			So(call.bucket, ShouldEqual, "archive")
			So(call.key, ShouldEqual, "telemetry/raw/2024/03/02/abc.json.gz")
			So(call.contentType, ShouldEqual, "application/json")
			So(call.contentEncoding, ShouldEqual, "gzip")
			So(call.length, ShouldEqual, int64(7))
			So(string(call.body), ShouldEqual, "payload")
			So(call.hasDeadline, ShouldBeTrue)
			So(S3Classifier.Classify(resp, err).Class, ShouldEqual, retry.Success)
		})

		Convey("classifies throttling as retryable", func() {
			fake.err = &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
			resp, err := tr.Send(context.Background(), req)
			So(err, ShouldNotBeNil)
			So(S3Classifier.Classify(resp, err).Class, ShouldEqual, retry.Retryable)
		})

		Convey("classifies server faults as retryable", func() {
			fake.err = &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}
			resp, err := tr.Send(context.Background(), req)
			So(S3Classifier.Classify(resp, err).Class, ShouldEqual, retry.Retryable)
		})

		Convey("classifies access errors as fatal", func() {
			fake.err = &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}
			resp, err := tr.Send(context.Background(), req)
			v := S3Classifier.Classify(resp, err)
			So(v.Class, ShouldEqual, retry.Fatal)
			So(v.Cause, ShouldEqual, err)
		})

		Convey("classifies timeouts as retryable", func() {
			fake.err = context.DeadlineExceeded
			resp, err := tr.Send(context.Background(), req)
			So(S3Classifier.Classify(resp, err).Class, ShouldEqual, retry.Retryable)
		})

		Convey("becomes unusable once closed", func() {
			So(tr.Close(), ShouldBeNil)
			_, err := tr.Send(context.Background(), req)
			So(errors.Is(err, driver.ErrTransportUnusable), ShouldBeTrue)
			So(fake.calls, ShouldBeEmpty)
		})
	})
}
