package telemetry_transport

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/your-org/roadrunner-telemetry-transport/batcher"
	"github.com/your-org/roadrunner-telemetry-transport/event"
	"github.com/your-org/roadrunner-telemetry-transport/request"
)

// maxPooledBuffer is the largest buffer returned to bufferPool.
const maxPooledBuffer = 1 << 20

var (
	bufferPool = sync.Pool{
		New: func() any { return bytes.NewBuffer(make([]byte, 0, 64*1024)) },
	}
	gzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
	// EncodeAll is safe for concurrent use.
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
)

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooledBuffer {
		buf.Reset()
		bufferPool.Put(buf)
	}
}

// wireEvent is one element of a batch body.
type wireEvent struct {
	Time string `json:"time,omitempty" msgpack:"time,omitempty"`
	Data any    `json:"data" msgpack:"data"`
}

// Encoder builds batch requests: a JSON or msgpack array of
// {"time", "data"} items, optionally compressed. It implements
// request.Builder.
type Encoder struct {
	codec       string
	compression string
	headers     map[string]string
}

// NewEncoder returns an Encoder adding headers to every request it builds.
func NewEncoder(codec, compression string, headers map[string]string) (*Encoder, error) {
	switch codec {
	case CodecJSON, CodecMsgpack:
	default:
		return nil, errors.Errorf("unknown codec %q", codec)
	}
	switch compression {
	case CompressionGzip, CompressionZstd, CompressionNone, "":
	default:
		return nil, errors.Errorf("unknown compression %q", compression)
	}
	return &Encoder{codec: codec, compression: compression, headers: headers}, nil
}

// Build implements request.Builder.
func (e *Encoder) Build(_ context.Context, batch *batcher.Batch) (*request.Request, error) {
	items := make([]wireEvent, len(batch.Events))
	for i, ev := range batch.Events {
		item, err := e.item(ev)
		if err != nil {
			return nil, &request.BuildError{Events: batch.Len(), Err: errors.Wrapf(err, "event %q", ev.ID)}
		}
		items[i] = item
	}

	body, err := e.encode(items)
	if err != nil {
		return nil, &request.BuildError{Events: batch.Len(), Err: err}
	}

	headers := make(map[string]string, len(e.headers)+2)
	for k, v := range e.headers {
		headers[k] = v
	}
	headers["Content-Type"] = e.ContentType()
	if enc := e.ContentEncoding(); enc != "" {
		headers["Content-Encoding"] = enc
	}

	return &request.Request{
		ID:      uniuri.New(),
		Body:    body,
		Headers: headers,
	}, nil
}

// ContentType returns the media type of the bodies built by e.
func (e *Encoder) ContentType() string {
	if e.codec == CodecMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// ContentEncoding returns the Content-Encoding of the bodies built by e.
func (e *Encoder) ContentEncoding() string {
	switch e.compression {
	case CompressionGzip, CompressionZstd:
		return e.compression
	}
	return ""
}

// Extension returns a file extension for the bodies built by e.
func (e *Encoder) Extension() string {
	ext := "." + e.codec
	switch e.compression {
	case CompressionGzip:
		ext += ".gz"
	case CompressionZstd:
		ext += ".zst"
	}
	return ext
}

func (e *Encoder) item(ev *event.Event) (wireEvent, error) {
	item := wireEvent{Data: ev.Payload}
	if !ev.Timestamp.IsZero() {
		item.Time = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	raw, ok := ev.Payload.(json.RawMessage)
	if !ok {
		return item, nil
	}
	if e.codec == CodecJSON {
		if !json.Valid(raw) {
			return item, errors.New("payload is not valid JSON")
		}
		return item, nil
	}
	// msgpack needs the decoded value rather than the raw bytes.
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return item, errors.Wrap(err, "payload is not valid JSON")
	}
	item.Data = data
	return item, nil
}

func (e *Encoder) encode(items []wireEvent) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer putBuffer(buf)

	var err error
	if e.codec == CodecMsgpack {
		err = msgpack.NewEncoder(buf).Encode(items)
	} else {
		err = json.NewEncoder(buf).Encode(items)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %d events as %s", len(items), e.codec)
	}

	switch e.compression {
	case CompressionGzip:
		return gzipBytes(buf.Bytes())
	case CompressionZstd:
		return zstdEncoder.EncodeAll(buf.Bytes(), nil), nil
	}

	// buf goes back to the pool, the request owns its own copy.
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func gzipBytes(src []byte) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, len(src)/4+64))
	gz := gzipPool.Get().(*gzip.Writer)
	defer gzipPool.Put(gz)
	gz.Reset(out)

	if _, err := gz.Write(src); err != nil {
		_ = gz.Close()
		return nil, errors.Wrap(err, "failed to compress payload")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close gzip writer")
	}
	return out.Bytes(), nil
}
