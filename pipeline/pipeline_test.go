package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/your-org/roadrunner-telemetry-transport/batcher"
	"github.com/your-org/roadrunner-telemetry-transport/driver"
	"github.com/your-org/roadrunner-telemetry-transport/event"
	"github.com/your-org/roadrunner-telemetry-transport/observe"
	"github.com/your-org/roadrunner-telemetry-transport/request"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

// jsonBuilder encodes a batch as a JSON array of payloads and refuses any
// payload containing "poison".
var jsonBuilder = request.BuilderFunc(func(_ context.Context, b *batcher.Batch) (*request.Request, error) {
	payloads := make([]any, 0, b.Len())
	for _, ev := range b.Events {
		if s, ok := ev.Payload.(string); ok && strings.Contains(s, "poison") {
			return nil, errors.Errorf("event %q cannot be encoded", s)
		}
		payloads = append(payloads, ev.Payload)
	}
	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, err
	}
	return &request.Request{ID: fmt.Sprint(b.Created.UnixNano()), Body: body}, nil
})

// received is a transport that records every payload it was sent.
type received struct {
	mu    sync.Mutex
	items []string
}

func (r *received) Send(_ context.Context, req *request.Request) (*request.Response, error) {
	var items []string
	if err := json.Unmarshal(req.Body, &items); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.items = append(r.items, items...)
	r.mu.Unlock()
	return &request.Response{BytesSent: len(req.Body)}, nil
}

func (r *received) Items() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Batch = batcher.Settings{MaxBytes: 1000, MaxEvents: 2}
	cfg.MaxAttempts = 3
	cfg.Backoff = retry.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
	return cfg
}

func events(payloads ...string) []*event.Event {
	evs := make([]*event.Event, len(payloads))
	for i, p := range payloads {
		evs[i] = event.New(event.KindLog, p)
		evs[i].Size = 10
	}
	return evs
}

func run(p *Pipeline, ctx context.Context, evs []*event.Event) error {
	in := make(chan *event.Event)
	done := make(chan error)
	go func() { done <- p.Run(ctx, in) }()
	for _, ev := range evs {
		in <- ev
	}
	close(in)
	return <-done
}

func TestPipeline(t *testing.T) {
	t.Parallel()

	Convey("A Pipeline", t, func() {
		rec := &observe.Recorder{}
		dst := &received{}

		Convey("delivers every event", func() {
			p, err := New(testConfig(), Destination{Builder: jsonBuilder, Transport: dst}, rec, nil)
			So(err, ShouldBeNil)

			evs := events("a", "b", "c", "d", "e")
			So(run(p, context.Background(), evs), ShouldBeNil)

			for _, ev := range evs {
				So(ev.Finalizer.Status(), ShouldEqual, event.Delivered)
			}
			So(dst.Items(), ShouldHaveLength, 5)
			So(dst.Items(), ShouldContain, "e")
			So(rec.Count(observe.Delivered), ShouldEqual, 3)
			So(p.Stats().Delivered, ShouldEqual, int64(3))
		})

		Convey("drops a batch that cannot be built without sending it", func() {
			p, err := New(testConfig(), Destination{Builder: jsonBuilder, Transport: dst}, rec, nil)
			So(err, ShouldBeNil)

			evs := events("a", "b", "poison", "c")
			So(run(p, context.Background(), evs), ShouldBeNil)

			So(evs[0].Finalizer.Status(), ShouldEqual, event.Delivered)
			So(evs[1].Finalizer.Status(), ShouldEqual, event.Delivered)
			So(evs[2].Finalizer.Status(), ShouldEqual, event.Dropped)
			So(evs[3].Finalizer.Status(), ShouldEqual, event.Dropped)
			So(dst.Items(), ShouldResemble, []string{"a", "b"})
			So(rec.Count(observe.BuildError), ShouldEqual, 1)
		})

		Convey("reports the outcome of a whole batch to a notifier", func() {
			p, err := New(testConfig(), Destination{Builder: jsonBuilder, Transport: dst}, rec, nil)
			So(err, ShouldBeNil)

			n := event.NewBatchNotifier(3)
			evs := events("a", "b", "c")
			for _, ev := range evs {
				ev.Finalizer = n.Finalizer()
			}
			So(run(p, context.Background(), evs), ShouldBeNil)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			status, err := n.Wait(ctx)
			So(err, ShouldBeNil)
			So(status, ShouldEqual, event.Delivered)
		})

		Convey("finalizes everything when the transport becomes unusable", func() {
			broken := driver.TransportFunc(func(context.Context, *request.Request) (*request.Response, error) {
				return nil, errors.Wrap(driver.ErrTransportUnusable, "client closed")
			})
			p, err := New(testConfig(), Destination{Builder: jsonBuilder, Transport: broken}, rec, nil)
			So(err, ShouldBeNil)

			evs := events("a", "b", "c", "d", "e", "f")
			err = run(p, context.Background(), evs)
			So(errors.Is(err, driver.ErrTransportUnusable), ShouldBeTrue)
			for _, ev := range evs {
				So(ev.Finalizer.Status(), ShouldEqual, event.Dropped)
			}
		})

		Convey("finalizes everything when canceled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			slow :=driver.TransportFunc(func(context.Context, *request.Request) (*request.Response, error) {
				time.Sleep(5 * time.Millisecond)
				return &request.Response{}, nil
			})
			cfg := testConfig()
			cfg.Concurrency = 1
			p, err := New(cfg, Destination{Builder: jsonBuilder, Transport: slow}, rec, nil)
			So(err, ShouldBeNil)

			var evs []*event.Event
			for i := 0; i < 40; i++ {
				evs = append(evs, events(fmt.Sprint(i))...)
			}
			in := make(chan *event.Event)
			done := make(chan error)
			go func() { done <- p.Run(ctx, in) }()
			for i, ev := range evs {
				if i == 10 {
					cancel()
				}
				in <- ev
			}
			close(in)
			So(<-done, ShouldBeNil)

			for _, ev := range evs {
				So(ev.Finalizer.Status(), ShouldNotEqual, event.Pending)
			}
			So(evs[len(evs)-1].Finalizer.Status(), ShouldEqual, event.Dropped)
		})
	})
}

func TestConfig(t *testing.T) {
	t.Parallel()

	Convey("Config validation", t, func() {
		So(DefaultConfig().Validate(), ShouldBeNil)

		cfg := DefaultConfig()
		cfg.MaxAttempts = 0
		So(cfg.Validate(), ShouldNotBeNil)

		cfg = DefaultConfig()
		cfg.Concurrency = -1
		So(cfg.Validate(), ShouldNotBeNil)

		cfg = DefaultConfig()
		cfg.Batch.MaxEvents = 0
		So(cfg.Validate(), ShouldNotBeNil)

		cfg = DefaultConfig()
		cfg.QPS = 0.5
		So(cfg.Validate(), ShouldBeNil)
		So(cfg.driverOptions(nil, nil).QPSLimit.Burst(), ShouldEqual, 1)

		_, err := New(DefaultConfig(), Destination{}, nil, nil)
		So(err, ShouldNotBeNil)
	})
}
