package telemetry_transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	rrerrors "github.com/roadrunner-server/errors"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

// fakeConfigurer serves one plugin section.
type fakeConfigurer struct {
	cfg *Config
}

func (c fakeConfigurer) Has(name string) bool {
	return c.cfg != nil && name == PluginName
}

func (c fakeConfigurer) UnmarshalKey(name string, out any) error {
	if name != PluginName {
		return errors.Errorf("unexpected key %q", name)
	}
	*out.(*Config) = *c.cfg
	return nil
}

type fakeLogger struct{}

func (fakeLogger) NamedLogger(name string) *zap.Logger { return zap.NewNop().Named(name) }

func payload(s string) json.RawMessage {
	return json.RawMessage(`{"msg":"` + s + `"}`)
}

func TestPlugin(t *testing.T) {
	t.Parallel()

	Convey("The plugin", t, func() {
		ep := &endpoint{}
		srv := httptest.NewServer(ep)
		defer srv.Close()

		cfg := &Config{
			Enabled: true,
			DSN:     strings.Replace(srv.URL, "http://", "http://key@", 1) + "/dataset",
		}
		cfg.Batch.Linger = 5 * time.Millisecond
		cfg.Retry.InitialBackoff = time.Millisecond
		cfg.Retry.MaxBackoff = 5 * time.Millisecond

		Convey("is disabled without a section or when turned off", func() {
			p := &Plugin{}
			err := p.Init(fakeConfigurer{}, fakeLogger{})
			So(rrerrors.Is(rrerrors.Disabled, err), ShouldBeTrue)

			cfg.Enabled = false
			err = p.Init(fakeConfigurer{cfg}, fakeLogger{})
			So(rrerrors.Is(rrerrors.Disabled, err), ShouldBeTrue)
		})

		Convey("refuses an invalid configuration", func() {
			cfg.DSN = "https://key@host"
			p := &Plugin{}
			So(p.Init(fakeConfigurer{cfg}, fakeLogger{}), ShouldNotBeNil)
		})

		Convey("delivers events to the batch endpoint", func() {
			p := &Plugin{}
			So(p.Init(fakeConfigurer{cfg}, fakeLogger{}), ShouldBeNil)
			So(p.Name(), ShouldEqual, PluginName)
			So(p.IsEnabled(), ShouldBeTrue)
			errCh := p.Serve()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := p.Deliver(ctx, []*TelemetryEvent{
				{Kind: "log", Payload: payload("one")},
				{Kind: "metric", Payload: payload("two")},
			})
			So(err, ShouldBeNil)
			So(res.Accepted, ShouldEqual, 2)
			So(res.Status, ShouldEqual, "delivered")

			reqs, _ := ep.received()
			So(len(reqs), ShouldBeGreaterThanOrEqualTo, 1)
			So(reqs[0].URL.Path, ShouldEqual, "/1/batch/dataset")
			So(reqs[0].Header.Get(authHeader), ShouldEqual, "key")
			So(reqs[0].Header.Get("Content-Encoding"), ShouldEqual, "gzip")

			So(p.Stop(ctx), ShouldBeNil)
			So(errCh, ShouldBeEmpty)

			m := p.GetMetrics()
			So(m.EventsDelivered, ShouldEqual, int64(2))
			So(m.RequestsDelivered, ShouldBeGreaterThanOrEqualTo, int64(1))
			So(p.SendEvent(&TelemetryEvent{Payload: payload("late")}), ShouldEqual, ErrQueueClosed)
		})

		Convey("reports events the destination refused", func() {
			ep.script(nil, http.StatusForbidden)
			p := &Plugin{}
			So(p.Init(fakeConfigurer{cfg}, fakeLogger{}), ShouldBeNil)
			p.Serve()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := p.Deliver(ctx, []*TelemetryEvent{{Payload: payload("one")}})
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, "dropped")
			So(p.Stop(ctx), ShouldBeNil)
			So(p.GetMetrics().EventsDropped, ShouldEqual, int64(1))
		})

		Convey("counts invalid events as rejected", func() {
			p := &Plugin{}
			So(p.Init(fakeConfigurer{cfg}, fakeLogger{}), ShouldBeNil)
			p.Serve()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := p.Deliver(ctx, []*TelemetryEvent{
				{Payload: payload("ok")},
				{Kind: "bogus", Payload: payload("bad")},
			})
			So(err, ShouldBeNil)
			So(res.Accepted, ShouldEqual, 1)
			So(res.Status, ShouldEqual, "dropped")
			So(res.Error, ShouldNotBeEmpty)
			So(p.GetMetrics().EventsRejected, ShouldEqual, int64(1))
			So(p.Stop(ctx), ShouldBeNil)
		})

		Convey("serves events over RPC", func() {
			p := &Plugin{}
			So(p.Init(fakeConfigurer{cfg}, fakeLogger{}), ShouldBeNil)
			p.Serve()
			rpc := p.RPC().(*RPC)

			var one SendResult
			So(rpc.SendEvent(&TelemetryEvent{ID: "e1", Payload: payload("one")}, &one), ShouldBeNil)
			So(one.Success, ShouldBeTrue)
			So(one.EventID, ShouldEqual, "e1")

			var many []*SendResult
			So(rpc.SendBatch([]*TelemetryEvent{{Payload: payload("two")}, {Kind: "nope", Payload: payload("x")}}, &many), ShouldBeNil)
			So(many, ShouldHaveLength, 2)
			So(many[0].Success, ShouldBeTrue)
			So(many[0].EventID, ShouldNotBeEmpty)
			So(many[1].Success, ShouldBeFalse)

			var delivered DeliveryResult
			So(rpc.Deliver(&DeliverRequest{Events: []*TelemetryEvent{{Payload: payload("three")}}, Timeout: 5 * time.Second}, &delivered), ShouldBeNil)
			So(delivered.Status, ShouldEqual, "delivered")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			So(p.Stop(ctx), ShouldBeNil)

			var status TransportMetrics
			So(rpc.Status(true, &status), ShouldBeNil)
			So(status.EventsDelivered, ShouldEqual, int64(3))
			So(status.EventsRejected, ShouldEqual, int64(1))
		})

		Convey("stops promptly while a producer waits for intake room", func() {
			cfg.Intake.BufferSize = 1
			p := &Plugin{}
			So(p.Init(fakeConfigurer{cfg}, fakeLogger{}), ShouldBeNil)
			So(p.SendEvent(&TelemetryEvent{Payload: payload("one")}), ShouldBeNil)

			waitErr := make(chan error, 1)
			go func() {
				waitErr <- p.SendEventWait(context.Background(), &TelemetryEvent{Payload: payload("two")})
			}()
			time.Sleep(20 * time.Millisecond)

			stopped := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				stopped <- p.Stop(ctx)
			}()

			select {
			case err := <-stopped:
				So(err, ShouldBeNil)
			case <-time.After(2 * time.Second):
				So("Stop did not return", ShouldBeEmpty)
			}
			So(errors.Is(<-waitErr, ErrQueueClosed), ShouldBeTrue)
		})

		Convey("discards batches in dry-run mode", func() {
			cfg.DSN = ""
			p := &Plugin{}
			So(p.Init(fakeConfigurer{cfg}, fakeLogger{}), ShouldBeNil)
			p.Serve()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := p.Deliver(ctx, []*TelemetryEvent{{Payload: payload("one")}})
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, "delivered")
			So(ep.calls.Load(), ShouldEqual, int32(0))
			So(p.Stop(ctx), ShouldBeNil)
		})
	})
}
