package telemetry_transport

import (
	"context"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// DeliverRequest is the argument of RPC.Deliver
type DeliverRequest struct {
	Events []*TelemetryEvent `json:"events"`
	// Timeout bounds the wait for the outcome; zero waits for as long as it
	// takes
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RPC provides RPC methods for PHP communication
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// SendBatch enqueues a batch of events. Each event gets its own result, a
// refused event does not stop the rest.
func (r *RPC) SendBatch(events []*TelemetryEvent, result *[]*SendResult) error {
	if len(events) == 0 {
		*result = []*SendResult{}
		return nil
	}

	r.logger.Debug("received batch of events via RPC",
		zap.Int("count", len(events)))

	results := make([]*SendResult, len(events))
	for i, te := range events {
		res := r.send(te)
		results[i] = &res
	}

	*result = results
	return nil
}

// SendEvent enqueues a single event
func (r *RPC) SendEvent(te *TelemetryEvent, result *SendResult) error {
	*result = r.send(te)
	return nil
}

func (r *RPC) send(te *TelemetryEvent) SendResult {
	ev, err := r.plugin.submit(context.Background(), te, nil, false)

	var id string
	switch {
	case ev != nil:
		id = ev.ID
	case te != nil:
		id = te.ID
	}

	if err != nil {
		r.logger.Warn("failed to enqueue event",
			zap.String("event_id", id),
			zap.Error(err))
		return SendResult{Success: false, EventID: id, Error: err.Error()}
	}

	r.logger.Debug("event queued for delivery",
		zap.String("event_id", id),
		zap.String("kind", string(ev.Kind)))
	return SendResult{Success: true, EventID: id}
}

// Deliver enqueues a batch of events and waits for its delivery outcome
func (r *RPC) Deliver(req *DeliverRequest, result *DeliveryResult) error {
	const op = errors.Op("telemetry_transport_rpc_deliver")

	ctx := context.Background()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	res, err := r.plugin.Deliver(ctx, req.Events)
	if res != nil {
		*result = *res
	}
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Status returns the current delivery metrics
func (r *RPC) Status(_ bool, result *TransportMetrics) error {
	*result = *r.plugin.GetMetrics()
	return nil
}
