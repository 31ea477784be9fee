package telemetry_transport

import (
	"time"

	json "github.com/goccy/go-json"
)

// TelemetryEvent represents a single telemetry record submitted over RPC
type TelemetryEvent struct {
	ID string `json:"id,omitempty" msgpack:"id,omitempty"`
	// log, metric or trace
	Kind      string    `json:"kind" msgpack:"kind"`
	Timestamp time.Time `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	// Payload is the JSON object generated by the producer
	Payload json.RawMessage `json:"payload" msgpack:"payload"`
}

// SendResult represents the result of a send operation
type SendResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id"`
	Error   string `json:"error,omitempty"`
	// Status is the delivery outcome, only set by calls that wait for it
	Status string `json:"status,omitempty"`
}

// DeliveryResult is the outcome of a batch the caller waited for
type DeliveryResult struct {
	Accepted int    `json:"accepted"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// TransportMetrics represents plugin metrics
type TransportMetrics struct {
	EventsDelivered   int64 `json:"events_delivered"`
	EventsDropped     int64 `json:"events_dropped"`
	EventsRejected    int64 `json:"events_rejected"`
	RequestsDelivered int64 `json:"requests_delivered"`
	RequestsDropped   int64 `json:"requests_dropped"`
	TotalRetries      int64 `json:"total_retries"`
	BuildErrors       int64 `json:"build_errors"`
	InFlight          int64 `json:"in_flight"`
	Queued            int64 `json:"queued"`
	Scheduled         int64 `json:"scheduled"`
	IntakeLength      int   `json:"intake_length"`
	RateLimitedUntil  int64 `json:"rate_limited_until,omitempty"`
}
