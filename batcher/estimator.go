package batcher

import (
	json "github.com/goccy/go-json"

	"github.com/your-org/roadrunner-telemetry-transport/event"
)

// SizeEstimator guesses how many bytes an event will take once encoded. It
// must be fast and pure; an inaccurate guess only makes batches less tightly
// packed.
type SizeEstimator interface {
	EstimateSize(ev *event.Event) int
}

// SizeEstimatorFunc adapts a function to SizeEstimator.
type SizeEstimatorFunc func(ev *event.Event) int

// EstimateSize implements SizeEstimator.
func (f SizeEstimatorFunc) EstimateSize(ev *event.Event) int { return f(ev) }

// JSONSizeEstimator estimates the size of an event as an element of a JSON
// array: the JSON encoding of its payload plus a separator. A caller-supplied
// Event.Size takes precedence.
type JSONSizeEstimator struct{}

// envelopeOverhead approximates the {"time":"...","data":} wrapper added
// around each payload by JSON request builders.
const envelopeOverhead = 48

// EstimateSize implements SizeEstimator.
func (JSONSizeEstimator) EstimateSize(ev *event.Event) int {
	if ev.Size > 0 {
		return ev.Size
	}
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		// Unencodable; the request builder reports it.
		return 1
	}
	return len(b) + envelopeOverhead + 1
}
