// Package batcher groups a live stream of events into size, count and time
// bounded batches.
package batcher

import (
	"time"

	"github.com/pkg/errors"

	"github.com/your-org/roadrunner-telemetry-transport/event"
)

// Batch is an ordered group of events. It must not be modified once the
// Batcher has emitted it.
type Batch struct {
	Events []*event.Event
	// Size is the sum of the estimated sizes of Events.
	Size    int
	Created time.Time
}

// Len returns the number of events in b.
func (b *Batch) Len() int {
	return len(b.Events)
}

// Finalizers returns the finalization handles of b's events, in order.
func (b *Batch) Finalizers() event.Finalizers {
	fs := make(event.Finalizers, len(b.Events))
	for i, ev := range b.Events {
		fs[i] = ev.Finalizer
	}
	return fs
}

// Settings bound the batches produced by a Batcher.
type Settings struct {
	// MaxBytes is the estimated byte size at which a batch is flushed.
	MaxBytes int `mapstructure:"max_bytes" yaml:"max_bytes"`
	// MaxEvents is the event count at which a batch is flushed.
	MaxEvents int `mapstructure:"max_events" yaml:"max_events"`
	// Linger is how long a batch may stay open after its first event
	// arrived. Zero disables the timer: batches are then only flushed by the
	// thresholds or by the end of the input.
	Linger time.Duration `mapstructure:"linger" yaml:"linger"`
}

// Defaults match the limits of a typical batch ingestion API.
var Defaults = Settings{
	MaxBytes:  100_000,
	MaxEvents: 1000,
	Linger:    time.Second,
}

// Validate checks that s describes a usable batcher.
func (s Settings) Validate() error {
	switch {
	case s.MaxBytes <= 0:
		return errors.Errorf("batch max_bytes must be positive, got %d", s.MaxBytes)
	case s.MaxEvents <= 0:
		return errors.Errorf("batch max_events must be positive, got %d", s.MaxEvents)
	case s.Linger < 0:
		return errors.Errorf("batch linger must not be negative, got %s", s.Linger)
	}
	return nil
}
