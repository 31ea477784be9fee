package telemetry_transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-telemetry-transport/event"
)

// Custom errors
var (
	ErrQueueClosed  = &PluginError{Op: "intake_enqueue", Code: "queue_closed", Message: "queue is closed"}
	ErrQueueFull    = &PluginError{Op: "intake_enqueue", Code: "queue_full", Message: "queue is full"}
	ErrInvalidEvent = &PluginError{Op: "intake_enqueue", Code: "invalid_event", Message: "invalid event"}
)

// PluginError represents a plugin-specific error
type PluginError struct {
	Op      string
	Code    string
	Message string
}

func (e *PluginError) Error() string {
	return e.Message
}

// Is matches plugin errors by code, so wrapped copies still match.
func (e *PluginError) Is(target error) bool {
	t, ok := target.(*PluginError)
	return ok && t.Code == e.Code
}

// Intake is the buffered entry point of the delivery pipeline. RPC calls
// enqueue into it and the pipeline drains it until it is closed.
type Intake struct {
	events  chan *event.Event
	// closing is closed by Close to release senders waiting for room.
	closing chan struct{}
	logger  *zap.Logger

	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup
}

// NewIntake creates a new intake holding up to bufferSize events
func NewIntake(bufferSize int, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		events:  make(chan *event.Event, bufferSize),
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Events returns the channel the pipeline reads from
func (q *Intake) Events() <-chan *event.Event {
	return q.events
}

// enter registers a sender; events stays open until every sender has left.
func (q *Intake) enter() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.senders.Add(1)
	return true
}

// Enqueue adds an event without blocking, failing with ErrQueueFull when the
// buffer is full
func (q *Intake) Enqueue(ev *event.Event) error {
	if !q.enter() {
		return ErrQueueClosed
	}
	defer q.senders.Done()

	select {
	case <-q.closing:
		return ErrQueueClosed
	default:
	}

	select {
	case q.events <- ev:
		return nil
	default:
		q.logger.Warn("intake is full, rejecting event",
			zap.String("event_id", ev.ID))
		return ErrQueueFull
	}
}

// EnqueueWait adds an event, waiting for room in the buffer until ctx is done
// or the intake is closed
func (q *Intake) EnqueueWait(ctx context.Context, ev *event.Event) error {
	if !q.enter() {
		return ErrQueueClosed
	}
	defer q.senders.Done()

	select {
	case <-q.closing:
		return ErrQueueClosed
	default:
	}

	select {
	case q.events <- ev:
		return nil
	case <-q.closing:
		return ErrQueueClosed
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for intake room")
	}
}

// Close stops accepting events and releases waiting senders. Buffered events
// stay readable.
func (q *Intake) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.closing)
	q.mu.Unlock()

	q.senders.Wait()
	close(q.events)
}

// Len returns the number of buffered events
func (q *Intake) Len() int {
	return len(q.events)
}

// GetStatus returns current intake status
func (q *Intake) GetStatus() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	return map[string]any{
		"length":   len(q.events),
		"capacity": cap(q.events),
		"closed":   q.closed,
	}
}

// newEvent validates a submitted event and turns it into a pipeline event.
func newEvent(te TelemetryEvent) (*event.Event, error) {
	kind := event.Kind(strings.ToLower(te.Kind))
	if kind == "" {
		kind = event.KindLog
	}
	if !kind.Valid() {
		return nil, errors.Wrapf(ErrInvalidEvent, "unknown kind %q", te.Kind)
	}
	if len(te.Payload) == 0 {
		return nil, errors.Wrap(ErrInvalidEvent, "empty payload")
	}

	ev := event.New(kind, te.Payload)
	ev.ID = te.ID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if !te.Timestamp.IsZero() {
		ev.Timestamp = te.Timestamp
	}
	// {"time":"<RFC3339Nano>","data":<payload>},
	ev.Size = len(te.Payload) + len(`{"time":"","data":},`) + len(time.RFC3339Nano)
	return ev, nil
}
