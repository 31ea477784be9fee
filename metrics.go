package telemetry_transport

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/your-org/roadrunner-telemetry-transport/driver"
	"github.com/your-org/roadrunner-telemetry-transport/observe"
)

const (
	namespace = "rr_telemetry_transport"
)

// metricsCollector implements prometheus.Collector and observe.Sink: the
// pipeline's records feed the counters, the driver's stats feed the gauges.
type metricsCollector struct {
	eventsDelivered   atomic.Uint64
	eventsDropped     atomic.Uint64
	eventsRejected    atomic.Uint64
	requestsDelivered atomic.Uint64
	requestsDropped   atomic.Uint64
	retries           atomic.Uint64
	buildErrors       atomic.Uint64
	bytesSent         atomic.Uint64

	eventsDeliveredDesc   *prometheus.Desc
	eventsDroppedDesc     *prometheus.Desc
	eventsRejectedDesc    *prometheus.Desc
	requestsDeliveredDesc *prometheus.Desc
	requestsDroppedDesc   *prometheus.Desc
	retriesDesc           *prometheus.Desc
	buildErrorsDesc       *prometheus.Desc
	bytesSentDesc         *prometheus.Desc
	inFlightDesc          *prometheus.Desc
	queuedDesc            *prometheus.Desc
	scheduledDesc         *prometheus.Desc
	intakeLengthDesc      *prometheus.Desc

	// Vector metric for accepted events by kind
	eventsByKind *prometheus.CounterVec

	// set once the pipeline exists
	stats  atomic.Pointer[func() driver.Stats]
	intake atomic.Pointer[Intake]
}

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		eventsDeliveredDesc:   desc("events_delivered_total", "Total number of delivered events"),
		eventsDroppedDesc:     desc("events_dropped_total", "Total number of events dropped after being accepted"),
		eventsRejectedDesc:    desc("events_rejected_total", "Total number of events refused at intake"),
		requestsDeliveredDesc: desc("requests_delivered_total", "Total number of delivered requests"),
		requestsDroppedDesc:   desc("requests_dropped_total", "Total number of requests given up on"),
		retriesDesc:           desc("retries_total", "Total number of scheduled retries"),
		buildErrorsDesc:       desc("build_errors_total", "Total number of batches that could not be encoded"),
		bytesSentDesc:         desc("sent_bytes_total", "Total number of request bytes accepted by the destination"),
		inFlightDesc:          desc("in_flight_requests", "Requests currently handed to the transport"),
		queuedDesc:            desc("queued_requests", "Requests waiting for their first attempt"),
		scheduledDesc:         desc("scheduled_retries", "Requests waiting for a retry"),
		intakeLengthDesc:      desc("intake_length", "Events buffered at intake"),

		eventsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "events_by_kind_total"),
				Help: "Total number of accepted events by kind",
			},
			[]string{"kind"}),
	}
}

// Emit implements observe.Sink
func (mc *metricsCollector) Emit(rec observe.Record) {
	events := uint64(rec.EventCount)
	switch rec.Outcome {
	case observe.Delivered:
		mc.requestsDelivered.Add(1)
		mc.eventsDelivered.Add(events)
		mc.bytesSent.Add(uint64(rec.BytesSent))
	case observe.Retryable:
		mc.retries.Add(1)
	case observe.Fatal:
		mc.requestsDropped.Add(1)
		mc.eventsDropped.Add(events)
	case observe.BuildError:
		mc.buildErrors.Add(1)
		mc.eventsDropped.Add(events)
	}
}

// IncRejectedEvents increments the counter of events refused at intake
func (mc *metricsCollector) IncRejectedEvents() {
	mc.eventsRejected.Add(1)
}

// IncEventsByKind increments events counter for specific kind
func (mc *metricsCollector) IncEventsByKind(kind string) {
	mc.eventsByKind.WithLabelValues(kind).Inc()
}

func (mc *metricsCollector) attach(stats func() driver.Stats, intake *Intake) {
	mc.stats.Store(&stats)
	mc.intake.Store(intake)
}

func (mc *metricsCollector) driverStats() driver.Stats {
	if fn := mc.stats.Load(); fn != nil {
		return (*fn)()
	}
	return driver.Stats{}
}

// snapshot returns the current values as reported over RPC
func (mc *metricsCollector) snapshot() TransportMetrics {
	st := mc.driverStats()
	m := TransportMetrics{
		EventsDelivered:   int64(mc.eventsDelivered.Load()),
		EventsDropped:     int64(mc.eventsDropped.Load()),
		EventsRejected:    int64(mc.eventsRejected.Load()),
		RequestsDelivered: int64(mc.requestsDelivered.Load()),
		RequestsDropped:   int64(mc.requestsDropped.Load()),
		TotalRetries:      int64(mc.retries.Load()),
		BuildErrors:       int64(mc.buildErrors.Load()),
		InFlight:          st.InFlight,
		Queued:            st.Queued,
		Scheduled:         st.Scheduled,
	}
	if q := mc.intake.Load(); q != nil {
		m.IntakeLength = q.Len()
	}
	return m
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.eventsDeliveredDesc
	ch <- mc.eventsDroppedDesc
	ch <- mc.eventsRejectedDesc
	ch <- mc.requestsDeliveredDesc
	ch <- mc.requestsDroppedDesc
	ch <- mc.retriesDesc
	ch <- mc.buildErrorsDesc
	ch <- mc.bytesSentDesc
	ch <- mc.inFlightDesc
	ch <- mc.queuedDesc
	ch <- mc.scheduledDesc
	ch <- mc.intakeLengthDesc

	mc.eventsByKind.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(mc.eventsDeliveredDesc, mc.eventsDelivered.Load())
	counter(mc.eventsDroppedDesc, mc.eventsDropped.Load())
	counter(mc.eventsRejectedDesc, mc.eventsRejected.Load())
	counter(mc.requestsDeliveredDesc, mc.requestsDelivered.Load())
	counter(mc.requestsDroppedDesc, mc.requestsDropped.Load())
	counter(mc.retriesDesc, mc.retries.Load())
	counter(mc.buildErrorsDesc, mc.buildErrors.Load())
	counter(mc.bytesSentDesc, mc.bytesSent.Load())

	st := mc.driverStats()
	gauge(mc.inFlightDesc, st.InFlight)
	gauge(mc.queuedDesc, st.Queued)
	gauge(mc.scheduledDesc, st.Scheduled)

	var intakeLen int64
	if q := mc.intake.Load(); q != nil {
		intakeLen = int64(q.Len())
	}
	gauge(mc.intakeLengthDesc, intakeLen)

	mc.eventsByKind.Collect(ch)
}
