package telemetry_transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/roadrunner-telemetry-transport/batcher"
	"github.com/your-org/roadrunner-telemetry-transport/event"
	"github.com/your-org/roadrunner-telemetry-transport/observe"
	"github.com/your-org/roadrunner-telemetry-transport/pipeline"
	"github.com/your-org/roadrunner-telemetry-transport/retry"
)

// Plugin represents the main plugin structure
type Plugin struct {
	config   *Config
	logger   *zap.Logger
	intake   *Intake
	pipeline *pipeline.Pipeline
	metrics  *metricsCollector

	// set for the http transport only
	rateLimiter *RateLimiter
	closer      io.Closer

	// Lifecycle
	cancel   context.CancelFunc
	stopOnce sync.Once
	serving  chan struct{}
	doneCh   chan struct{}
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("telemetry_transport_init")

	// Check if configuration section exists
	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.logger = log.NamedLogger(PluginName)
	// The plugin level can only be stricter than the logger plugin's.
	level, err := zapcore.ParseLevel(config.Logging.Level)
	switch {
	case err != nil:
		p.logger.Warn("unknown log level, keeping the logger's", zap.String("level", config.Logging.Level))
	case p.logger.Core().Enabled(level):
		p.logger = p.logger.WithOptions(zap.IncreaseLevel(level))
	}

	p.metrics = newMetricsCollector()
	p.intake = NewIntake(config.Intake.BufferSize, p.logger.Named("intake"))

	dst, err := p.destination(context.Background())
	if err != nil {
		return errors.E(op, err)
	}

	pc, err := config.pipelineConfig()
	if err != nil {
		return errors.E(op, err)
	}
	sink := observe.Tee(p.metrics, observe.NewLogSink(p.logger))
	p.pipeline, err = pipeline.New(pc, dst, sink, p.logger)
	if err != nil {
		return errors.E(op, err)
	}
	p.metrics.attach(p.pipeline.Stats, p.intake)

	p.serving = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("telemetry transport plugin initialized",
		zap.String("transport", config.Transport.Kind),
		zap.Bool("dsn_configured", config.DSN != ""),
		zap.String("codec", config.Transport.Codec),
		zap.String("compression", config.Transport.Compression),
		zap.Int("intake_buffer_size", config.Intake.BufferSize),
		zap.Int("concurrency", *config.Driver.Concurrency))

	return nil
}

// destination builds the encoder, transport and classifier for the
// configured transport kind.
func (p *Plugin) destination(ctx context.Context) (pipeline.Destination, error) {
	tc := &p.config.Transport
	log := p.logger.Named("transport")

	var headers map[string]string
	var dsn *DSN
	if tc.Kind == TransportHTTP && p.config.DSN != "" {
		var err error
		if dsn, err = ParseDSN(p.config.DSN); err != nil {
			return pipeline.Destination{}, err
		}
		headers = dsn.Headers()
	}

	encoder, err := NewEncoder(tc.Codec, tc.Compression, headers)
	if err != nil {
		return pipeline.Destination{}, err
	}
	dst := pipeline.Destination{
		Estimator: batcher.JSONSizeEstimator{},
		Builder:   encoder,
	}

	switch {
	case tc.Kind == TransportS3:
		client, err := newS3Client(ctx, tc.S3)
		if err != nil {
			return pipeline.Destination{}, err
		}
		transport := NewS3Transport(client, tc.S3, encoder.Extension(), tc.Timeout, log)
		dst.Transport, dst.Classifier = transport, S3Classifier
		p.closer = transport
	case dsn != nil:
		transport, err := NewHTTPTransport(tc, dsn.BatchURL, log)
		if err != nil {
			return pipeline.Destination{}, err
		}
		dst.Transport, dst.Classifier = transport, HTTPClassifier
		p.closer = transport
		p.rateLimiter = transport.GetRateLimiter()
	default:
		p.logger.Warn("no DSN configured, batches will be encoded but not transmitted")
		dst.Transport, dst.Classifier = dryRunTransport{logger: log}, retry.Errors
	}
	return dst, nil
}

// Serve starts the plugin
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.config == nil {
		errCh <- errors.E(errors.Op("telemetry_transport_serve"), errors.Str("plugin not initialized"))
		return errCh
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	close(p.serving)

	go func() {
		defer close(p.doneCh)
		defer cancel()

		go p.cleanupRoutine(ctx)
		go func() {
			select {
			case <-p.pipeline.Faulted():
				p.logger.Error("transport is unusable, refusing new events")
				p.intake.Close()
			case <-ctx.Done():
			}
		}()

		p.logger.Info("telemetry transport plugin started")

		// Returns once the intake is closed and drained.
		err := p.pipeline.Run(ctx, p.intake.Events())

		if p.closer != nil {
			if cerr := p.closer.Close(); cerr != nil {
				p.logger.Error("error closing transport", zap.Error(cerr))
			}
		}

		if err != nil {
			errCh <- errors.E(errors.Op("telemetry_transport_serve"), err)
			return
		}
		p.logger.Info("telemetry transport plugin stopped")
	}()

	return errCh
}

// Stop stops accepting events and waits for the buffered ones to be
// delivered. When ctx expires first, whatever is left is dropped.
func (p *Plugin) Stop(ctx context.Context) error {
	if p.intake == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		p.logger.Info("telemetry transport plugin stopping",
			zap.Int("intake_length", p.intake.Len()))
		p.intake.Close()
	})

	select {
	case <-p.serving:
	default:
		// Never served, nothing to wait for.
		return nil
	}

	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		p.logger.Warn("plugin stop timed out, dropping undelivered events")
		p.cancel()
		return ctx.Err()
	}
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() any {
	return NewRPC(p, p.logger)
}

// MetricsCollector returns the prometheus collectors of the plugin
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.metrics}
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*TelemetryTransporter)(nil), p.Transporter),
	}
}

// IsEnabled returns true if the plugin is enabled and configured
func (p *Plugin) IsEnabled() bool {
	return p.config != nil && p.config.Enabled
}

// Transporter returns the transport interface
func (p *Plugin) Transporter() TelemetryTransporter {
	return p
}

// submit validates te and hands it to the intake. A nil finalizer keeps the
// event's own.
func (p *Plugin) submit(ctx context.Context, te *TelemetryEvent, fin *event.Finalizer, wait bool) (*event.Event, error) {
	if p.intake == nil {
		return nil, errors.E(errors.Op("telemetry_transport_submit"), errors.Str("plugin not initialized"))
	}
	if te == nil {
		return nil, ErrInvalidEvent
	}

	ev, err := newEvent(*te)
	if err != nil {
		p.metrics.IncRejectedEvents()
		return nil, err
	}
	if fin != nil {
		ev.Finalizer = fin
	}

	if wait {
		err = p.intake.EnqueueWait(ctx, ev)
	} else {
		err = p.intake.Enqueue(ev)
	}
	if err != nil {
		p.metrics.IncRejectedEvents()
		return ev, err
	}
	p.metrics.IncEventsByKind(string(ev.Kind))
	return ev, nil
}

// SendEvent implements TelemetryTransporter interface
func (p *Plugin) SendEvent(te *TelemetryEvent) error {
	_, err := p.submit(context.Background(), te, nil, false)
	return err
}

// SendEventWait is SendEvent waiting for intake room until ctx is done
func (p *Plugin) SendEventWait(ctx context.Context, te *TelemetryEvent) error {
	_, err := p.submit(ctx, te, nil, true)
	return err
}

// SendBatch implements TelemetryTransporter interface. It stops at the first
// event that cannot be accepted.
func (p *Plugin) SendBatch(events []*TelemetryEvent) error {
	for _, te := range events {
		if _, err := p.submit(context.Background(), te, nil, false); err != nil {
			return err
		}
	}
	return nil
}

// Deliver enqueues events, waiting for intake room, and blocks until every
// accepted event has been delivered or dropped, or until ctx is done. The
// result is Delivered only if every event was accepted and delivered.
func (p *Plugin) Deliver(ctx context.Context, events []*TelemetryEvent) (*DeliveryResult, error) {
	n := event.NewBatchNotifier(len(events))
	res := &DeliveryResult{}

	for _, te := range events {
		fin := n.Finalizer()
		if _, err := p.submit(ctx, te, fin, true); err != nil {
			fin.Finalize(event.Dropped)
			if res.Error == "" {
				res.Error = err.Error()
			}
			continue
		}
		res.Accepted++
	}

	status, err := n.Wait(ctx)
	res.Status = status.String()
	if err != nil {
		return res, errors.E(errors.Op("telemetry_transport_deliver"), err)
	}
	return res, nil
}

// GetMetrics implements TelemetryTransporter interface
func (p *Plugin) GetMetrics() *TransportMetrics {
	if p.metrics == nil {
		return &TransportMetrics{}
	}

	m := p.metrics.snapshot()
	if p.rateLimiter != nil {
		if until := p.rateLimiter.GetDisabledUntil(); !until.IsZero() {
			m.RateLimitedUntil = until.Unix()
		}
	}
	return &m
}

// cleanupRoutine performs periodic cleanup tasks
func (p *Plugin) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.rateLimiter != nil {
				p.rateLimiter.CleanupExpired()
			}
		}
	}
}

// TelemetryTransporter interface for other plugins to use
type TelemetryTransporter interface {
	SendEvent(event *TelemetryEvent) error
	SendBatch(events []*TelemetryEvent) error
	Deliver(ctx context.Context, events []*TelemetryEvent) (*DeliveryResult, error)
	GetMetrics() *TransportMetrics
}
