// telemetry-shipper reads telemetry events as JSON lines from stdin and
// delivers them with the telemetry transport plugin, configured from the
// telemetry_transport section of a YAML file.
//
// Build with -tags release for production; without it a double finalize of
// an event panics instead of being logged.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	rrerrors "github.com/roadrunner-server/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	transport "github.com/your-org/roadrunner-telemetry-transport"
)

// maxLine bounds the size of one input event.
const maxLine = 4 << 20

type namedLogger struct {
	base *zap.Logger
}

func (l namedLogger) NamedLogger(name string) *zap.Logger {
	return l.base.Named(name)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string
	var drainTimeout time.Duration

	flagSet := pflag.NewFlagSet("telemetry-shipper", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", ".rr.yaml", "path to the YAML configuration")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for pending events on exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrap(err, "invalid --log-level")
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return errors.Wrap(err, "failed to build logger")
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	plugin := &transport.Plugin{}
	if err := plugin.Init(cfg, namedLogger{logger}); err != nil {
		if rrerrors.Is(rrerrors.Disabled, err) {
			logger.Warn("telemetry transport is disabled, nothing to do")
			return nil
		}
		return err
	}
	errCh := plugin.Serve()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	readErr := make(chan error, 1)
	go func() { readErr <- ship(ctx, plugin, os.Stdin, logger) }()

	select {
	case err = <-readErr:
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("interrupted, draining")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if stopErr := plugin.Stop(drainCtx); stopErr != nil && err == nil {
		err = stopErr
	}

	m := plugin.GetMetrics()
	logger.Info("done",
		zap.Int64("delivered", m.EventsDelivered),
		zap.Int64("dropped", m.EventsDropped),
		zap.Int64("rejected", m.EventsRejected))
	return err
}

// ship submits one event per input line until EOF or ctx is done. Lines that
// are not valid events are logged and skipped.
func ship(ctx context.Context, plugin *transport.Plugin, r io.Reader, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var te transport.TelemetryEvent
		if err := json.Unmarshal(raw, &te); err != nil {
			logger.Warn("skipping malformed line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := plugin.SendEventWait(ctx, &te); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("event refused", zap.Int("line", line), zap.Error(err))
		}
	}
	return errors.Wrap(scanner.Err(), "failed to read input")
}
