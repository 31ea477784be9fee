package observe

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logSink struct {
	logger *zap.Logger
}

// NewLogSink returns a Sink writing one structured log line per record.
// Delivered and Retryable records are logged at debug level, BuildError and
// Fatal at error level.
func NewLogSink(logger *zap.Logger) Sink {
	return &logSink{logger: logger}
}

func (s *logSink) Emit(r Record) {
	level := zapcore.DebugLevel
	msg := "request delivered"
	switch r.Outcome {
	case Retryable:
		msg = "request attempt failed, retry scheduled"
	case BuildError:
		level = zapcore.ErrorLevel
		msg = "failed to build request, events dropped"
	case Fatal:
		level = zapcore.ErrorLevel
		msg = "request failed, events dropped"
	}

	ce := s.logger.Check(level, msg)
	if ce == nil {
		return
	}
	fields := []zap.Field{
		zap.Stringer("outcome", r.Outcome),
		zap.Int("events", r.EventCount),
		zap.Int("bytes", r.ByteSize),
	}
	if r.RequestID != "" {
		fields = append(fields, zap.String("request_id", r.RequestID))
	}
	if r.BytesSent > 0 {
		fields = append(fields, zap.Int("sent_bytes", r.BytesSent))
	}
	if r.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", r.Attempt))
	}
	if r.Cause != nil {
		fields = append(fields, zap.Error(r.Cause))
	}
	ce.Write(fields...)
}
