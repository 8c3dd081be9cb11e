package scout

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Signals returns every signal scout emits, in declaration order.
func Signals() []capitan.Signal {
	return []capitan.Signal{
		SessionStarted,
		SessionTerminated,
		SessionAborted,
		StateTransitioned,
		RouterDecided,
		RouterMalformed,
		RouterOverridden,
		CapabilityDispatched,
		CapabilityFailed,
		SynthesisCompleted,
		SynthesisRejected,
		SynthesisFallback,
		ReviewCompleted,
		CheckpointSaved,
		CheckpointDuplicate,
		CheckpointFailed,
	}
}

// LogSink writes scout signals to a zap logger. Error-severity events are
// logged at error level, transitions at debug and everything else at info.
type LogSink struct {
	logger    *zap.Logger
	mu        sync.Mutex
	listeners []*capitan.Listener
}

// NewLogSink hooks every scout signal and logs it to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := &LogSink{logger: logger}
	sink.hook(StateTransitioned, zapcore.DebugLevel)
	for _, sig := range Signals() {
		if sig.Name() == StateTransitioned.Name() {
			continue
		}
		sink.hook(sig, zapcore.InfoLevel)
	}
	return sink
}

func (l *LogSink) hook(sig capitan.Signal, level zapcore.Level) {
	name := sig.Name()
	l.listeners = append(l.listeners, capitan.Hook(sig, func(_ context.Context, e *capitan.Event) {
		lvl := level
		if e.Severity() == capitan.SeverityError {
			lvl = zapcore.ErrorLevel
		}
		l.logger.Log(lvl, name, eventFields(e)...)
	}))
}

// Close unhooks the sink and flushes the logger.
func (l *LogSink) Close() error {
	l.mu.Lock()
	listeners := l.listeners
	l.listeners = nil
	l.mu.Unlock()
	for _, listener := range listeners {
		listener.Close()
	}
	_ = l.logger.Sync()
	return nil
}

type (
	stringKey interface {
		Name() string
		From(*capitan.Event) (string, bool)
	}
	intKey interface {
		Name() string
		From(*capitan.Event) (int, bool)
	}
)

// eventFields converts the scout keys present on e into zap fields.
func eventFields(e *capitan.Event) []zap.Field {
	var fields []zap.Field
	for _, key := range []stringKey{
		FieldSessionID, FieldVariant, FieldTermination,
		FieldFromState, FieldToState, FieldEvent,
		FieldCapability, FieldReason, FieldErrorKind,
		FieldShape, FieldVerdict, FieldProvider,
	} {
		if v, ok := key.From(e); ok {
			fields = append(fields, zap.String(key.Name(), v))
		}
	}
	for _, key := range []intKey{
		FieldIteration, FieldSteps, FieldTurnCount, FieldCallCount,
		FieldQuotaUsed, FieldQuotaLimit, FieldAttempt,
	} {
		if v, ok := key.From(e); ok {
			fields = append(fields, zap.Int(key.Name(), v))
		}
	}
	if v, ok := FieldTemperature.From(e); ok {
		fields = append(fields, zap.Float32(FieldTemperature.Name(), v))
	}
	if v, ok := FieldDuration.From(e); ok {
		fields = append(fields, zap.Duration(FieldDuration.Name(), v))
	}
	if v, ok := FieldError.From(e); ok && v != nil {
		fields = append(fields, zap.Error(v))
	}
	return fields
}
