package telemetry

import (
	"context"
	"time"

	"github.com/openfroyo/configset/pkg/engine"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics for a process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if one is configured.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger)
}

// EngineOptions returns the processor options that wire this telemetry into
// the engine: logger, observer and, when enabled, the progress log.
func (t *Telemetry) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(t.Logger.Zerolog()),
		engine.WithObserver(t.Observer()),
	}
	if t.Config != nil && t.Config.Progress.Enabled {
		progress := NewProgressLogger(t.Logger, t.Config.Progress)
		opts = append(opts, engine.WithProgressHandler(progress.Handle))
	}
	return opts
}

// Observer returns an engine.Observer that records spans and metrics.
func (t *Telemetry) Observer() engine.Observer {
	return &observer{tracer: t.Tracer, metrics: t.Metrics}
}

type observer struct {
	tracer  *Tracer
	metrics *Metrics
}

// unitSpan ties a span to the unit that started it. Units skipped without
// being started are completed on their parent's context.
type unitSpan struct {
	unit *engine.ConfigurationUnit
	span trace.Span
}

type unitSpanKey struct{}
type setSpanKey struct{}

func (o *observer) SetStarted(ctx context.Context, run engine.RunInfo) context.Context {
	o.metrics.RecordRunStarted(string(run.Mode))

	ctx = FromContext(ctx).WithRunID(run.ID).WithContext(ctx)
	ctx, span := o.tracer.StartSetSpan(ctx, run.ID, run.Set.Name, len(run.Set.Units))
	span.SetAttributes(AttrRunMode.String(string(run.Mode)))
	return context.WithValue(ctx, setSpanKey{}, span)
}

func (o *observer) SetCompleted(ctx context.Context, run engine.RunInfo, result *engine.ApplySetResult, duration time.Duration) {
	o.metrics.RecordRunCompleted(string(run.Mode), result.ResultCode.String(), duration)

	span, ok := ctx.Value(setSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	span.SetAttributes(AttrResultCode.String(result.ResultCode.String()))
	if result.ResultCode.Succeeded() {
		RecordSuccess(span)
	} else {
		RecordError(span, &engine.UnitError{Code: result.ResultCode})
	}
	span.End()
}

func (o *observer) UnitStarted(ctx context.Context, runID string, unit *engine.ConfigurationUnit) context.Context {
	ctx = FromContext(ctx).WithUnit(unit.DisplayName(), unit.Type).WithContext(ctx)
	ctx, span := o.tracer.StartUnitSpan(ctx, unit.DisplayName(), unit.Type, string(unit.EffectiveIntent()))
	span.SetAttributes(AttrRunID.String(runID))
	return context.WithValue(ctx, unitSpanKey{}, unitSpan{unit: unit, span: span})
}

func (o *observer) UnitCompleted(ctx context.Context, _ string, result *engine.ApplyUnitResult, duration time.Duration) {
	info := result.ResultInformation
	o.metrics.RecordUnit(result.Unit.Type, string(result.State), info.Code.String(), duration, result.RebootRequired)

	us, ok := ctx.Value(unitSpanKey{}).(unitSpan)
	if !ok || us.unit != result.Unit {
		return
	}
	us.span.SetAttributes(
		AttrUnitState.String(string(result.State)),
		AttrResultCode.String(info.Code.String()),
	)
	if info.Succeeded() {
		RecordSuccess(us.span)
	} else {
		RecordError(us.span, &engine.UnitError{
			Code:        info.Code,
			Description: info.Description,
			Details:     info.Details,
			Source:      info.Source,
		})
	}
	us.span.End()
}

// RecordProviderOperation wraps a provider call with a span and call metrics.
// It is a pass-through when the context carries no telemetry.
func RecordProviderOperation(ctx context.Context, providerName, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartProviderSpan(ctx, providerName, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	tel.Metrics.RecordProviderCall(providerName, operation, timer.Duration())
	logger := FromContext(ctx).WithProvider(providerName)
	if err != nil {
		tel.Metrics.RecordProviderError(providerName, operation)
		RecordError(span, err)
		logger.WithError(err).Warn("Provider " + operation + " failed")
	} else {
		RecordSuccess(span)
		logger.Debug("Provider " + operation + " completed")
	}
	return err
}
