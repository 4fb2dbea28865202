// Package telemetry provides observability for configuration set runs.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus), and plugs them into the engine
// through an engine.Observer and a progress handler.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	processor := engine.NewProcessor(factory, tel.EngineOptions()...)
//	result, err := processor.ApplySet(tel.WithContext(ctx), set)
//
// # Structured Logging
//
// The observer adds run_id to the context logger when a run starts and
// unit / unit_type when a unit starts. RecordProviderOperation logs through
// that logger with a provider field, so provider failures carry all four:
//
//	logger := telemetry.FromContext(ctx).WithProvider("system")
//	logger.WithError(err).Warn("Provider apply failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Tracing
//
// The observer opens one span per run ("configset.run") and one per started
// unit ("configset.unit"). Units skipped before they start get no span.
// Providers wrap backend calls with RecordProviderOperation, which adds a
// child span and call metrics when the context carries telemetry.
//
// Supported exporters: otlp, stdout, none
//
// # Metrics
//
// Metrics live in a private registry served by Metrics.Handler:
//
//	configset_runs_started_total{mode}
//	configset_runs_completed_total{mode,result}
//	configset_run_duration_seconds{mode}
//	configset_active_runs
//	configset_units_processed_total{type,state,result}
//	configset_unit_duration_seconds{type}
//	configset_units_reboot_required_total
//	configset_provider_calls_total{provider,operation}
//	configset_provider_call_duration_seconds{provider,operation}
//	configset_provider_errors_total{provider,operation}
//	configset_policy_denials_total{policy}
package telemetry
