package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type stubProcessor struct {
	result engine.TestResult
}

func (s *stubProcessor) CreateUnitProcessor(context.Context, *engine.ConfigurationUnit) (engine.UnitProcessor, error) {
	return s, nil
}

func (s *stubProcessor) GetSettings(context.Context) (map[string]interface{}, error) {
	return nil, nil
}

func (s *stubProcessor) TestSettings(context.Context) (engine.TestSettingsResult, error) {
	return engine.TestSettingsResult{Result: s.result}, nil
}

func (s *stubProcessor) ApplySettings(context.Context) (engine.ApplySettingsResult, error) {
	return engine.ApplySettingsResult{RebootRequired: true}, nil
}

func newTestTelemetry(t *testing.T) (*Telemetry, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	metrics, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	return &Telemetry{
		Logger:  NewLoggerWithWriter(&bytes.Buffer{}, LoggingConfig{Level: "debug", Format: "json"}),
		Tracer:  NewTracerFromProvider(provider, "test"),
		Metrics: metrics,
		Config:  DefaultConfig(),
	}, recorder
}

func TestObserver_SpansAndMetrics(t *testing.T) {
	tel, recorder := newTestTelemetry(t)

	factory := engine.SetProcessorFactoryFunc(func(context.Context, *engine.ConfigurationSet) (engine.SetProcessor, error) {
		return &stubProcessor{result: engine.TestResultNegative}, nil
	})
	processor := engine.NewProcessor(factory, tel.EngineOptions()...)

	set := &engine.ConfigurationSet{
		Name: "observed",
		Units: []*engine.ConfigurationUnit{
			{Identifier: "a", Type: "stub"},
			{Identifier: "b", Type: "stub", Dependencies: []string{"a"}},
			{Identifier: "off", Type: "stub", Inactive: true},
		},
	}

	result, err := processor.ApplySet(tel.WithContext(context.Background()), set)
	if err != nil {
		t.Fatalf("ApplySet failed: %v", err)
	}
	if result.ResultCode != engine.CodeManuallySkipped {
		t.Fatalf("Expected manual skip code, got %s", result.ResultCode)
	}

	spans := recorder.Ended()
	var runSpans, unitSpans int
	for _, s := range spans {
		switch s.Name() {
		case "configset.run":
			runSpans++
			if s.Status().Code != codes.Error {
				t.Errorf("Expected run span to carry an error status, got %v", s.Status().Code)
			}
		case "configset.unit":
			unitSpans++
			if s.Status().Code != codes.Ok {
				t.Errorf("Expected unit span to succeed, got %v", s.Status().Code)
			}
		}
	}
	if runSpans != 1 {
		t.Errorf("Expected 1 run span, got %d", runSpans)
	}
	if unitSpans != 2 {
		t.Errorf("Expected 2 unit spans, got %d", unitSpans)
	}

	m := tel.Metrics
	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("apply")); got != 1 {
		t.Errorf("Expected 1 started run, got %v", got)
	}
	if got := testutil.ToFloat64(m.unitsProcessed.WithLabelValues("stub", "completed", "SUCCESS")); got != 2 {
		t.Errorf("Expected 2 completed units, got %v", got)
	}
	if got := testutil.ToFloat64(m.unitsProcessed.WithLabelValues("stub", "skipped", "MANUALLY_SKIPPED")); got != 1 {
		t.Errorf("Expected 1 skipped unit, got %v", got)
	}
	if got := testutil.ToFloat64(m.rebootsNeeded); got != 2 {
		t.Errorf("Expected 2 reboots, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("Expected no active runs, got %v", got)
	}
}

func TestRecordProviderOperation(t *testing.T) {
	tel, recorder := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	err := RecordProviderOperation(ctx, "command", "apply", func(context.Context) error {
		return errTest
	})
	if err != errTest {
		t.Fatalf("Expected wrapped error to be returned, got %v", err)
	}

	if got := testutil.ToFloat64(tel.Metrics.providerErrors.WithLabelValues("command", "apply")); got != 1 {
		t.Errorf("Expected 1 provider error, got %v", got)
	}
	if spans := recorder.Ended(); len(spans) != 1 || spans[0].Name() != "provider.apply" {
		t.Errorf("Expected one provider span, got %d", len(spans))
	}

	called := false
	_ = RecordProviderOperation(context.Background(), "command", "get", func(context.Context) error {
		called = true
		return nil
	})
	if !called {
		t.Error("Expected function to run without telemetry")
	}
}

func TestRecordProviderOperation_ContextLogger(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	var buf bytes.Buffer
	tel.Logger = NewLoggerWithWriter(&buf, LoggingConfig{Level: "debug", Format: "json"})

	unit := &engine.ConfigurationUnit{Identifier: "motd", Type: "file"}
	set := &engine.ConfigurationSet{Name: "site", Units: []*engine.ConfigurationUnit{unit}}

	obs := tel.Observer()
	ctx := tel.WithContext(context.Background())
	ctx = obs.SetStarted(ctx, engine.RunInfo{ID: "run-1", Mode: engine.RunModeApply, Set: set})
	ctx = obs.UnitStarted(ctx, "run-1", unit)

	_ = RecordProviderOperation(ctx, "system", "apply", func(context.Context) error {
		return errTest
	})

	line := buf.String()
	for _, want := range []string{
		`"level":"warn"`,
		`"run_id":"run-1"`,
		`"unit":"motd"`,
		`"unit_type":"file"`,
		`"provider":"system"`,
		"provider failed",
		"Provider apply failed",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected log to contain %s, got %s", want, line)
		}
	}

	buf.Reset()
	_ = RecordProviderOperation(ctx, "system", "test", func(context.Context) error { return nil })
	if !strings.Contains(buf.String(), `"level":"debug"`) || !strings.Contains(buf.String(), "Provider test completed") {
		t.Errorf("Expected debug completion log, got %s", buf.String())
	}
}

type testError struct{}

func (testError) Error() string { return "provider failed" }

var errTest error = testError{}

func TestProgressLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "debug", Format: "json"})
	progress := NewProgressLogger(logger, ProgressConfig{Enabled: true, FailuresOnly: true})

	unit := &engine.ConfigurationUnit{Identifier: "pkg", Type: "command"}
	progress.Handle(engine.ProgressEvent{Kind: engine.EventUnitStateChanged, Unit: unit, UnitState: engine.UnitStateCompleted})
	progress.Handle(engine.ProgressEvent{
		Kind:      engine.EventUnitStateChanged,
		Unit:      unit,
		UnitState: engine.UnitStateSkipped,
		ResultInformation: engine.ResultInformation{
			Code:    engine.CodeDependencyUnsatisfied,
			Details: "repo",
			Source:  engine.ResultSourcePrecondition,
		},
	})

	out := buf.String()
	if strings.Count(out, "Unit state changed") != 1 {
		t.Errorf("Expected only the failure to be logged, got:\n%s", out)
	}
	if !strings.Contains(out, "DEPENDENCY_UNSATISFIED") || !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("Unexpected log output:\n%s", out)
	}

	counts := progress.Counts()
	if counts[engine.UnitStateCompleted] != 1 || counts[engine.UnitStateSkipped] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"missing service", func(c *Config) { c.ServiceName = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := ProductionConfig().Validate(); err == nil {
		t.Error("Expected production config without an endpoint to be rejected")
	}
	if err := DevelopmentConfig().Validate(); err != nil {
		t.Errorf("Expected development config to be valid, got %v", err)
	}
}
