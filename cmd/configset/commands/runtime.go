package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/configset/pkg/config"
	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/policy"
	"github.com/openfroyo/configset/pkg/providers"
	"github.com/openfroyo/configset/pkg/providers/builtin"
	"github.com/openfroyo/configset/pkg/providers/remote"
	"github.com/openfroyo/configset/pkg/providers/script"
	"github.com/openfroyo/configset/pkg/providers/system"
	"github.com/openfroyo/configset/pkg/providers/wasm"
	"github.com/openfroyo/configset/pkg/stores"
	"github.com/openfroyo/configset/pkg/telemetry"
)

// runtime is everything a command needs to load and process sets.
type runtime struct {
	telemetry *telemetry.Telemetry
	registry  *providers.Registry
	loader    *config.Loader
	gate      *policy.Engine
	store     *stores.SQLiteStore
}

// newRuntime wires telemetry, providers, schemas, policies and, when
// configured, the history store.
func (o *options) newRuntime(ctx context.Context, logOut io.Writer) (*runtime, error) {
	tel, err := o.newTelemetry(logOut)
	if err != nil {
		return nil, err
	}
	logger := tel.Logger.Zerolog()

	rt := &runtime{telemetry: tel, registry: providers.NewRegistry(logger)}

	defaults := []providers.Provider{
		builtin.New(),
		system.New(),
		script.New(o.scriptTimeout, logger),
		remote.New(logger),
	}
	for _, p := range defaults {
		if err := rt.registry.Register(p); err != nil {
			rt.close(ctx)
			return nil, err
		}
	}

	if o.providerDir != "" {
		if err := o.loadWasmProviders(ctx, rt); err != nil {
			rt.close(ctx)
			return nil, err
		}
	}

	schemas := config.NewSchemaRegistry()
	if err := rt.registry.RegisterSchemas(schemas); err != nil {
		rt.close(ctx)
		return nil, err
	}
	rt.loader = config.NewLoader(schemas)

	rt.gate, err = policy.NewEngine(logger,
		policy.WithMode(policy.Mode(o.policyMode)),
		policy.WithEnvironment(o.environment))
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	if len(o.policyPaths) > 0 {
		if err := rt.gate.LoadPolicies(ctx, o.policyPaths); err != nil {
			rt.close(ctx)
			return nil, err
		}
	}

	return rt, nil
}

func (o *options) newTelemetry(logOut io.Writer) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = o.environment
	cfg.Logging.Level = o.logLevel
	cfg.Logging.Format = o.logFormat
	cfg.Metrics.ListenAddress = o.metricsAddr
	if o.traceExporter != "" && o.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = o.traceExporter
		cfg.Tracing.Endpoint = o.traceEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &telemetry.Telemetry{
		Logger:  telemetry.NewLoggerWithWriter(logOut, cfg.Logging),
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

func (o *options) loadWasmProviders(ctx context.Context, rt *runtime) error {
	paths, err := wasm.ScanDirectory(o.providerDir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		p, err := wasm.Load(ctx, path, wasm.Config{Timeout: o.wasmTimeout}, rt.telemetry.Logger.Zerolog())
		if err != nil {
			return fmt.Errorf("failed to load provider %s: %w", path, err)
		}
		if err := rt.registry.Register(p); err != nil {
			_ = p.Close(ctx)
			return err
		}
	}
	return nil
}

// openHistory opens the history store. It returns nil when no database is
// configured.
func (o *options) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if o.historyDB == "" {
		return nil, nil
	}
	if dir := filepath.Dir(o.historyDB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: o.historyDB})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// loadSet reads a document from path, or from stdin when path is "-".
func (rt *runtime) loadSet(ctx context.Context, path string, stdin io.Reader) (*engine.ConfigurationSet, error) {
	if path == "-" {
		return rt.loader.LoadReader(ctx, "-", config.FormatYAML, stdin)
	}
	return rt.loader.LoadFile(ctx, path)
}

// processorOptions wires telemetry, the policy gate and history into the
// engine.
func (rt *runtime) processorOptions() []engine.Option {
	opts := rt.telemetry.EngineOptions()
	opts = append(opts, engine.WithGate(rt.gate))
	if rt.store != nil {
		opts = append(opts, engine.WithRecorder(rt.store))
	}
	return opts
}

func (rt *runtime) close(ctx context.Context) {
	logger := rt.telemetry.Logger
	if err := rt.registry.Close(ctx); err != nil {
		logger.WithError(err).Warn("Failed to close providers")
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close history store")
		}
	}
	if err := rt.telemetry.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

// describeLoadError renders every problem of a *config.LoadError on its own
// line.
func describeLoadError(err error) string {
	var loadErr *config.LoadError
	if !errors.As(err, &loadErr) || len(loadErr.Errors) < 2 {
		return err.Error()
	}
	lines := make([]string, 0, len(loadErr.Errors)+1)
	lines = append(lines, fmt.Sprintf("invalid configuration %s:", loadErr.File))
	for _, ve := range loadErr.Errors {
		lines = append(lines, "  "+ve.String())
	}
	return strings.Join(lines, "\n")
}
