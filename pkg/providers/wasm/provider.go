// Package wasm runs unit processors compiled to WebAssembly.
//
// A provider is described by a manifest naming the module and the unit
// types it serves. The module exports memory, malloc(size i32) i32 and
// optionally free(ptr i32), plus unit_test and optionally unit_get and
// unit_apply. Unit functions receive a JSON request and return a JSON
// response packed as (ptr << 32) | len. Every call runs in a fresh module
// instance.
//
// Modules may import from "env":
//
//	log(level, ptr, len i32)                        0 debug, 1 info, 2 warn, 3 error
//	getenv(keyPtr, keyLen, outPtr, outCap i32) i32   value length, or -1
//
// getenv requires the env:read capability and never exposes credentials.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/providers"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Config controls the module runtime.
type Config struct {
	// Timeout bounds each unit function call. Default is 30s.
	Timeout time.Duration

	// MemoryLimitPages caps module memory in 64KiB pages. Default is 256 (16MiB).
	MemoryLimitPages uint32
}

// Provider serves the unit types of one WebAssembly module.
type Provider struct {
	manifest *Manifest
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
	logger   zerolog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// Load reads a manifest and its module from disk.
func Load(ctx context.Context, manifestPath string, cfg Config, logger zerolog.Logger) (*Provider, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	module, err := manifest.ReadModule()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", manifest.Name, err)
	}
	return New(ctx, manifest, module, cfg, logger)
}

// New compiles module and checks that it exports what the bridge needs.
func New(ctx context.Context, manifest *Manifest, module []byte, cfg Config, logger zerolog.Logger) (*Provider, error) {
	if err := manifest.VerifyChecksum(module); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := instantiateHostModule(ctx, runtime, manifest); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile module %s: %w", manifest.Name, err)
	}

	if err := checkExports(compiled); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("module %s: %w", manifest.Name, err)
	}

	return &Provider{
		manifest: manifest,
		runtime:  runtime,
		compiled: compiled,
		timeout:  cfg.Timeout,
		logger:   logger.With().Str("provider", manifest.Name).Logger(),
	}, nil
}

func checkExports(compiled wazero.CompiledModule) error {
	if len(compiled.ExportedMemories()) == 0 {
		return errors.New("module does not export memory")
	}
	functions := compiled.ExportedFunctions()
	for _, name := range []string{"malloc", exportTest} {
		if _, ok := functions[name]; !ok {
			return fmt.Errorf("module does not export %s", name)
		}
	}
	return nil
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return p.manifest.Name
}

// Manifest returns the provider manifest.
func (p *Provider) Manifest() *Manifest {
	return p.manifest
}

// Types implements providers.Provider.
func (p *Provider) Types() []providers.TypeInfo {
	types := make([]providers.TypeInfo, 0, len(p.manifest.Types))
	for _, t := range p.manifest.Types {
		types = append(types, providers.TypeInfo{
			Name:           t.Name,
			Description:    t.Description,
			SettingsSchema: t.Schema,
		})
	}
	return types
}

// NewUnitProcessor implements providers.Provider.
func (p *Provider) NewUnitProcessor(_ context.Context, unit *engine.ConfigurationUnit) (engine.UnitProcessor, error) {
	settings := unit.Settings
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return &processor{
		provider: p,
		unit:     unit,
		req:      request{Type: unit.Type, Identifier: unit.Identifier, Settings: settings},
		logger:   p.logger.With().Str("unit", unit.DisplayName()).Logger(),
	}, nil
}

// Close releases the runtime and every compiled module.
func (p *Provider) Close(ctx context.Context) error {
	if err := p.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close runtime: %w", err)
	}
	return nil
}

// processor calls one unit's functions, each in a fresh instance.
type processor struct {
	provider *Provider
	unit     *engine.ConfigurationUnit
	req      request
	logger   zerolog.Logger
}

// invoke instantiates the module and calls name. A nil response with a nil
// error means the module does not export name.
func (p *processor) invoke(ctx context.Context, name string) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.provider.timeout)
	defer cancel()
	ctx = p.logger.WithContext(ctx)

	module, err := p.provider.runtime.InstantiateModule(ctx, p.provider.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return nil, p.callError(ctx, "instantiate", err)
	}
	defer module.Close(context.Background())

	b, err := newBridge(module)
	if err != nil {
		return nil, err
	}
	if !b.has(name) {
		return nil, nil
	}

	resp, err := b.invoke(ctx, name, p.req)
	if err != nil {
		return nil, p.callError(ctx, name, err)
	}
	return resp, nil
}

func (p *processor) callError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %v", op, p.provider.timeout)
	}
	return err
}

func (p *processor) GetSettings(ctx context.Context) (map[string]interface{}, error) {
	resp, err := p.invoke(ctx, exportGet)
	if err != nil {
		return nil, unitFailure("get", err.Error())
	}
	if resp == nil {
		return p.req.Settings, nil
	}
	if resp.Error != "" {
		return nil, unitFailure("get", joinDetails(resp.Error, resp.Details))
	}
	if resp.Settings == nil {
		return map[string]interface{}{}, nil
	}
	return resp.Settings, nil
}

func (p *processor) TestSettings(ctx context.Context) (engine.TestSettingsResult, error) {
	resp, err := p.invoke(ctx, exportTest)
	if err != nil {
		return engine.TestSettingsResult{
			Result:            engine.TestResultFailed,
			ResultInformation: providers.Failure(providers.CodeUnitFailed, exportTest+" failed", err.Error()),
		}, nil
	}
	if resp.Error != "" {
		return engine.TestSettingsResult{
			Result:            engine.TestResultFailed,
			ResultInformation: providers.Failure(providers.CodeUnitFailed, resp.Error, resp.Details),
		}, nil
	}

	if resp.InDesiredState {
		return engine.TestSettingsResult{Result: engine.TestResultPositive}, nil
	}
	return engine.TestSettingsResult{Result: engine.TestResultNegative}, nil
}

func (p *processor) ApplySettings(ctx context.Context) (engine.ApplySettingsResult, error) {
	resp, err := p.invoke(ctx, exportApply)
	if err != nil {
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(providers.CodeUnitFailed, exportApply+" failed", err.Error()),
		}, nil
	}
	if resp == nil {
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(engine.CodeNotSupported, "module does not export "+exportApply, ""),
		}, nil
	}
	if resp.Error != "" {
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(providers.CodeUnitFailed, resp.Error, resp.Details),
		}, nil
	}
	return engine.ApplySettingsResult{RebootRequired: resp.RebootRequired}, nil
}

func unitFailure(op, details string) error {
	return &engine.UnitError{
		Code:        providers.CodeUnitFailed,
		Description: op + " failed",
		Details:     details,
		Source:      engine.ResultSourceUnitProcessing,
	}
}

func joinDetails(msg, details string) string {
	if details == "" {
		return msg
	}
	return msg + ": " + details
}

// instantiateHostModule exports the "env" functions modules may import.
func instantiateHostModule(ctx context.Context, runtime wazero.Runtime, manifest *Manifest) error {
	envRead := manifest.HasCapability(CapabilityEnvRead)

	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, size uint32) {
			msg, ok := mod.Memory().Read(ptr, size)
			if !ok {
				return
			}
			logger := zerolog.Ctx(ctx)
			switch level {
			case 0:
				logger.Debug().Msg(string(msg))
			case 1:
				logger.Info().Msg(string(msg))
			case 2:
				logger.Warn().Msg(string(msg))
			default:
				logger.Error().Msg(string(msg))
			}
		}).
		Export("log").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, outPtr, outCap uint32) int32 {
			key, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok || !envRead || isSensitiveEnvVar(string(key)) {
				return -1
			}
			value, ok := os.LookupEnv(string(key))
			if !ok {
				return -1
			}
			n := uint32(len(value))
			if n > outCap {
				n = outCap
			}
			if n > 0 && !mod.Memory().Write(outPtr, []byte(value[:n])) {
				return -1
			}
			return int32(len(value))
		}).
		Export("getenv").
		Instantiate(ctx)
	return err
}

var sensitiveEnvVars = []string{
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"SSH_AUTH_SOCK",
	"SSH_PRIVATE_KEY",
	"API_KEY",
	"SECRET",
	"TOKEN",
	"PASSWORD",
	"CREDENTIAL",
}

func isSensitiveEnvVar(key string) bool {
	upper := strings.ToUpper(key)
	for _, s := range sensitiveEnvVars {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}
