// Package script provides units whose state is tested and applied by
// Starlark functions.
//
// A script defines test(args), which returns a bool or a dict with a
// "result" bool and optional "details". It may define apply(args), which
// returns None, a bool reboot flag, or a dict with "rebootRequired", and
// get(args), which returns the current settings as a dict. Scripts reach
// the host through the predeclared host struct:
//
//	host.read_file(path)            content, or None when missing
//	host.write_file(path, content)  writes with mode 0644
//	host.remove(path)               removes a file if present
//	host.exists(path)               bool
//	host.getenv(name)               value, or None when unset
package script

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/providers"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Type is the unit type served by the provider.
const Type = "script"

const schema = `
#Script: {
	source?:  string
	path?:    string
	args?:    {...}
	timeout?: string
}
`

// Settings are the settings of a script unit. Exactly one of Source and
// Path is required.
type Settings struct {
	Source  string                 `json:"source,omitempty" validate:"required_without=Path,excluded_with=Path"`
	Path    string                 `json:"path,omitempty" validate:"required_without=Source"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Timeout string                 `json:"timeout,omitempty"`
}

// Provider runs script units.
type Provider struct {
	timeout time.Duration
	logger  zerolog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New creates a script provider. The timeout bounds each script call; zero
// uses DefaultTimeout.
func New(timeout time.Duration, logger zerolog.Logger) *Provider {
	return &Provider{
		timeout: timeout,
		logger:  logger.With().Str("provider", "script").Logger(),
	}
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return "script"
}

// Types implements providers.Provider.
func (p *Provider) Types() []providers.TypeInfo {
	return []providers.TypeInfo{{
		Name:           Type,
		Description:    "Tests and applies state with Starlark functions",
		SettingsSchema: schema,
	}}
}

// NewUnitProcessor implements providers.Provider. The script is loaded
// here, so syntax errors are reported as invalid settings.
func (p *Provider) NewUnitProcessor(ctx context.Context, unit *engine.ConfigurationUnit) (engine.UnitProcessor, error) {
	var settings Settings
	if err := providers.DecodeSettings(unit, &settings); err != nil {
		return nil, err
	}

	timeout := p.timeout
	if settings.Timeout != "" {
		d, err := time.ParseDuration(settings.Timeout)
		if err != nil || d <= 0 {
			return nil, invalid(unit, fmt.Sprintf("bad timeout %q", settings.Timeout))
		}
		timeout = d
	}

	name := unit.DisplayName() + ".star"
	source := settings.Source
	if settings.Path != "" {
		data, err := os.ReadFile(settings.Path)
		if err != nil {
			return nil, invalid(unit, err.Error())
		}
		name = settings.Path
		source = string(data)
	}

	logger := p.logger.With().Str("unit", unit.DisplayName()).Logger()
	eval := NewEvaluator(timeout, starlark.StringDict{"host": hostModule()})
	eval.print = func(thread, msg string) {
		logger.Info().Str("thread", thread).Msg(msg)
	}

	module, err := eval.Load(ctx, name, source)
	if err != nil {
		return nil, invalid(unit, err.Error())
	}
	if !module.Has("test") {
		return nil, invalid(unit, "script does not define test(args)")
	}

	args := settings.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	return &processor{module: module, args: args}, nil
}

func invalid(unit *engine.ConfigurationUnit, details string) error {
	return &engine.UnitError{
		Code:        providers.CodeInvalidSettings,
		Description: fmt.Sprintf("invalid script for %s", unit.DisplayName()),
		Details:     details,
		Source:      engine.ResultSourceConfigurationSet,
	}
}

// processor calls the functions of one loaded script.
type processor struct {
	module *Module
	args   map[string]interface{}
}

func (p *processor) GetSettings(ctx context.Context) (map[string]interface{}, error) {
	if !p.module.Has("get") {
		return p.args, nil
	}
	out, err := p.module.Call(ctx, "get", p.args)
	if err != nil {
		return nil, err
	}
	settings, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("get() returned %T, want dict", out)
	}
	return settings, nil
}

func (p *processor) TestSettings(ctx context.Context) (engine.TestSettingsResult, error) {
	out, err := p.module.Call(ctx, "test", p.args)
	if err != nil {
		return engine.TestSettingsResult{
			Result:            engine.TestResultFailed,
			ResultInformation: providers.Failure(providers.CodeUnitFailed, "test() failed", err.Error()),
		}, nil
	}

	inDesiredState, details, err := testOutcome(out)
	if err != nil {
		return engine.TestSettingsResult{
			Result:            engine.TestResultFailed,
			ResultInformation: providers.Failure(providers.CodeUnitFailed, "test() returned an invalid value", err.Error()),
		}, nil
	}

	result := engine.TestSettingsResult{Result: engine.TestResultNegative}
	if inDesiredState {
		result.Result = engine.TestResultPositive
	}
	result.ResultInformation.Details = details
	return result, nil
}

func testOutcome(out interface{}) (bool, string, error) {
	switch v := out.(type) {
	case bool:
		return v, "", nil
	case map[string]interface{}:
		result, ok := v["result"].(bool)
		if !ok {
			return false, "", fmt.Errorf(`dict must hold a bool "result"`)
		}
		details, _ := v["details"].(string)
		return result, details, nil
	default:
		return false, "", fmt.Errorf("got %T, want bool or dict", out)
	}
}

func (p *processor) ApplySettings(ctx context.Context) (engine.ApplySettingsResult, error) {
	if !p.module.Has("apply") {
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(engine.CodeNotSupported, "script does not define apply(args)", ""),
		}, nil
	}

	out, err := p.module.Call(ctx, "apply", p.args)
	if err != nil {
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(providers.CodeUnitFailed, "apply() failed", err.Error()),
		}, nil
	}

	switch v := out.(type) {
	case nil:
		return engine.ApplySettingsResult{}, nil
	case bool:
		return engine.ApplySettingsResult{RebootRequired: v}, nil
	case map[string]interface{}:
		reboot, _ := v["rebootRequired"].(bool)
		return engine.ApplySettingsResult{RebootRequired: reboot}, nil
	default:
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(providers.CodeUnitFailed, "apply() returned an invalid value", fmt.Sprintf("got %T", out)),
		}, nil
	}
}

// hostModule exposes file and environment access to scripts.
func hostModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "host",
		Members: starlark.StringDict{
			"read_file":  starlark.NewBuiltin("read_file", hostReadFile),
			"write_file": starlark.NewBuiltin("write_file", hostWriteFile),
			"remove":     starlark.NewBuiltin("remove", hostRemove),
			"exists":     starlark.NewBuiltin("exists", hostExists),
			"getenv":     starlark.NewBuiltin("getenv", hostGetenv),
		},
	}
}

func hostReadFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return starlark.None, nil
	}
	if err != nil {
		return nil, err
	}
	return starlark.String(data), nil
}

func hostWriteFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func hostRemove(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return starlark.None, nil
}

func hostExists(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	_, err := os.Stat(path)
	return starlark.Bool(err == nil), nil
}

func hostGetenv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return starlark.None, nil
	}
	return starlark.String(v), nil
}
