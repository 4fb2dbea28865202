package system

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/providers"
)

// CommandType is the unit type of local command units.
const CommandType = "command"

// CommandFields is the CUE body of the command settings schema.
const CommandFields = `
	test:            [string, ...string]
	apply?:          [...string]
	get?:            [...string]
	dir?:            string
	env?:            {[string]: string}
	rebootExitCode?: int & >0 & <256
`

// CommandSettings are the settings of a command unit. Each command is an
// argument vector; the unit is in the desired state when test exits 0.
type CommandSettings struct {
	Test           []string          `json:"test" validate:"required,min=1,dive,required"`
	Apply          []string          `json:"apply,omitempty" validate:"omitempty,dive,required"`
	Get            []string          `json:"get,omitempty" validate:"omitempty,dive,required"`
	Dir            string            `json:"dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	RebootExitCode int               `json:"rebootExitCode,omitempty" validate:"omitempty,min=1,max=255"`
}

// CodeCommandFailed reports a command that exited with an unexpected status.
const CodeCommandFailed engine.ResultCode = 0x0D10

// NewCommandProcessor creates the processor of a command unit running on
// host.
func NewCommandProcessor(host Host, settings CommandSettings) engine.UnitProcessor {
	return &commandProcessor{host: host, settings: settings}
}

type commandProcessor struct {
	host     Host
	settings CommandSettings
}

func (p *commandProcessor) command(args []string) Command {
	return Command{Args: args, Dir: p.settings.Dir, Env: p.settings.Env}
}

func (p *commandProcessor) GetSettings(ctx context.Context) (map[string]interface{}, error) {
	if len(p.settings.Get) == 0 {
		return providers.EncodeSettings(p.settings)
	}

	result, err := p.host.Run(ctx, p.command(p.settings.Get))
	if err != nil {
		return nil, hostError("get", err)
	}
	if result.ExitCode != 0 {
		return nil, &engine.UnitError{
			Code:        CodeCommandFailed,
			Description: fmt.Sprintf("get command exited with code %d", result.ExitCode),
			Details:     strings.TrimSpace(result.Stderr),
			Source:      engine.ResultSourceUnitProcessing,
		}
	}

	var settings map[string]interface{}
	if err := json.Unmarshal([]byte(result.Stdout), &settings); err == nil && settings != nil {
		return settings, nil
	}
	return map[string]interface{}{"output": strings.TrimSpace(result.Stdout)}, nil
}

func (p *commandProcessor) TestSettings(ctx context.Context) (engine.TestSettingsResult, error) {
	result, err := p.host.Run(ctx, p.command(p.settings.Test))
	if err != nil {
		return engine.TestSettingsResult{}, hostError("test", err)
	}
	if result.ExitCode == 0 {
		return engine.TestSettingsResult{Result: engine.TestResultPositive}, nil
	}
	return engine.TestSettingsResult{Result: engine.TestResultNegative}, nil
}

func (p *commandProcessor) ApplySettings(ctx context.Context) (engine.ApplySettingsResult, error) {
	if len(p.settings.Apply) == 0 {
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(engine.CodeNotSupported, "command unit has no apply command", ""),
		}, nil
	}

	result, err := p.host.Run(ctx, p.command(p.settings.Apply))
	if err != nil {
		return engine.ApplySettingsResult{}, hostError("apply", err)
	}

	switch {
	case result.ExitCode == 0:
		return engine.ApplySettingsResult{}, nil
	case p.settings.RebootExitCode != 0 && result.ExitCode == p.settings.RebootExitCode:
		return engine.ApplySettingsResult{RebootRequired: true}, nil
	default:
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(
				CodeCommandFailed,
				fmt.Sprintf("apply command exited with code %d", result.ExitCode),
				strings.TrimSpace(result.Stderr),
			),
		}, nil
	}
}

// hostError reports a failure to reach the host as a unit failure, keeping
// the cause for callers that retry.
func hostError(op string, err error) error {
	return &engine.UnitError{
		Code:        providers.CodeUnitFailed,
		Description: fmt.Sprintf("%s failed", op),
		Details:     err.Error(),
		Source:      engine.ResultSourceUnitProcessing,
		Err:         err,
	}
}
