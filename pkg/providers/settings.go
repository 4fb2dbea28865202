package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/configset/pkg/engine"
)

// Result codes reported by providers.
const (
	// CodeInvalidSettings reports settings a provider cannot use.
	CodeInvalidSettings engine.ResultCode = 0x0D01

	// CodeUnitFailed reports a unit a provider could not bring into the
	// desired state.
	CodeUnitFailed engine.ResultCode = 0x0D02
)

var settingsValidator = validator.New()

// DecodeSettings decodes a unit's settings into out, a pointer to a struct
// with json and validate tags. Validation failures are returned as a
// *engine.UnitError with source configuration_set.
func DecodeSettings(unit *engine.ConfigurationUnit, out interface{}) error {
	settings := unit.Settings
	if settings == nil {
		settings = map[string]interface{}{}
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings of %s: %w", unit.DisplayName(), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return invalidSettings(unit, err.Error())
	}

	if err := settingsValidator.Struct(out); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			msgs := make([]string, 0, len(fieldErrors))
			for _, fe := range fieldErrors {
				msgs = append(msgs, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
			}
			return invalidSettings(unit, strings.Join(msgs, "; "))
		}
		return invalidSettings(unit, err.Error())
	}
	return nil
}

// EncodeSettings converts a settings struct back to the generic map the
// engine records.
func EncodeSettings(in interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return out, nil
}

func invalidSettings(unit *engine.ConfigurationUnit, details string) error {
	return &engine.UnitError{
		Code:        CodeInvalidSettings,
		Description: fmt.Sprintf("invalid settings for %s", unit.DisplayName()),
		Details:     details,
		Source:      engine.ResultSourceConfigurationSet,
	}
}

// Failure builds the result information a processor reports when a unit
// could not be brought into the desired state.
func Failure(code engine.ResultCode, description, details string) engine.ResultInformation {
	if code == engine.CodeSuccess {
		code = CodeUnitFailed
	}
	return engine.ResultInformation{
		Code:        code,
		Description: description,
		Details:     details,
		Source:      engine.ResultSourceUnitProcessing,
	}
}
