package system

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/providers"
)

// FileType is the unit type of local file units.
const FileType = "file"

// FileFields is the CUE body of the file settings schema.
const FileFields = `
	path:     string
	content?: string
	mode?:    =~"^0?[0-7]{3}$"
	state?:   "present" | "absent"
`

// File states.
const (
	FilePresent = "present"
	FileAbsent  = "absent"
)

const defaultFileMode os.FileMode = 0o644

// FileSettings are the settings of a file unit.
type FileSettings struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content,omitempty"`
	Mode    string `json:"mode,omitempty"`
	State   string `json:"state,omitempty" validate:"omitempty,oneof=present absent"`
}

// ParseMode returns the permission bits of the settings, or the default
// mode when none is set.
func (s FileSettings) ParseMode() (os.FileMode, bool, error) {
	if s.Mode == "" {
		return defaultFileMode, false, nil
	}
	mode, err := strconv.ParseUint(s.Mode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, false, fmt.Errorf("invalid mode %q", s.Mode)
	}
	return os.FileMode(mode), true, nil
}

// NewFileProcessor creates the processor of a file unit on host. Settings
// that cannot be used return an error with code providers.CodeInvalidSettings.
func NewFileProcessor(host Host, unit *engine.ConfigurationUnit, settings FileSettings) (engine.UnitProcessor, error) {
	mode, explicit, err := settings.ParseMode()
	if err != nil {
		return nil, invalidFile(unit, err.Error())
	}
	if !path.IsAbs(settings.Path) {
		return nil, invalidFile(unit, fmt.Sprintf("path %q is not absolute", settings.Path))
	}
	if settings.State == "" {
		settings.State = FilePresent
	}
	return &fileProcessor{host: host, settings: settings, mode: mode, explicitMode: explicit}, nil
}

func invalidFile(unit *engine.ConfigurationUnit, details string) error {
	return &engine.UnitError{
		Code:        providers.CodeInvalidSettings,
		Description: fmt.Sprintf("invalid settings for %s", unit.DisplayName()),
		Details:     details,
		Source:      engine.ResultSourceConfigurationSet,
	}
}

type fileProcessor struct {
	host         Host
	settings     FileSettings
	mode         os.FileMode
	explicitMode bool
}

// observed is the current state of the file.
type observed struct {
	exists   bool
	mode     os.FileMode
	size     int64
	checksum string
	content  []byte
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (p *fileProcessor) observe(ctx context.Context) (observed, error) {
	info, err := p.host.Stat(ctx, p.settings.Path)
	if errors.Is(err, os.ErrNotExist) {
		return observed{}, nil
	}
	if err != nil {
		return observed{}, hostError("stat", err)
	}
	if info.IsDir() {
		return observed{}, &engine.UnitError{
			Code:        providers.CodeUnitFailed,
			Description: fmt.Sprintf("%s is a directory", p.settings.Path),
			Source:      engine.ResultSourceUnitProcessing,
		}
	}

	data, err := p.host.ReadFile(ctx, p.settings.Path)
	if err != nil {
		return observed{}, hostError("read", err)
	}
	return observed{
		exists:   true,
		mode:     info.Mode().Perm(),
		size:     info.Size(),
		checksum: checksum(data),
		content:  data,
	}, nil
}

func (p *fileProcessor) GetSettings(ctx context.Context) (map[string]interface{}, error) {
	o, err := p.observe(ctx)
	if err != nil {
		return nil, err
	}
	if !o.exists {
		return map[string]interface{}{"path": p.settings.Path, "state": FileAbsent}, nil
	}
	return map[string]interface{}{
		"path":     p.settings.Path,
		"state":    FilePresent,
		"content":  string(o.content),
		"mode":     fmt.Sprintf("%04o", o.mode),
		"size":     o.size,
		"checksum": o.checksum,
	}, nil
}

func (p *fileProcessor) TestSettings(ctx context.Context) (engine.TestSettingsResult, error) {
	o, err := p.observe(ctx)
	if err != nil {
		var ue *engine.UnitError
		if errors.As(err, &ue) && ue.Err == nil {
			return engine.TestSettingsResult{
				Result:            engine.TestResultFailed,
				ResultInformation: providers.Failure(ue.Code, ue.Description, ue.Details),
			}, nil
		}
		return engine.TestSettingsResult{}, err
	}

	if p.inDesiredState(o) {
		return engine.TestSettingsResult{Result: engine.TestResultPositive}, nil
	}
	return engine.TestSettingsResult{Result: engine.TestResultNegative}, nil
}

func (p *fileProcessor) inDesiredState(o observed) bool {
	if p.settings.State == FileAbsent {
		return !o.exists
	}
	if !o.exists || o.checksum != checksum([]byte(p.settings.Content)) {
		return false
	}
	return !p.explicitMode || o.mode == p.mode
}

func (p *fileProcessor) ApplySettings(ctx context.Context) (engine.ApplySettingsResult, error) {
	if p.settings.State == FileAbsent {
		err := p.host.Remove(ctx, p.settings.Path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return engine.ApplySettingsResult{}, hostError("remove", err)
		}
		return engine.ApplySettingsResult{}, nil
	}

	if err := p.host.WriteFile(ctx, p.settings.Path, []byte(p.settings.Content), p.mode); err != nil {
		return engine.ApplySettingsResult{}, hostError("write", err)
	}
	return engine.ApplySettingsResult{}, nil
}
