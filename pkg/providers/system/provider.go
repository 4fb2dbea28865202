// Package system provides command and file units, processed against a Host.
// The package serves the local machine directly; other providers reuse its
// processors with their own Host.
package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/providers"
)

// Provider serves command and file units on the local machine.
type Provider struct {
	host Host
}

var _ providers.Provider = (*Provider)(nil)

// New creates a provider for the local machine.
func New() *Provider {
	return &Provider{host: LocalHost{}}
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return "system"
}

// Types implements providers.Provider.
func (p *Provider) Types() []providers.TypeInfo {
	return []providers.TypeInfo{
		{
			Name:           CommandType,
			Description:    "Runs a test command and, when it fails, an apply command",
			SettingsSchema: "#Command: {" + CommandFields + "}",
		},
		{
			Name:           FileType,
			Description:    "Manages the content and mode of a file",
			SettingsSchema: "#File: {" + FileFields + "}",
		},
	}
}

// NewUnitProcessor implements providers.Provider.
func (p *Provider) NewUnitProcessor(_ context.Context, unit *engine.ConfigurationUnit) (engine.UnitProcessor, error) {
	switch strings.ToLower(unit.Type) {
	case CommandType:
		var settings CommandSettings
		if err := providers.DecodeSettings(unit, &settings); err != nil {
			return nil, err
		}
		return NewCommandProcessor(p.host, settings), nil

	case FileType:
		var settings FileSettings
		if err := providers.DecodeSettings(unit, &settings); err != nil {
			return nil, err
		}
		return NewFileProcessor(p.host, unit, settings)

	default:
		return nil, fmt.Errorf("unit type %s is not served by the system provider", unit.Type)
	}
}
