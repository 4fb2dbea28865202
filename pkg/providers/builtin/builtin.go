// Package builtin provides the in-memory echo units used to exercise
// configuration sets without touching the system.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/providers"
)

// Unit types served by the provider.
const (
	EchoType      = "builtin/echo"
	EchoGroupType = "builtin/echoGroup"
)

const echoSchema = `
#Echo: {
	value:           string
	current?:        string
	rebootRequired?: bool
	failTest?:       string
	failApply?:      string
}
`

const echoGroupSchema = `
#EchoGroup: {
	description?: string
}
`

// EchoSettings are the settings of a builtin/echo unit.
type EchoSettings struct {
	// Value is the desired value.
	Value string `json:"value"`

	// Current seeds the value the provider holds before the first apply.
	Current *string `json:"current,omitempty"`

	// RebootRequired is reported by a successful apply.
	RebootRequired bool `json:"rebootRequired,omitempty"`

	// FailTest and FailApply make the corresponding call fail with the
	// given description.
	FailTest  string `json:"failTest,omitempty"`
	FailApply string `json:"failApply,omitempty"`
}

// Provider holds echo values in memory, keyed by unit identifier. Values
// persist across sets processed by the same provider.
type Provider struct {
	mu     sync.Mutex
	values map[string]string
}

var (
	_ providers.Provider      = (*Provider)(nil)
	_ providers.GroupProvider = (*Provider)(nil)
)

// New creates an echo provider with no values.
func New() *Provider {
	return &Provider{values: make(map[string]string)}
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return "builtin"
}

// Types implements providers.Provider.
func (p *Provider) Types() []providers.TypeInfo {
	return []providers.TypeInfo{
		{
			Name:           EchoType,
			Description:    "Holds a string value in memory",
			SettingsSchema: echoSchema,
		},
		{
			Name:           EchoGroupType,
			Description:    "Processes its echo children in one batch",
			SettingsSchema: echoGroupSchema,
		},
	}
}

// Value returns the value held for a unit key.
func (p *Provider) Value(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok
}

// NewUnitProcessor implements providers.Provider.
func (p *Provider) NewUnitProcessor(_ context.Context, unit *engine.ConfigurationUnit) (engine.UnitProcessor, error) {
	if !strings.EqualFold(unit.Type, EchoType) {
		return nil, fmt.Errorf("unit type %s is processed as a group", unit.Type)
	}
	return p.newEcho(unit)
}

// NewGroupProcessor implements providers.GroupProvider. Every child must be
// a builtin/echo leaf unit.
func (p *Provider) NewGroupProcessor(_ context.Context, unit *engine.ConfigurationUnit) (engine.GroupProcessor, error) {
	if !strings.EqualFold(unit.Type, EchoGroupType) {
		return nil, fmt.Errorf("unit type %s is not a group", unit.Type)
	}

	g := &echoGroup{}
	for _, child := range unit.Units {
		if child == nil || !child.IsActive() {
			continue
		}
		if child.IsGroup || !strings.EqualFold(child.Type, EchoType) {
			return nil, fmt.Errorf("echo group %s can only hold %s units, found %s", unit.DisplayName(), EchoType, child.Type)
		}
		e, err := p.newEcho(child)
		if err != nil {
			return nil, err
		}
		g.children = append(g.children, e)
	}
	return g, nil
}

func (p *Provider) newEcho(unit *engine.ConfigurationUnit) (*echo, error) {
	var settings EchoSettings
	if err := providers.DecodeSettings(unit, &settings); err != nil {
		return nil, err
	}

	key := unit.Identifier
	if key == "" {
		key = unit.InstanceID
	}

	p.mu.Lock()
	if _, ok := p.values[key]; !ok && settings.Current != nil {
		p.values[key] = *settings.Current
	}
	p.mu.Unlock()

	return &echo{provider: p, unit: unit, key: key, settings: settings}, nil
}

// echo processes one builtin/echo unit.
type echo struct {
	provider *Provider
	unit     *engine.ConfigurationUnit
	key      string
	settings EchoSettings
}

func (e *echo) current() string {
	v, _ := e.provider.Value(e.key)
	return v
}

func (e *echo) GetSettings(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"value": e.current()}, nil
}

func (e *echo) TestSettings(context.Context) (engine.TestSettingsResult, error) {
	if e.settings.FailTest != "" {
		return engine.TestSettingsResult{
			Result:            engine.TestResultFailed,
			ResultInformation: providers.Failure(providers.CodeUnitFailed, e.settings.FailTest, e.key),
		}, nil
	}
	if e.current() == e.settings.Value {
		return engine.TestSettingsResult{Result: engine.TestResultPositive}, nil
	}
	return engine.TestSettingsResult{Result: engine.TestResultNegative}, nil
}

func (e *echo) ApplySettings(context.Context) (engine.ApplySettingsResult, error) {
	if e.settings.FailApply != "" {
		return engine.ApplySettingsResult{
			ResultInformation: providers.Failure(providers.CodeUnitFailed, e.settings.FailApply, e.key),
		}, nil
	}

	e.provider.mu.Lock()
	e.provider.values[e.key] = e.settings.Value
	e.provider.mu.Unlock()

	return engine.ApplySettingsResult{RebootRequired: e.settings.RebootRequired}, nil
}

// echoGroup processes its echo children together.
type echoGroup struct {
	children []*echo
}

func (g *echoGroup) TestGroup(ctx context.Context) (engine.GroupSettingsResult, error) {
	result := engine.GroupSettingsResult{TestResult: engine.TestResultPositive}

	for _, child := range g.children {
		test, err := child.TestSettings(ctx)
		if err != nil {
			return engine.GroupSettingsResult{}, err
		}

		ur := engine.GroupUnitResult{
			Unit:                     child.unit,
			TestResult:               test.Result,
			PreviouslyInDesiredState: test.Result == engine.TestResultPositive,
			ResultInformation:        test.ResultInformation,
		}
		result.UnitResults = append(result.UnitResults, ur)

		switch test.Result {
		case engine.TestResultFailed:
			if result.TestResult != engine.TestResultFailed {
				result.TestResult = engine.TestResultFailed
				result.ResultInformation = test.ResultInformation
			}
		case engine.TestResultNegative:
			if result.TestResult == engine.TestResultPositive {
				result.TestResult = engine.TestResultNegative
			}
		}
	}

	return result, nil
}

func (g *echoGroup) ApplyGroup(ctx context.Context) (engine.GroupSettingsResult, error) {
	var result engine.GroupSettingsResult

	for _, child := range g.children {
		test, err := child.TestSettings(ctx)
		if err != nil {
			return engine.GroupSettingsResult{}, err
		}

		ur := engine.GroupUnitResult{Unit: child.unit, TestResult: test.Result}
		switch test.Result {
		case engine.TestResultPositive:
			ur.PreviouslyInDesiredState = true
			result.UnitResults = append(result.UnitResults, ur)
			continue
		case engine.TestResultFailed:
			ur.ResultInformation = test.ResultInformation
			result.UnitResults = append(result.UnitResults, ur)
			if result.ResultInformation.Succeeded() {
				result.ResultInformation = test.ResultInformation
			}
			continue
		}

		applied, err := child.ApplySettings(ctx)
		if err != nil {
			return engine.GroupSettingsResult{}, err
		}
		ur.RebootRequired = applied.RebootRequired
		ur.ResultInformation = applied.ResultInformation
		result.UnitResults = append(result.UnitResults, ur)

		if !applied.ResultInformation.Succeeded() && result.ResultInformation.Succeeded() {
			result.ResultInformation = applied.ResultInformation
		}
		if applied.ResultInformation.Succeeded() && applied.RebootRequired {
			result.RebootRequired = true
		}
	}

	return result, nil
}

func (g *echoGroup) GetGroup(ctx context.Context) (engine.GroupSettingsResult, error) {
	var result engine.GroupSettingsResult
	for _, child := range g.children {
		settings, err := child.GetSettings(ctx)
		if err != nil {
			return engine.GroupSettingsResult{}, err
		}
		result.UnitResults = append(result.UnitResults, engine.GroupUnitResult{
			Unit:     child.unit,
			Settings: settings,
		})
	}
	return result, nil
}
