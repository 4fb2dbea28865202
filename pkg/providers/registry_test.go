package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/configset/pkg/config"
	"github.com/openfroyo/configset/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name    string
	types   []TypeInfo
	created []string
	err     error
}

func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) Types() []TypeInfo { return f.types }

func (f *fakeProvider) NewUnitProcessor(_ context.Context, unit *engine.ConfigurationUnit) (engine.UnitProcessor, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, unit.Identifier)
	return &fakeUnit{}, nil
}

type fakeUnit struct {
	applied bool
}

func (u *fakeUnit) GetSettings(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"applied": u.applied}, nil
}

func (u *fakeUnit) TestSettings(context.Context) (engine.TestSettingsResult, error) {
	if u.applied {
		return engine.TestSettingsResult{Result: engine.TestResultPositive}, nil
	}
	return engine.TestSettingsResult{Result: engine.TestResultNegative}, nil
}

func (u *fakeUnit) ApplySettings(context.Context) (engine.ApplySettingsResult, error) {
	u.applied = true
	return engine.ApplySettingsResult{}, nil
}

type fakeGroupProvider struct {
	fakeProvider
	groups int
}

func (f *fakeGroupProvider) NewGroupProcessor(_ context.Context, unit *engine.ConfigurationUnit) (engine.GroupProcessor, error) {
	f.groups++
	return &fakeGroup{unit: unit}, nil
}

type fakeGroup struct {
	unit *engine.ConfigurationUnit
}

func (g *fakeGroup) report() engine.GroupSettingsResult {
	var result engine.GroupSettingsResult
	for _, child := range g.unit.Units {
		result.UnitResults = append(result.UnitResults, engine.GroupUnitResult{
			Unit:                     child,
			TestResult:               engine.TestResultPositive,
			PreviouslyInDesiredState: true,
		})
	}
	result.TestResult = engine.TestResultPositive
	return result
}

func (g *fakeGroup) TestGroup(context.Context) (engine.GroupSettingsResult, error) {
	return g.report(), nil
}
func (g *fakeGroup) ApplyGroup(context.Context) (engine.GroupSettingsResult, error) {
	return g.report(), nil
}
func (g *fakeGroup) GetGroup(context.Context) (engine.GroupSettingsResult, error) {
	return g.report(), nil
}

func newSet(units ...*engine.ConfigurationUnit) *engine.ConfigurationSet {
	set := &engine.ConfigurationSet{Name: "test", Units: units}
	set.AssignInstanceIDs()
	return set
}

func TestRegister(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	require.NoError(t, r.Register(&fakeProvider{name: "one", types: []TypeInfo{{Name: "Demo/Thing"}}}))

	err := r.Register(&fakeProvider{name: "two", types: []TypeInfo{{Name: "demo/thing"}}})
	assert.ErrorContains(t, err, "already registered by provider one")

	err = r.Register(&fakeProvider{name: "three", types: []TypeInfo{{Name: engine.AssertionsGroupType}}})
	assert.ErrorContains(t, err, "reserved")

	err = r.Register(&fakeProvider{name: "four"})
	assert.Error(t, err)

	err = r.Register(&fakeProvider{name: "five", types: []TypeInfo{{Name: "x"}, {Name: "X"}}})
	assert.ErrorContains(t, err, "twice")
	_, _, ok := r.Lookup("x")
	assert.False(t, ok, "a rejected provider must not register any type")

	p, info, ok := r.Lookup("DEMO/THING")
	require.True(t, ok)
	assert.Equal(t, "one", p.Name())
	assert.Equal(t, "Demo/Thing", info.Name)
}

func TestTypesSorted(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(&fakeProvider{name: "p", types: []TypeInfo{{Name: "zeta"}, {Name: "Alpha"}, {Name: "mid"}}}))

	var names []string
	for _, info := range r.Types() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"Alpha", "mid", "zeta"}, names)
}

func TestRegisterSchemas(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(&fakeProvider{name: "p", types: []TypeInfo{
		{Name: "demo/port", SettingsSchema: "#Port: {port: int & >0 & <65536}"},
		{Name: "demo/free"},
	}}))

	schemas := config.NewSchemaRegistry()
	require.NoError(t, r.RegisterSchemas(schemas))

	assert.True(t, schemas.HasSchema(config.SettingsSchemaName("demo/port")))
	assert.False(t, schemas.HasSchema(config.SettingsSchemaName("demo/free")))

	loader := config.NewLoader(schemas)
	_, err := loader.Load(context.Background(), "ports.yaml", config.FormatYAML, []byte(`
properties:
  configurationVersion: 0.2.0
  resources:
    - resource: demo/port
      id: web
      settings:
        port: 70000
`))
	var loadErr *config.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "properties.resources.0.settings", loadErr.Errors[0].Path)
}

func TestSetProcessor(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	fp := &fakeProvider{name: "fake", types: []TypeInfo{{Name: "demo/thing"}}}
	require.NoError(t, r.Register(fp))

	processor := engine.NewProcessor(r)
	result, err := processor.ApplySet(context.Background(), newSet(
		&engine.ConfigurationUnit{Identifier: "known", Type: "demo/thing"},
		&engine.ConfigurationUnit{Identifier: "unknown", Type: "demo/missing"},
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"known"}, fp.created)
	assert.True(t, result.UnitResult("known").ResultInformation.Succeeded())

	unknown := result.UnitResult("unknown")
	require.NotNil(t, unknown)
	assert.Equal(t, engine.CodeUnitNotFound, unknown.ResultInformation.Code)
	assert.Equal(t, "demo/missing", unknown.ResultInformation.Details)
	assert.Equal(t, engine.CodeUnitNotFound, result.ResultCode)
}

func TestSetProcessorCreateError(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(&fakeProvider{
		name:  "fake",
		types: []TypeInfo{{Name: "demo/thing"}},
		err:   errors.New("provider offline"),
	}))

	result, err := engine.NewProcessor(r).ApplySet(context.Background(), newSet(
		&engine.ConfigurationUnit{Identifier: "a", Type: "demo/thing"},
	))
	require.NoError(t, err)

	info := result.UnitResult("a").ResultInformation
	assert.Equal(t, engine.CodeUnexpected, info.Code)
	assert.Equal(t, engine.ResultSourceInternal, info.Source)
	assert.Contains(t, info.Description, "provider offline")
}

func TestGroupProvider(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	gp := &fakeGroupProvider{fakeProvider: fakeProvider{name: "grp", types: []TypeInfo{{Name: "demo/group"}}}}
	require.NoError(t, r.Register(gp))

	group := &engine.ConfigurationUnit{
		Identifier: "g",
		Type:       "demo/group",
		IsGroup:    true,
		Units: []*engine.ConfigurationUnit{
			{Identifier: "child", Type: "demo/anything"},
		},
	}
	plain := &engine.ConfigurationUnit{
		Identifier: "plain",
		Type:       "demo/untyped",
		IsGroup:    true,
	}

	result, err := engine.NewProcessor(r).ApplySet(context.Background(), newSet(group, plain))
	require.NoError(t, err)

	assert.Equal(t, 1, gp.groups)
	child := result.UnitResult("child")
	require.NotNil(t, child)
	assert.True(t, child.PreviouslyInDesiredState)
	assert.Empty(t, gp.created, "group children are not processed individually")
}

func TestDecodeSettings(t *testing.T) {
	type settings struct {
		Path  string `json:"path" validate:"required"`
		Mode  string `json:"mode" validate:"omitempty,oneof=0644 0600"`
		Count int    `json:"count"`
	}

	unit := &engine.ConfigurationUnit{
		Identifier: "s",
		Settings:   map[string]interface{}{"path": "/tmp/x", "mode": "0600", "count": 3},
	}
	var s settings
	require.NoError(t, DecodeSettings(unit, &s))
	assert.Equal(t, settings{Path: "/tmp/x", Mode: "0600", Count: 3}, s)

	unit.Settings = map[string]interface{}{"mode": "0777"}
	err := DecodeSettings(unit, &settings{})
	var ue *engine.UnitError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, CodeInvalidSettings, ue.Code)
	assert.Equal(t, engine.ResultSourceConfigurationSet, ue.Source)
	assert.Contains(t, ue.Details, "Path")
	assert.Contains(t, ue.Details, "Mode")

	unit.Settings = map[string]interface{}{"path": "/x", "count": "three"}
	require.ErrorAs(t, DecodeSettings(unit, &settings{}), &ue)

	out, err := EncodeSettings(settings{Path: "/y", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"path": "/y", "mode": "", "count": float64(1)}, out)
}

func TestFailure(t *testing.T) {
	info := Failure(engine.CodeSuccess, "broke", "details")
	assert.Equal(t, CodeUnitFailed, info.Code)
	assert.Equal(t, engine.ResultSourceUnitProcessing, info.Source)

	info = Failure(0x1234, "broke", "")
	assert.Equal(t, engine.ResultCode(0x1234), info.Code)
}
