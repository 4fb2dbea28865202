package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/configset/pkg/config"
	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/telemetry"
	"github.com/rs/zerolog"
)

// TypeInfo describes a unit type served by a provider.
type TypeInfo struct {
	// Name is the unit type as written in documents (e.g., "builtin/echo").
	Name string

	// Description is a short human-readable description.
	Description string

	// SettingsSchema is an optional CUE schema for the unit's settings. When
	// the schema declares definitions, the first one is used.
	SettingsSchema string
}

// Provider creates unit processors for the unit types it serves.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Types lists the unit types the provider serves.
	Types() []TypeInfo

	// NewUnitProcessor creates the processor for a single leaf unit.
	NewUnitProcessor(ctx context.Context, unit *engine.ConfigurationUnit) (engine.UnitProcessor, error)
}

// GroupProvider is implemented by providers that process their group units
// as a whole instead of letting the engine schedule the children.
type GroupProvider interface {
	NewGroupProcessor(ctx context.Context, unit *engine.ConfigurationUnit) (engine.GroupProcessor, error)
}

// closer is implemented by providers holding resources.
type closer interface {
	Close(ctx context.Context) error
}

type registration struct {
	provider Provider
	info     TypeInfo
}

// Registry maps unit types to providers. It implements
// engine.SetProcessorFactory.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	types     map[string]registration
	logger    zerolog.Logger
}

var _ engine.SetProcessorFactory = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		types:  make(map[string]registration),
		logger: logger.With().Str("component", "providers").Logger(),
	}
}

func typeKey(unitType string) string {
	return strings.ToLower(unitType)
}

// Register adds a provider. Unit types are matched case-insensitively and
// may only be served by one provider.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := p.Types()
	if len(infos) == 0 {
		return fmt.Errorf("provider %s serves no unit types", p.Name())
	}

	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		key := typeKey(info.Name)
		if key == "" {
			return fmt.Errorf("provider %s declares an empty unit type", p.Name())
		}
		if engine.IsAssertionsGroup(info.Name) {
			return fmt.Errorf("unit type %s is reserved", info.Name)
		}
		if existing, ok := r.types[key]; ok {
			return fmt.Errorf("unit type %s already registered by provider %s", info.Name, existing.provider.Name())
		}
		if seen[key] {
			return fmt.Errorf("provider %s declares unit type %s twice", p.Name(), info.Name)
		}
		seen[key] = true
	}

	for _, info := range infos {
		r.types[typeKey(info.Name)] = registration{provider: p, info: info}
	}
	r.providers = append(r.providers, p)

	r.logger.Debug().
		Str("provider", p.Name()).
		Int("types", len(infos)).
		Msg("Provider registered")

	return nil
}

// Lookup returns the provider serving a unit type.
func (r *Registry) Lookup(unitType string) (Provider, TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[typeKey(unitType)]
	return reg.provider, reg.info, ok
}

// Types returns every registered unit type sorted by name.
func (r *Registry) Types() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TypeInfo, 0, len(r.types))
	for _, reg := range r.types {
		infos = append(infos, reg.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return typeKey(infos[i].Name) < typeKey(infos[j].Name)
	})
	return infos
}

// RegisterSchemas adds every settings schema to a schema registry so the
// loader checks unit settings while parsing documents.
func (r *Registry) RegisterSchemas(schemas *config.SchemaRegistry) error {
	for _, info := range r.Types() {
		if info.SettingsSchema == "" {
			continue
		}
		if err := schemas.RegisterSchema(config.SettingsSchemaName(info.Name), info.SettingsSchema); err != nil {
			return fmt.Errorf("failed to register settings schema for %s: %w", info.Name, err)
		}
	}
	return nil
}

// CreateSetProcessor implements engine.SetProcessorFactory.
func (r *Registry) CreateSetProcessor(_ context.Context, set *engine.ConfigurationSet) (engine.SetProcessor, error) {
	if set == nil {
		return nil, engine.ErrNilSet
	}
	return &setProcessor{
		registry: r,
		logger:   r.logger.With().Str("set", set.Name).Logger(),
	}, nil
}

// Close releases provider resources.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []string
	for _, p := range r.providers {
		if c, ok := p.(closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", p.Name(), err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// setProcessor resolves unit processors for one set.
type setProcessor struct {
	registry *Registry
	logger   zerolog.Logger
}

var _ engine.GroupProcessorSource = (*setProcessor)(nil)

func (s *setProcessor) CreateUnitProcessor(ctx context.Context, unit *engine.ConfigurationUnit) (engine.UnitProcessor, error) {
	p, _, ok := s.registry.Lookup(unit.Type)
	if !ok {
		return nil, &engine.UnitError{
			Code:        engine.CodeUnitNotFound,
			Description: fmt.Sprintf("no provider for unit type %s", unit.Type),
			Details:     unit.Type,
		}
	}

	up, err := p.NewUnitProcessor(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor for %s: %w", unit.DisplayName(), err)
	}

	s.logger.Debug().
		Str("unit", unit.DisplayName()).
		Str("provider", p.Name()).
		Msg("Unit processor created")

	return &instrumentedUnit{provider: p.Name(), inner: up}, nil
}

func (s *setProcessor) CreateGroupProcessor(ctx context.Context, unit *engine.ConfigurationUnit) (engine.GroupProcessor, bool, error) {
	p, _, ok := s.registry.Lookup(unit.Type)
	if !ok {
		return nil, false, nil
	}
	gp, ok := p.(GroupProvider)
	if !ok {
		return nil, false, nil
	}

	proc, err := gp.NewGroupProcessor(ctx, unit)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create group processor for %s: %w", unit.DisplayName(), err)
	}
	return proc, true, nil
}

// instrumentedUnit reports provider calls to telemetry carried by ctx.
type instrumentedUnit struct {
	provider string
	inner    engine.UnitProcessor
}

func (u *instrumentedUnit) GetSettings(ctx context.Context) (map[string]interface{}, error) {
	var settings map[string]interface{}
	err := telemetry.RecordProviderOperation(ctx, u.provider, "get", func(ctx context.Context) error {
		var err error
		settings, err = u.inner.GetSettings(ctx)
		return err
	})
	return settings, err
}

func (u *instrumentedUnit) TestSettings(ctx context.Context) (engine.TestSettingsResult, error) {
	var result engine.TestSettingsResult
	err := telemetry.RecordProviderOperation(ctx, u.provider, "test", func(ctx context.Context) error {
		var err error
		result, err = u.inner.TestSettings(ctx)
		return err
	})
	return result, err
}

func (u *instrumentedUnit) ApplySettings(ctx context.Context) (engine.ApplySettingsResult, error) {
	var result engine.ApplySettingsResult
	err := telemetry.RecordProviderOperation(ctx, u.provider, "apply", func(ctx context.Context) error {
		var err error
		result, err = u.inner.ApplySettings(ctx)
		return err
	})
	return result, err
}
