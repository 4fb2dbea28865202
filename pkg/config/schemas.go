package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// DocumentSchema is the name of the built-in document schema.
const DocumentSchema = "document"

// SchemaRegistry manages CUE schemas for validation. Besides the document
// schema it holds one settings schema per unit type.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(DocumentSchema, builtinDocumentSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema registers a CUE schema with the given name. When the schema
// declares definitions, the first one is used for validation.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			val = iter.Value()
			break
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// HasSchema reports whether a schema is registered under name.
func (sr *SchemaRegistry) HasSchema(name string) bool {
	_, ok := sr.GetSchema(name)
	return ok
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// check builds a value in the registry context and validates it against a
// named schema. Values never leave the lock; build decodes what it needs.
func (sr *SchemaRegistry) check(schemaName string, build func(*cue.Context) cue.Value) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	val := build(sr.ctx)
	if err := val.Err(); err != nil {
		return err
	}

	return schema.Unify(val).Validate(cue.Concrete(true))
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinDocumentSchema = `
#Document: {
	"$schema"?: string
	properties: #Properties
}

#Properties: {
	configurationVersion: string | number
	assertions?: [...#Resource]
	resources?: [...#Resource]
	parameters?: _
	variables?: _
}

#Resource: {
	// Unit type, optionally qualified by a module (e.g., "configset/AssertionsGroup")
	resource: string & =~"^[A-Za-z0-9_.-]+(/[A-Za-z0-9_.-]+)*$"
	id?: string
	dependsOn?: [...string]
	directives?: #Directives
	settings?: null | {...}
	units?: [...#Resource]
}

#Directives: {
	description?: string
	module?: string
	allowPrerelease?: bool
	intent?: "apply" | "assert" | "inform"
	inactive?: bool
	...
}
`
