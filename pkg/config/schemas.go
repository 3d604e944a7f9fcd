package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// Built-in schema names.
const (
	SchemaSidecar   = "sidecar"
	SchemaPrincipal = "principal"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	// ctx is not safe for concurrent use; mu guards it as well as schemas.
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.mustRegister(SchemaSidecar, builtinSidecarSchema)
	sr.mustRegister(SchemaPrincipal, builtinPrincipalSchema)
	return sr
}

func (sr *SchemaRegistry) mustRegister(name, schema string) {
	if err := sr.RegisterSchema(name, schema); err != nil {
		panic(err)
	}
}

// RegisterSchema compiles schema and registers it under name. When the
// source declares a definition, values are validated against the first one.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	target := val
	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to inspect schema %s: %w", name, err)
	}
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			target = iter.Value()
			break
		}
	}

	sr.schemas[name] = target
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return engine.NewValidationError("failed to encode data", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewValidationError(
			fmt.Sprintf("%s validation failed: %s", schemaName, cueerrors.Details(err, nil)), err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateSidecar validates a decoded .platform document.
func (sr *SchemaRegistry) ValidateSidecar(ctx context.Context, doc map[string]interface{}) error {
	return sr.ValidateAgainstSchema(ctx, SchemaSidecar, doc)
}

// ValidatePrincipal validates a workspace member entry.
func (sr *SchemaRegistry) ValidatePrincipal(ctx context.Context, p engine.Principal) error {
	return sr.ValidateAgainstSchema(ctx, SchemaPrincipal, p)
}

const builtinSidecarSchema = `
// Sidecar descriptor carried by every artifact folder.
#Sidecar: {
	"$schema"?: string

	metadata: {
		// Type is the platform item type, e.g. "DataPipeline".
		type: string & =~"^[A-Za-z][A-Za-z0-9]*$"

		// DisplayName is unique per type within a workspace.
		displayName: string & =~"^[^/\\\\]{1,256}$"

		description?: string
		...
	}

	config?: {
		version?: string

		// LogicalId is the repository-local identifier of the artifact.
		logicalId?: string & =~"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
		...
	}
	...
}
`

const builtinPrincipalSchema = `
// Principal is a workspace member.
#Principal: {
	identifier:    string & !=""
	principalType: string & =~"^(?i)(user|group|serviceprincipal|serviceprincipalprofile)$"
	access:        string & =~"^(?i)(admin|member|contributor|viewer)$"
}
`
