package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a JSON Schema for T. Definitions are inlined so every
// provider's structured-output mode can consume the result.
func SchemaFor[T any](name, description string) (*Schema, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	reflected := r.Reflect(&zero)

	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %q: %w", name, err)
	}
	var def map[string]any
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode schema %q: %w", name, err)
	}
	delete(def, "$schema")
	delete(def, "$id")

	return &Schema{Name: name, Description: description, Definition: def}, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables.
func MustSchemaFor[T any](name, description string) *Schema {
	s, err := SchemaFor[T](name, description)
	if err != nil {
		panic(err)
	}
	return s
}
