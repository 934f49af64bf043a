package crd

import (
	"encoding/json"
	"fmt"

	jschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"k8s.io/apimachinery/pkg/runtime"
)

// Schema holds both the structural schema embedded in the CRD and its
// compiled form used for validation.
type Schema struct {
	value    map[string]any
	compiled *jsonschema.Schema
}

// Value returns a copy of the schema as generic JSON, ready to be embedded
// in an openAPIV3Schema.
func (s *Schema) Value() map[string]any {
	// value holds only types produced by encoding/json, which DeepCopyJSON
	// copies without panicking.
	return runtime.DeepCopyJSON(s.value)
}

// MarshalJSON returns the raw JSON schema.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}

// Validate validates v, marshaled as JSON, against the compiled schema.
func (s *Schema) Validate(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.compiled.Validate(doc)
}

// reflector produces self-contained schemas that the API server accepts as
// structural: no references, no $schema and no additionalProperties next
// to properties.
var reflector = jschema.Reflector{
	ExpandedStruct:            true,
	DoNotReference:            true,
	AllowAdditionalProperties: true,
}

// MustSchema generates a Schema from a Go struct using jsonschema tags.
// Panics if schema generation or compilation fails.
func MustSchema(v any) *Schema {
	s, err := newSchema(v)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func newSchema(v any) (*Schema, error) {
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	delete(value, "$schema")
	delete(value, "$id")

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", value); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Schema{value: value, compiled: compiled}, nil
}
