package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	openaischema "github.com/sashabaranov/go-openai/jsonschema"
)

// Schema is the output contract of a structured assessor call. It is derived from a Go
// response type and compiled once so every raw response can be checked before decoding.
type Schema struct {
	Name       string
	definition *openaischema.Definition
	raw        json.RawMessage
	compiled   *jsonschema.Schema
}

// SchemaFor derives the schema of response type T. T must expose the failure signal field.
func SchemaFor[T Reporter](name string) (*Schema, error) {
	var zero T
	definition, err := openaischema.GenerateSchemaForType(zero)
	if err != nil {
		return nil, fmt.Errorf("generate schema %s: %w", name, err)
	}

	if _, ok := definition.Properties[FailureSignalField]; !ok {
		return nil, fmt.Errorf("schema %s: response type lacks %q field", name, FailureSignalField)
	}

	raw, err := json.Marshal(definition)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}

	url := "mem://schemas/" + strings.ReplaceAll(name, " ", "_") + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	return &Schema{
		Name:       name,
		definition: definition,
		raw:        raw,
		compiled:   compiled,
	}, nil
}

// MustSchema is SchemaFor for package-level schema declarations.
func MustSchema[T Reporter](name string) *Schema {
	schema, err := SchemaFor[T](name)
	if err != nil {
		panic(err)
	}
	return schema
}

// JSON returns the schema document.
func (s *Schema) JSON() json.RawMessage {
	return s.raw
}

// Definition exposes the schema in the form the OpenAI SDK expects.
func (s *Schema) Definition() *openaischema.Definition {
	return s.definition
}

// Check validates a raw payload against the schema.
func (s *Schema) Check(content []byte) error {
	var document interface{}
	if err := json.Unmarshal(content, &document); err != nil {
		return &SchemaViolationError{Schema: s.Name, Reason: "response is not valid JSON", Err: err}
	}

	if err := s.compiled.Validate(document); err != nil {
		return &SchemaViolationError{Schema: s.Name, Reason: "response does not match schema", Err: err}
	}

	return nil
}
