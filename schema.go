package nbot

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema couples a generated JSON schema with a compiled validator. The
// schema document and an example instance are injected into prompts so the
// model sees the exact shape it must produce; replies are validated against
// the same document.
type Schema struct {
	doc      string
	example  string
	compiled *schemavalidate.Schema
}

// NewSchema reflects a schema from the reply type and compiles it for
// validation. example is a populated instance rendered into the prompt.
func NewSchema(replyType any, example any) (*Schema, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	generated := reflector.Reflect(replyType)
	raw, err := json.MarshalIndent(generated, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	doc, err := schemavalidate.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := schemavalidate.NewCompiler()
	if err := compiler.AddResource("reply.json", doc); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}
	compiled, err := compiler.Compile("reply.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	exampleRaw, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal example: %w", err)
	}
	return &Schema{
		doc:      string(raw),
		example:  string(exampleRaw),
		compiled: compiled,
	}, nil
}

// MustSchema is NewSchema for package-level schema definitions.
func MustSchema(replyType any, example any) *Schema {
	s, err := NewSchema(replyType, example)
	if err != nil {
		panic(err)
	}
	return s
}

// Doc returns the schema document as indented JSON.
func (s *Schema) Doc() string { return s.doc }

// Example returns the example instance as indented JSON.
func (s *Schema) Example() string { return s.example }

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(value any) error {
	if err := s.compiled.Validate(value); err != nil {
		return fmt.Errorf("reply does not match schema: %w", err)
	}
	return nil
}

// DecodeInto validates a decoded JSON value and unmarshals it into out.
func (s *Schema) DecodeInto(value any, out any) error {
	if err := s.Validate(value); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
