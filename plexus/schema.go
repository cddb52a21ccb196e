package plexus

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// MethodSchema is the introspectable description of one registered method.
type MethodSchema struct {
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	ParamsSchema   *jsonschema.Schema `json:"params_schema,omitempty"`
	ResultSchema   *jsonschema.Schema `json:"result_schema,omitempty"`
	Streaming      bool               `json:"streaming"`
	Bidirectional  bool               `json:"bidirectional"`
	RequestSchema  *jsonschema.Schema `json:"request_schema,omitempty"`
	ResponseSchema *jsonschema.Schema `json:"response_schema,omitempty"`
	Hash           string             `json:"hash"`
}

// SchemaNode is one node of the plexus introspection tree. The root node's
// Namespace is empty and its Children are the registered activations; each
// activation node's Namespace names it and its Methods are its leaves.
type SchemaNode struct {
	Namespace   string         `json:"namespace,omitempty"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Hash        string         `json:"hash"`
	Methods     []MethodSchema `json:"methods,omitempty"`
	Children    []SchemaNode   `json:"children,omitempty"`
}

// stringify renders a schema deterministically for hashing purposes. A nil
// schema stringifies to the empty string so that a method with no
// params/result still has a stable, distinguishable signature from one
// whose schema changed shape.
func stringifySchema(s *jsonschema.Schema) string {
	if s == nil {
		return ""
	}
	b, err := s.MarshalJSON()
	if err != nil {
		// Schemas are always marshalable; a failure here indicates a bug
		// in a custom type's reflection, not a runtime condition to
		// recover from gracefully.
		panic(fmt.Sprintf("plexus: failed to marshal schema for hashing: %v", err))
	}
	return string(b)
}

func buildMethodSchema(m *Method) MethodSchema {
	ms := MethodSchema{
		Name:           m.Name,
		Description:    m.Description,
		ParamsSchema:   m.ParamsSchema,
		ResultSchema:   m.ResultSchema,
		Streaming:      m.Streaming,
		Bidirectional:  m.Bidirectional,
		RequestSchema:  m.RequestSchema,
		ResponseSchema: m.ResponseSchema,
	}
	ms.Hash = methodHash(m.Name, m.Description, stringifySchema(m.ParamsSchema), stringifySchema(m.ResultSchema))
	return ms
}

func buildActivationNode(a Activation) SchemaNode {
	def := a.Definition()
	methods := make([]MethodSchema, 0, len(def.Methods))
	hashes := make([]string, 0, len(def.Methods))
	for i := range def.Methods {
		ms := buildMethodSchema(&def.Methods[i])
		methods = append(methods, ms)
		hashes = append(hashes, ms.Hash)
	}
	node := SchemaNode{
		Namespace:   def.Namespace,
		Version:     def.Version,
		Description: def.Description,
		Methods:     methods,
	}
	node.Hash = pluginHash(hashes, nil)
	return node
}

func buildRootNode(children []SchemaNode) SchemaNode {
	hashes := make([]string, 0, len(children))
	for _, c := range children {
		hashes = append(hashes, c.Hash)
	}
	return SchemaNode{
		Hash:     pluginHash(nil, hashes),
		Children: children,
	}
}

// ReflectSchema generates a JSON Schema document for a Go type using the
// same invopop/jsonschema reflector conventions used for request/response
// types elsewhere in this codebase. Name the desired type as the type
// argument, e.g. ReflectSchema[MyParams]().
func ReflectSchema[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(T))
}
