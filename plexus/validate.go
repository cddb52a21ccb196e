package plexus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// validateParams checks raw parameters against a method's declared params
// schema. A nil schema is accepted without validation: methods that take
// no parameters simply declare no schema. Nil or empty params are
// validated as the empty object {}.
func validateParams(method *Method, params json.RawMessage) error {
	if method.ParamsSchema == nil {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	schemaBytes, err := method.ParamsSchema.MarshalJSON()
	if err != nil {
		return fmt.Errorf("internal: marshal params schema: %w", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader(schemaBytes)
	docLoader := gojsonschema.NewBytesLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("params do not parse as JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid params: %s", strings.Join(msgs, "; "))
	}
	return nil
}
