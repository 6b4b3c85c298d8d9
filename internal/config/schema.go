package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema renders the configuration schema keyed by yaml field
// names, for `unigate config schema` and editor validation.
func JSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		FieldNameTag:   "yaml",
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Config{})
	return json.MarshalIndent(schema, "", "  ")
}
