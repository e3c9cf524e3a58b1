package directive

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the reflected document schema.
const SchemaID = "https://github.com/ormasoftchile/conductor/schemas/conductor-v1.json"

// GenerateJSONSchema produces a JSON Schema (Draft 2020-12) for directive
// documents from the Go wire types.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Document{})
	s.ID = SchemaID
	s.Title = "Conductor workflow document, conductor/v1"
	s.Description = "Materialized directive sequence consumed by the conductor engine"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document schema: %w", err)
	}
	return data, nil
}
