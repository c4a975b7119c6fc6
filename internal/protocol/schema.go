package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const handoffSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entity_id", "faction", "units", "from_shard", "to_shard"],
  "properties": {
    "entity_id": {"type": "string", "minLength": 1},
    "faction": {"type": "string", "minLength": 1},
    "from_shard": {"type": "string", "minLength": 1},
    "to_shard": {"type": "string", "minLength": 1},
    "translated": {"type": "boolean"},
    "refund": {"type": "boolean"},
    "exit_coords": {
      "type": "object",
      "properties": {"q": {"type": "integer"}, "r": {"type": "integer"}}
    },
    "units": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["unit_id", "origin_universe", "native"],
        "properties": {
          "unit_id": {"type": "string", "minLength": 1},
          "class": {"type": "string"},
          "origin_universe": {"type": "string", "minLength": 1},
          "native": {"type": "object", "additionalProperties": {"type": "number"}},
          "stats": {"type": "object", "additionalProperties": {"type": "number"}}
        }
      }
    }
  }
}`

var handoffSchema = jsonschema.MustCompileString("handoff_package.json", handoffSchemaJSON)

// ValidateHandoff schema-checks a package before the handoff protocol is
// allowed to touch either shard.
func ValidateHandoff(pkg *HandoffPackage) error {
	if pkg == nil {
		return fmt.Errorf("nil handoff package")
	}
	b, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshal handoff package: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := handoffSchema.Validate(doc); err != nil {
		return fmt.Errorf("handoff package: %w", err)
	}
	return nil
}
