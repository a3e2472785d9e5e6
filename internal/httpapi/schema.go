package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// entityEventSchemaJSON validates catalog ingestion payloads before they reach
// the store. Unknown fields are rejected so producer typos fail loudly.
const entityEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$id": "https://filetree.internal/schemas/entity-event.json",
	"type": "object",
	"properties": {
		"event": {
			"type": "string",
			"enum": ["entity_upserted", "entity_deleted"]
		},
		"teamId": {
			"type": "string",
			"minLength": 1
		},
		"type": {
			"type": "string",
			"minLength": 1
		},
		"entityId": {
			"type": "string",
			"minLength": 1
		},
		"name": {
			"type": "string"
		}
	},
	"required": ["event", "teamId", "type", "entityId"],
	"additionalProperties": false
}`

var entityEventSchema = mustCompileSchema("entity-event.json", entityEventSchemaJSON)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// validateEntityEvent checks raw JSON against the ingestion schema and returns
// a producer-facing message on failure.
func validateEntityEvent(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := entityEventSchema.Validate(instance); err != nil {
		return fmt.Errorf("entity event failed schema validation: %v", err)
	}
	return nil
}
