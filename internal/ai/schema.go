package ai

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Response schemas compiled once at init. Every model reply is validated
// against its schema before decoding proceeds; a reply that fails validation
// degrades to the low-confidence default instead of propagating garbage.

var classificationSchema = jsonschema.MustCompileString("classification.json", `{
	"type": "object",
	"properties": {
		"page_state": {"type": "string"},
		"confidence": {"type": "number"},
		"content_regions_detected": {"type": "integer"},
		"obstruction_indicators": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["page_state", "confidence"]
}`)

var navigationPlanSchema = jsonschema.MustCompileString("navigation_plan.json", `{
	"type": "object",
	"properties": {
		"actions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"function": {"type": "string"},
					"parameters": {"type": "object"},
					"expected_outcome": {"type": "string"}
				},
				"required": ["function", "parameters"]
			}
		},
		"estimated_steps": {"type": "integer"},
		"confidence": {"type": "number"}
	},
	"required": ["actions"]
}`)

var extractionSchema = jsonschema.MustCompileString("extraction.json", `{
	"type": "object",
	"properties": {
		"records": {"type": "array", "items": {"type": "object"}},
		"completeness_score": {"type": "number"},
		"duplicates_detected": {"type": "integer"}
	},
	"required": ["records"]
}`)

// decodeValidated unmarshals raw JSON, checks it against schema, then
// decodes into out.
func decodeValidated(raw []byte, schema *jsonschema.Schema, out any) error {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("response failed schema validation: %w", err)
	}
	return json.Unmarshal(raw, out)
}
