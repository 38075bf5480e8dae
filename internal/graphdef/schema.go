package graphdef

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conviction/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for graph definition documents.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conviction.dev/schemas/graph.json",
  "type": "object",
  "required": ["graph_id", "nodes"],
  "properties": {
    "graph_id": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "seed_schema": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "params": {
      "type": "object"
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "aggregation": { "$ref": "#/$defs/aggregation" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "strategy"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "strategy": {
          "type": "string",
          "minLength": 1
        },
        "reads": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "produces": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "options": {}
      },
      "additionalProperties": false
    },
    "aggregation": {
      "type": "object",
      "required": ["decision_node"],
      "properties": {
        "decision_node": {
          "type": "string",
          "minLength": 1
        },
        "combine_policy": {
          "type": "string",
          "enum": ["weighted_vote", "majority", "expr"]
        },
        "combine_expr": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

var graphSchema = mustCompileGraphSchema()

func mustCompileGraphSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal graph schema: %v", err))
	}
	if err := c.AddResource("https://conviction.dev/schemas/graph.json", doc); err != nil {
		panic(fmt.Sprintf("add graph schema resource: %v", err))
	}
	compiled, err := c.Compile("https://conviction.dev/schemas/graph.json")
	if err != nil {
		panic(fmt.Sprintf("compile graph schema: %v", err))
	}
	return compiled
}

// validateShape validates a raw definition document against the graph JSON
// Schema.
func validateShape(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is not valid JSON").WithCause(err)
	}
	if err := graphSchema.Validate(doc); err != nil {
		return toConvictionError(err)
	}
	return nil
}

// toConvictionError converts a jsonschema.ValidationError into a
// ConvictionError with the leaf violations collected for reporting.
func toConvictionError(err error) *schema.ConvictionError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("definition failed validation with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
