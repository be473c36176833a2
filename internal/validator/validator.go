// Package validator provides JSON schema validation for graph and batch documents.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates submitted graph and batch documents before they are
// decoded.
type Validator struct {
	graphSchema *jsonschema.Schema
	batchSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the failures into one message.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return strings.Join(msgs, "; ")
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("graph.json", strings.NewReader(graphSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add graph schema: %w", err)
	}
	if err := compiler.AddResource("batch.json", strings.NewReader(batchSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add batch schema: %w", err)
	}

	graphSchema, err := compiler.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	batchSchema, err := compiler.Compile("batch.json")
	if err != nil {
		return nil, fmt.Errorf("compile batch schema: %w", err)
	}

	return &Validator{
		graphSchema: graphSchema,
		batchSchema: batchSchema,
	}, nil
}

// ValidateGraphJSON validates a JSON-encoded graph document.
func (v *Validator) ValidateGraphJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.graphSchema, data)
}

// ValidateBatchJSON validates a JSON-encoded batch request: a batch and the
// template graph it applies to.
func (v *Validator) ValidateBatchJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.batchSchema, data)
}

func (v *Validator) validateJSON(schema *jsonschema.Schema, data []byte) *ValidationResult {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.validate(schema, doc)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data any) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively extracts leaf validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		path := verr.InstanceLocation
		if path == "" {
			path = "$"
		}
		return []ValidationError{{Path: path, Message: verr.Message}}
	}
	var errs []ValidationError
	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}
	return errs
}

// Embedded JSON schemas

const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "graph.json",
  "title": "Graph",
  "description": "Nodes keyed by id and the typed field edges between them",
  "type": "object",
  "properties": {
    "id": {
      "type": "string",
      "description": "Graph identifier"
    },
    "nodes": {
      "type": "object",
      "propertyNames": {"pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {
            "type": "string",
            "minLength": 1,
            "description": "Node kind"
          },
          "inputs": {
            "type": "object",
            "description": "Input values by field name"
          }
        }
      },
      "description": "Nodes in the graph"
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "destination"],
        "properties": {
          "source": {"$ref": "#/$defs/connection"},
          "destination": {"$ref": "#/$defs/connection"}
        }
      },
      "description": "Field edges"
    }
  },
  "$defs": {
    "connection": {
      "type": "object",
      "required": ["node_id", "field"],
      "properties": {
        "node_id": {"type": "string", "minLength": 1},
        "field": {"type": "string", "minLength": 1}
      }
    }
  }
}`

const batchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "batch.json",
  "title": "Batch Request",
  "description": "A batch of field substitutions over a template graph",
  "type": "object",
  "required": ["batch", "graph"],
  "properties": {
    "graph": {"$ref": "graph.json"},
    "batch": {
      "type": "object",
      "required": ["data"],
      "properties": {
        "data": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["node_id", "field_name", "items"],
              "properties": {
                "node_id": {"type": "string", "minLength": 1},
                "field_name": {"type": "string", "minLength": 1},
                "items": {"type": "array", "minItems": 1}
              }
            }
          },
          "description": "Groups, outermost first; entries within a group are zipped"
        }
      }
    }
  }
}`
