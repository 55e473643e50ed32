package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// fileSchema is the JSON Schema for the policy file.
const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Warden policy file",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "trusted_data_policies": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id", "tool_id", "attribute_path", "operator", "value"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "tool_id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "attribute_path": {"type": "string"},
          "operator": {"$ref": "#/definitions/operator"},
          "value": {"type": ["string", "number", "boolean"]},
          "action": {"type": "string", "enum": ["block_always", "mark_untrusted", "mark_trusted"]}
        }
      }
    },
    "tool_invocation_policies": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id", "tool_id", "argument_name", "operator", "value", "action"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "tool_id": {"type": "string", "minLength": 1},
          "argument_name": {"type": "string", "minLength": 1},
          "operator": {"$ref": "#/definitions/operator"},
          "value": {"type": ["string", "number", "boolean"]},
          "action": {
            "type": "string",
            "enum": ["allow", "deny", "allow_when_context_is_untrusted", "deny_when_context_is_untrusted", "require_confirmation"]
          },
          "reason": {"type": "string"}
        }
      }
    },
    "request_access": {
      "type": ["object", "null"],
      "additionalProperties": false,
      "properties": {
        "blocked_models": {"type": "array", "items": {"type": "string"}},
        "max_tainted_interactions": {"type": "integer", "minimum": 0},
        "trusted_only_providers": {"type": "array", "items": {"type": "string", "enum": ["openai", "anthropic", "ollama"]}}
      }
    }
  },
  "definitions": {
    "operator": {
      "type": "string",
      "enum": ["equal", "not_equal", "contains", "not_contains", "starts_with", "ends_with", "matches_regex", "greater_than", "less_than"]
    }
  }
}`

// ValidateSchema checks a YAML policy document against the policy schema.
func ValidateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}
	if raw == nil {
		return nil
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(fileSchema),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", b.String())
	}
	return nil
}

// normalizeYAML converts map[interface{}]interface{} to map[string]interface{}
// recursively so json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
