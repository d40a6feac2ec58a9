package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// JSONSchema is the subset of JSON Schema used for tool argument declarations.
type JSONSchema struct {
	Type                 string                `json:"type"`
	Properties           map[string]JSONSchema `json:"properties,omitempty"`
	Required             []string              `json:"required,omitempty"`
	Description          string                `json:"description,omitempty"`
	Enum                 []string              `json:"enum,omitempty"`
	Items                *JSONSchema           `json:"items,omitempty"`
	AdditionalProperties *bool                 `json:"additionalProperties,omitempty"`
}

// Validate checks raw JSON arguments against the schema. Validation fails
// closed: unknown structure, wrong types, missing required fields, and
// out-of-enum values are all rejected.
func (s *JSONSchema) Validate(raw []byte) error {
	if s == nil {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return s.validateValue("$", value)
}

func (s *JSONSchema) validateValue(path string, value any) error {
	switch s.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required field %q", path, req)
			}
		}
		for key, val := range obj {
			prop, declared := s.Properties[key]
			if !declared {
				if s.AdditionalProperties != nil && !*s.AdditionalProperties {
					return fmt.Errorf("%s: unexpected field %q", path, key)
				}
				continue
			}
			if err := prop.validateValue(path+"."+key, val); err != nil {
				return err
			}
		}
		return nil

	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validateValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
		return nil

	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", path)
		}
		if len(s.Enum) > 0 {
			for _, allowed := range s.Enum {
				if str == allowed {
					return nil
				}
			}
			return fmt.Errorf("%s: %q is not one of %v", path, str, s.Enum)
		}
		return nil

	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("%s: expected number", path)
		}
		return nil

	case "integer":
		num, ok := value.(float64)
		if !ok || num != math.Trunc(num) {
			return fmt.Errorf("%s: expected integer", path)
		}
		return nil

	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
		return nil

	case "":
		return nil

	default:
		return fmt.Errorf("%s: unsupported schema type %q", path, s.Type)
	}
}
