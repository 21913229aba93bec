package models

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// JSONSchema describes the expected shape of a workflow run's input.
type JSONSchema struct {
	Type        string               `json:"type"                  yaml:"type"`
	Properties  map[string]*Property `json:"properties,omitempty"  yaml:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"    yaml:"required,omitempty"`
	Title       string               `json:"title,omitempty"       yaml:"title,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
}

// Property represents a single JSON Schema property.
type Property struct {
	Type        string               `json:"type"                  yaml:"type"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"        yaml:"enum,omitempty"`
	Default     any                  `json:"default,omitempty"     yaml:"default,omitempty"`
	Format      string               `json:"format,omitempty"      yaml:"format,omitempty"`
	Pattern     string               `json:"pattern,omitempty"     yaml:"pattern,omitempty"`
	Items       *Property            `json:"items,omitempty"       yaml:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"  yaml:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"    yaml:"required,omitempty"`
}

// ValidateInput checks the given run input against the schema and returns one
// message per violation.
func (s *JSONSchema) ValidateInput(input map[string]any) ([]string, error) {
	schemaJSON, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input schema: %w", err)
	}

	if input == nil {
		input = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(input),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate input: %w", err)
	}

	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}

	return violations, nil
}
