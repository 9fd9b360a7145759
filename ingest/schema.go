package ingest

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema constrains the types of the fields the engine reads.
// Unknown fields are allowed and preserved.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "timestamp":     {"type": ["string", "number"]},
    "severity":      {"type": ["string", "null"], "maxLength": 64},
    "category":      {"type": ["string", "null"], "maxLength": 128},
    "kind":          {"type": ["string", "null"], "maxLength": 64},
    "source_type":   {"type": ["string", "null"], "maxLength": 64},
    "ship_id":       {"type": ["string", "null"], "maxLength": 256},
    "device_id":     {"type": ["string", "null"], "maxLength": 256},
    "service":       {"type": ["string", "null"], "maxLength": 256},
    "hostname":      {"type": ["string", "null"], "maxLength": 255},
    "tracking_id":   {"type": ["string", "null"], "maxLength": 256},
    "metric_name":   {"type": ["string", "null"]},
    "metric_value":  {"type": ["number", "null"]},
    "log_pattern":   {"type": ["string", "null"]},
    "log_message":   {"type": ["string", "null"]},
    "logger":        {"type": ["string", "null"]},
    "oid":           {"type": ["string", "null"]},
    "interface":     {"type": ["string", "null"]},
    "agent_address": {"type": ["string", "null"]},
    "metadata":      {"type": ["object", "null"]}
  },
  "additionalProperties": true
}`

// Schema validates decoded documents against the inbound envelope.
type Schema struct {
	schema *gojsonschema.Schema
}

// NewSchema compiles the envelope schema.
func NewSchema() (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile event schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Validate returns an error listing every violation in doc.
func (s *Schema) Validate(doc map[string]any) error {
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
