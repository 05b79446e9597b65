package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/metrics"
)

// ErrSchemaViolation is returned when no attempt produced a valid response
var ErrSchemaViolation = errors.New("response violates schema")

// DefaultMaxAttempts bounds schema retries when none is configured
const DefaultMaxAttempts = 3

const deltaSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["edge_updates"],
	"properties": {
		"reasoning": {"type": "string"},
		"edge_updates": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["from", "to", "new_phases"],
				"properties": {
					"from": {"type": "string"},
					"to": {"type": "string"},
					"new_phases": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["phase", "evidence_quotes"],
							"properties": {
								"phase": {"type": "string"},
								"evidence_quotes": {"type": "array", "items": {"type": "string"}}
							}
						}
					}
				}
			}
		}
	}
}`

const exposureSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["selected_container"],
	"properties": {
		"reasoning": {"type": "string"},
		"selected_container": {
			"type": "object",
			"properties": {
				"ip": {"type": "string"},
				"service": {"type": "string"},
				"current_level": {"type": "integer"}
			}
		},
		"lockdown": {"type": "boolean", "default": false}
	},
	"if": {"required": ["lockdown"], "properties": {"lockdown": {"const": true}}},
	"else": {"properties": {"selected_container": {"required": ["ip"]}}}
}`

const firewallSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["action"],
	"properties": {
		"reasoning": {"type": "string"},
		"action": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"enum": ["AddAllowRule", "AddBlockRule", "RemoveFirewallRule"]},
					"source_ip": {"type": "string"},
					"dest_ip": {"type": "string"},
					"protocol": {"type": "string"},
					"rule_numbers": {"type": "array", "items": {"type": "integer"}}
				},
				"if": {"properties": {"type": {"const": "RemoveFirewallRule"}}},
				"then": {"required": ["rule_numbers"]},
				"else": {"required": ["source_ip", "dest_ip"]}
			}
		}
	}
}`

var (
	deltaValidator    = mustSchema(deltaSchema)
	exposureValidator = mustSchema(exposureSchema)
	firewallValidator = mustSchema(firewallSchema)
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return schema
}

// structured asks an LLM for a JSON object, validates it against a schema
// and retries with the validation errors appended to the prompt
type structured struct {
	role        string
	client      LLMClient
	schema      *gojsonschema.Schema
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func (s *structured) generate(ctx context.Context, prompt Prompt, out any) error {
	attempts := s.maxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	p := prompt
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := s.client.Generate(ctx, p)
		if err != nil {
			return fmt.Errorf("%s generation failed: %w", s.role, err)
		}

		body, err := validate(s.schema, raw)
		if err == nil {
			if err = json.Unmarshal(body, out); err == nil {
				return nil
			}
		}

		lastErr = err
		if s.metrics != nil {
			s.metrics.IncSchemaRetries(s.role)
		}
		s.logger.Warn("Rejected LLM response",
			"role", s.role,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err)

		p.User = prompt.User + "\n\nYour previous response was rejected: " + err.Error() +
			"\nRespond with a single JSON object that matches the required schema and nothing else."
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrSchemaViolation, s.role, attempts, lastErr)
}

// validate extracts the JSON object from raw and checks it against schema
func validate(schema *gojsonschema.Schema, raw string) ([]byte, error) {
	body, err := extractObject(raw)
	if err != nil {
		return nil, err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("validation failed: %s", strings.Join(problems, "; "))
	}
	return body, nil
}

// extractObject strips code fences and surrounding prose from a completion
func extractObject(raw string) ([]byte, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("response is not a JSON object")
	}
	return []byte(raw[start : end+1]), nil
}
