package dispatcher

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lumenhq/fanlane/internal/platform"
)

// Payload schemas per task type. Validation happens before a task starts so a
// malformed payload never reaches an adapter.
var payloadSchemaJSON = map[platform.TaskType]string{
	platform.TaskPostContent: `{
		"type": "object",
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"media_urls": {"type": "array", "items": {"type": "string", "minLength": 1}}
		},
		"required": ["content"]
	}`,
	platform.TaskSendDM: `{
		"type": "object",
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"recipients": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}
		},
		"required": ["content", "recipients"]
	}`,
	platform.TaskAdjustPricing: `{
		"type": "object",
		"properties": {
			"pricing_data": {
				"type": "object",
				"properties": {
					"tier_id": {"type": "string", "minLength": 1},
					"amount_cents": {"type": "integer", "minimum": 1},
					"currency": {"type": "string"}
				},
				"required": ["tier_id", "amount_cents"]
			}
		},
		"required": ["pricing_data"]
	}`,
	platform.TaskSchedulePost: `{
		"type": "object",
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"scheduled_for": {"type": "string", "format": "date-time", "minLength": 1}
		},
		"required": ["content", "scheduled_for"]
	}`,
	platform.TaskFetchMetrics: `{"type": "object"}`,
}

type payloadSchemas struct {
	compiled map[platform.TaskType]*jsonschema.Schema
}

func compilePayloadSchemas() (*payloadSchemas, error) {
	c := jsonschema.NewCompiler()
	for tt, raw := range payloadSchemaJSON {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", tt, err)
		}
		if err := c.AddResource(string(tt)+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", tt, err)
		}
	}
	out := &payloadSchemas{compiled: make(map[platform.TaskType]*jsonschema.Schema, len(payloadSchemaJSON))}
	for tt := range payloadSchemaJSON {
		schema, err := c.Compile(string(tt) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", tt, err)
		}
		out.compiled[tt] = schema
	}
	return out, nil
}

// validate checks a raw payload against the task type's schema.
func (p *payloadSchemas) validate(taskType platform.TaskType, payload string) error {
	schema, ok := p.compiled[taskType]
	if !ok {
		return fmt.Errorf("unknown task type %q", taskType)
	}
	if payload == "" {
		payload = "{}"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload schema: %w", err)
	}
	return nil
}
