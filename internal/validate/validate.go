// Package validate checks inbound events against the event JSON schema
// before they reach the detection engine.
package validate

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sentinelmon/internal/model"
)

//go:embed event.json
var eventSchema string

// Validator validates events against the embedded schema. It is immutable
// after construction and safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the embedded event schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("event.json", strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Event validates one event.
func (v *Validator) Event(e model.Event) error {
	if err := v.schema.Validate(eventToMap(e)); err != nil {
		return fmt.Errorf("event %s invalid: %w", e.ID, err)
	}
	return nil
}

// eventToMap converts the event into the JSON shape the schema describes.
func eventToMap(e model.Event) map[string]any {
	m := map[string]any{
		"id":          e.ID,
		"agent_id":    e.AgentID,
		"sequence":    float64(e.Sequence),
		"occurred_at": e.OccurredAt.Format(time.RFC3339Nano),
		"type":        e.Type,
		"payload":     e.Payload,
	}
	if e.SeverityHint != "" {
		m["severity_hint"] = string(e.SeverityHint)
	}
	if e.Payload == nil {
		m["payload"] = map[string]any{}
	}
	return m
}
