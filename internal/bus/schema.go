package bus

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// eventFrameSchema validates the outer frame posted to the events
// endpoint by the processor in async mode.
const eventFrameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "detail-type", "detail"],
  "properties": {
    "id": {"type": "string"},
    "source": {"const": "agent-processor"},
    "detail-type": {"enum": ["message.completed", "message.failed"]},
    "time": {"type": "string"},
    "detail": {"type": "object"}
  }
}`

// completionSchema validates the completion detail. The original
// envelope or the flattened identifying fields must be present; the
// router rejects events it cannot address.
const completionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "original": {"type": "object"},
    "messageId": {"type": "string"},
    "channel": {},
    "user": {"type": "object"},
    "response": {"type": "string"},
    "error": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

// Validator checks processor-posted event frames against the wire
// contract before they reach the bus.
type Validator struct {
	frame      *jsonschema.Schema
	completion *jsonschema.Schema
}

// NewValidator compiles the event schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.json", strings.NewReader(eventFrameSchema)); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	if err := compiler.AddResource("completion.json", strings.NewReader(completionSchema)); err != nil {
		return nil, fmt.Errorf("add completion schema: %w", err)
	}
	frame, err := compiler.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	completion, err := compiler.Compile("completion.json")
	if err != nil {
		return nil, fmt.Errorf("compile completion schema: %w", err)
	}
	return &Validator{frame: frame, completion: completion}, nil
}

// MustNewValidator is NewValidator for initialization paths where the
// embedded schemas are known good.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateFrame checks a decoded event frame and its completion detail.
func (v *Validator) ValidateFrame(frame map[string]any) error {
	if err := v.frame.Validate(frame); err != nil {
		return fmt.Errorf("invalid event frame: %w", err)
	}
	if detail, ok := frame["detail"].(map[string]any); ok {
		if err := v.completion.Validate(detail); err != nil {
			return fmt.Errorf("invalid completion detail: %w", err)
		}
	}
	return nil
}

// AllowedDetailTypes lists the detail types the events endpoint accepts.
func AllowedDetailTypes() []string {
	return []string{envelope.EventMessageCompleted, envelope.EventMessageFailed}
}
