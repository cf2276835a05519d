package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/planline/planline/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for WorkflowTemplate validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://planline.dev/schemas/template.json",
  "type": "object",
  "required": ["stages"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/stage"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "stage": {
      "type": "object",
      "required": ["id", "steps"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": {"$ref": "#/$defs/step"}
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["step_id"],
      "properties": {
        "id": {"type": "string"},
        "step_id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "status": {"type": "string"},
        "condition": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

// TemplateValidator validates workflow templates and update payloads against
// the embedded JSON Schema. Safe for concurrent use.
type TemplateValidator struct {
	tplSchema *jsonschema.Schema
}

// NewTemplateValidator compiles the embedded template schema.
func NewTemplateValidator() (*TemplateValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://planline.dev/schemas/template.json", doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}
	compiled, err := c.Compile("https://planline.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return &TemplateValidator{tplSchema: compiled}, nil
}

// ValidateTemplate checks a full template: schema conformance plus structural
// rules JSON Schema cannot express (duplicate stage/step keys).
func (v *TemplateValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeInvalidUpdate, "workflow template is nil")
	}

	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidUpdate, "failed to serialize workflow template").WithCause(err)
	}
	if err := v.tplSchema.Validate(doc); err != nil {
		return toPlanlineError(err)
	}

	seenStages := make(map[string]struct{}, len(tpl.Stages))
	for _, stage := range tpl.Stages {
		if _, exists := seenStages[stage.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeInvalidUpdate, "duplicate stage id %q", stage.ID)
		}
		seenStages[stage.ID] = struct{}{}
		if err := validateSteps(stage.Steps); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStagePatch checks an update_stage_steps payload.
func (v *TemplateValidator) ValidateStagePatch(stageID string, steps []schema.Step) error {
	if stageID == "" {
		return schema.NewError(schema.ErrCodeInvalidUpdate, "stage patch missing stage_id")
	}
	if len(steps) == 0 {
		return schema.NewError(schema.ErrCodeInvalidUpdate, "stage patch has no steps")
	}
	return validateSteps(steps)
}

func validateSteps(steps []schema.Step) error {
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if step.StepID == "" {
			return schema.NewError(schema.ErrCodeInvalidUpdate, "step missing step_id")
		}
		if _, exists := seen[step.StepID]; exists {
			return schema.NewErrorf(schema.ErrCodeInvalidUpdate, "duplicate step id %q", step.StepID)
		}
		seen[step.StepID] = struct{}{}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPlanlineError converts a jsonschema.ValidationError into a structured
// error with the leaf violations collected for display.
func toPlanlineError(err error) *schema.PlanlineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeInvalidUpdate, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeInvalidUpdate, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeInvalidUpdate, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("template validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeInvalidUpdate, msg).
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
