package validation

import (
	"encoding/json"
	"errors"

	"github.com/kinetiq/flowline/pkg/schema"
)

// WorkflowValidator runs definitions through the staged pipeline: structural
// JSON Schema validation first, then semantic checks, then reference
// analysis. Structural failures short-circuit because the later stages assume
// a well-formed shape.
type WorkflowValidator struct {
	structural *JSONSchemaValidator
	lookup     CapabilityLookup
}

// NewWorkflowValidator builds the pipeline. lookup may be nil, which skips
// capability existence checks (useful when validating definitions before the
// registry is populated).
func NewWorkflowValidator(lookup CapabilityLookup) (*WorkflowValidator, error) {
	structural, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{structural: structural, lookup: lookup}, nil
}

// ValidateDefinition returns nil when the definition is executable. The error
// is a FlowError carrying every issue found, not just the first.
func (v *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	if structural := v.validateStructural(def); !structural.Valid() {
		return structural.ToError()
	}

	result := validateSemantic(def, v.lookup)
	result.Merge(validateReferences(def))
	return result.ToError()
}

// Check reports all issues, including warnings, without converting them to an
// error. Callers that surface diagnostics use this instead of
// ValidateDefinition.
func (v *WorkflowValidator) Check(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		result := &schema.ValidationResult{}
		result.AddError("", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	result := v.validateStructural(def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, v.lookup))
	result.Merge(validateReferences(def))
	return result
}

// validateStructural converts the JSON Schema validator's error into a
// ValidationResult, one entry per violation.
func (v *WorkflowValidator) validateStructural(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.structural.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) && flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, violation := range violations {
				result.AddError("", schema.ErrCodeValidation, violation)
			}
			return result
		}
	}
	result.AddError("", schema.ErrCodeValidation, err.Error())
	return result
}

// ValidateInput checks a run's input against the definition's input schema,
// when one is attached through metadata. Definitions without a schema accept
// any input.
func (v *WorkflowValidator) ValidateInput(def *schema.WorkflowDefinition, input map[string]any) error {
	inputSchema := inputSchemaBytes(def)
	if inputSchema == nil {
		return nil
	}
	return v.structural.ValidateInput(input, inputSchema)
}

// inputSchemaBytes extracts the optional input schema from the definition's
// metadata. Returns nil when none is attached.
func inputSchemaBytes(def *schema.WorkflowDefinition) []byte {
	if def == nil || def.Metadata == nil {
		return nil
	}
	raw, ok := def.Metadata["inputSchema"]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return data
}
