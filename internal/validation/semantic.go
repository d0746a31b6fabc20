package validation

import (
	"fmt"

	"github.com/kinetiq/flowline/internal/expressions"
	"github.com/kinetiq/flowline/pkg/schema"
)

// CapabilityLookup answers whether an agent/operation pair is registered.
// A nil lookup skips capability existence checks.
type CapabilityLookup interface {
	Has(agent, operation string) bool
}

// validateSemantic checks everything the JSON Schema cannot express:
// unique step IDs across all nesting levels, per-type required fields,
// capability existence, and that every expression in the definition parses.
func validateSemantic(def *schema.WorkflowDefinition, lookup CapabilityLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]string)
	validateStepList(def.Steps, "steps", seen, lookup, result)
	return result
}

func validateStepList(steps []schema.StepDefinition, path string, seen map[string]string, lookup CapabilityLookup, result *schema.ValidationResult) {
	for i := range steps {
		validateStep(&steps[i], fmt.Sprintf("%s[%d]", path, i), seen, lookup, result)
	}
}

func validateStep(step *schema.StepDefinition, path string, seen map[string]string, lookup CapabilityLookup, result *schema.ValidationResult) {
	if prev, dup := seen[step.ID]; dup {
		result.AddError(path+".id", schema.ErrCodeValidation,
			fmt.Sprintf("duplicate step id %q (also at %s)", step.ID, prev))
	} else {
		seen[step.ID] = path
	}

	switch step.Type {
	case schema.StepTypeAgent:
		validateAgentStep(step, path, lookup, result)

	case schema.StepTypeCondition:
		validateConditionStep(step, path, seen, lookup, result)

	case schema.StepTypeParallel:
		if len(step.Branches) == 0 {
			result.AddError(path+".branches", schema.ErrCodeValidation,
				"parallel step requires at least one branch")
		}
		if len(step.Branches) == 1 {
			result.AddWarning(path+".branches", schema.ErrCodeValidation,
				"parallel step with a single branch runs sequentially")
		}
		for bi, branch := range step.Branches {
			validateStepList(branch, fmt.Sprintf("%s.branches[%d]", path, bi), seen, lookup, result)
		}

	case schema.StepTypeAggregate:
		validateAggregateStep(step, path, result)

	case schema.StepTypeTransform:
		validateTransformStep(step, path, result)

	case schema.StepTypeValidate:
		validateValidateStep(step, path, result)
	}
}

func validateAgentStep(step *schema.StepDefinition, path string, lookup CapabilityLookup, result *schema.ValidationResult) {
	if step.Agent == "" {
		result.AddError(path+".agent", schema.ErrCodeValidation, "agent step requires an agent")
	}
	if step.Operation == "" {
		result.AddError(path+".operation", schema.ErrCodeValidation, "agent step requires an operation")
	}
	if step.Agent != "" && step.Operation != "" && lookup != nil && !lookup.Has(step.Agent, step.Operation) {
		result.AddError(path, schema.ErrCodeNotFound,
			fmt.Sprintf("capability %s/%s not registered", step.Agent, step.Operation))
	}
	if step.Input != nil {
		paths, err := expressions.CollectPaths(step.Input)
		if err != nil {
			result.AddError(path+".input", schema.ErrCodeValidation, err.Error())
			return
		}
		for _, p := range paths {
			if _, err := expressions.Compile(p); err != nil {
				result.AddError(path+".input", schema.ErrCodeValidation,
					fmt.Sprintf("invalid placeholder path %q", p))
			}
		}
	}
}

func validateConditionStep(step *schema.StepDefinition, path string, seen map[string]string, lookup CapabilityLookup, result *schema.ValidationResult) {
	if step.Condition == "" {
		result.AddError(path+".condition", schema.ErrCodeValidation, "condition step requires a condition")
	} else if _, err := expressions.Compile(step.Condition); err != nil {
		result.AddError(path+".condition", schema.ErrCodeValidation, err.Error())
	}
	if len(step.Then) == 0 && len(step.Else) == 0 {
		result.AddWarning(path, schema.ErrCodeValidation, "condition step has no branches")
	}
	validateStepList(step.Then, path+".then", seen, lookup, result)
	validateStepList(step.Else, path+".else", seen, lookup, result)
}

func validateAggregateStep(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	if len(step.Sources) == 0 {
		result.AddError(path+".sources", schema.ErrCodeValidation, "aggregate step requires sources")
	}
	switch step.AggregateFunction {
	case schema.AggregateMerge, schema.AggregateConcat, schema.AggregateSum:
	case "":
		result.AddError(path+".aggregateFunction", schema.ErrCodeValidation,
			"aggregate step requires an aggregateFunction")
	default:
		result.AddError(path+".aggregateFunction", schema.ErrCodeValidation,
			fmt.Sprintf("unknown aggregate function %q", step.AggregateFunction))
	}
	if step.OutputKey == "" {
		result.AddWarning(path+".outputKey", schema.ErrCodeValidation,
			"aggregate result is discarded without an outputKey")
	}
}

func validateTransformStep(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	if len(step.Transform) == 0 {
		result.AddError(path+".transform", schema.ErrCodeValidation, "transform step requires at least one field")
	}
	for field, expr := range step.Transform {
		if _, err := expressions.Compile(expr); err != nil {
			result.AddError(fmt.Sprintf("%s.transform.%s", path, field),
				schema.ErrCodeValidation, err.Error())
		}
	}
}

func validateValidateStep(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	if step.Validation == nil || len(step.Validation.Rules) == 0 {
		result.AddError(path+".validation", schema.ErrCodeValidation, "validate step requires rules")
		return
	}
	for ri, rule := range step.Validation.Rules {
		rulePath := fmt.Sprintf("%s.validation.rules[%d]", path, ri)
		if rule.Field == "" {
			result.AddError(rulePath+".field", schema.ErrCodeValidation, "rule requires a field")
		}
		if rule.Condition == "" {
			result.AddError(rulePath+".condition", schema.ErrCodeValidation, "rule requires a condition")
		} else if _, err := expressions.Compile(rule.Condition); err != nil {
			result.AddError(rulePath+".condition", schema.ErrCodeValidation, err.Error())
		}
	}
}
