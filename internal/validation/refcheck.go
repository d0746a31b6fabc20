package validation

import (
	"fmt"
	"strings"

	"github.com/kinetiq/flowline/internal/expressions"
	"github.com/kinetiq/flowline/pkg/schema"
)

// validateReferences walks the definition in execution order, tracking which
// top-level context keys each step could have produced, and flags any
// reference to a key no earlier step can write. Keys written inside a
// condition branch count as available after the condition joins, since the
// taken branch is not known statically.
func validateReferences(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	available := map[string]bool{expressions.InputKey: true}
	walkReferences(def.Steps, "steps", available, result)
	return result
}

// walkReferences checks steps against the available set and mutates it with
// the keys the steps produce.
func walkReferences(steps []schema.StepDefinition, path string, available map[string]bool, result *schema.ValidationResult) {
	for i := range steps {
		checkStepReferences(&steps[i], fmt.Sprintf("%s[%d]", path, i), available, result)
	}
}

func checkStepReferences(step *schema.StepDefinition, path string, available map[string]bool, result *schema.ValidationResult) {
	switch step.Type {
	case schema.StepTypeAgent:
		for _, ref := range inputReferences(step.Input) {
			checkRef(ref, path+".input", available, result)
		}

	case schema.StepTypeCondition:
		for _, ref := range expressionReferences(step.Condition) {
			checkRef(ref, path+".condition", available, result)
		}
		thenKeys := branchKeys(step.Then, path+".then", available, result)
		elseKeys := branchKeys(step.Else, path+".else", available, result)
		for k := range thenKeys {
			available[k] = true
		}
		for k := range elseKeys {
			available[k] = true
		}

	case schema.StepTypeParallel:
		// Branches run against forks of the pre-parallel context, so a
		// branch never sees a sibling's writes.
		added := make(map[string]bool)
		for bi, branch := range step.Branches {
			for k := range branchKeys(branch, fmt.Sprintf("%s.branches[%d]", path, bi), available, result) {
				added[k] = true
			}
		}
		for k := range added {
			available[k] = true
		}

	case schema.StepTypeAggregate:
		for _, src := range step.Sources {
			checkRef(src, path+".sources", available, result)
		}

	case schema.StepTypeTransform:
		for _, expr := range step.Transform {
			for _, ref := range expressionReferences(expr) {
				checkRef(ref, path+".transform", available, result)
			}
		}

	case schema.StepTypeValidate:
		if step.Validation != nil {
			for ri, rule := range step.Validation.Rules {
				checkRef(rule.Field, fmt.Sprintf("%s.validation.rules[%d].field", path, ri), available, result)
				for _, ref := range expressionReferences(rule.Condition) {
					// "value" is bound to the resolved field at runtime.
					if refRoot(ref) == "value" {
						continue
					}
					checkRef(ref, fmt.Sprintf("%s.validation.rules[%d].condition", path, ri), available, result)
				}
			}
		}
	}

	if step.OutputKey != "" {
		available[step.OutputKey] = true
	}
}

// branchKeys validates a branch against a copy of the available set and
// returns the keys the branch adds.
func branchKeys(steps []schema.StepDefinition, path string, available map[string]bool, result *schema.ValidationResult) map[string]bool {
	scoped := make(map[string]bool, len(available))
	for k := range available {
		scoped[k] = true
	}
	walkReferences(steps, path, scoped, result)

	added := make(map[string]bool)
	for k := range scoped {
		if !available[k] {
			added[k] = true
		}
	}
	return added
}

func refRoot(ref string) string {
	if idx := strings.IndexByte(ref, '.'); idx >= 0 {
		return ref[:idx]
	}
	return ref
}

func checkRef(ref, path string, available map[string]bool, result *schema.ValidationResult) {
	if !available[refRoot(ref)] {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("reference %q resolves to a key no earlier step produces", ref))
	}
}

// inputReferences extracts the paths referenced by placeholders in an agent
// input template. Malformed templates are reported by the semantic stage, so
// parse errors surface as no references here.
func inputReferences(input map[string]any) []string {
	paths, err := expressions.CollectPaths(input)
	if err != nil {
		return nil
	}
	return paths
}

// expressionReferences extracts the paths an expression reads. Expressions
// that fail to compile are reported by the semantic stage.
func expressionReferences(source string) []string {
	prog, err := expressions.Compile(source)
	if err != nil {
		return nil
	}
	return prog.Paths()
}
