package engine

import (
	"strings"

	"github.com/kinetiq/flowline/internal/capability"
	"github.com/kinetiq/flowline/internal/expressions"
	"github.com/kinetiq/flowline/pkg/schema"
)

// Estimator predicts the provider spend of a workflow without invoking
// any capability.
type Estimator struct {
	registry *capability.Registry
}

// NewEstimator creates an Estimator backed by the given registry.
func NewEstimator(registry *capability.Registry) *Estimator {
	return &Estimator{registry: registry}
}

// Estimate walks the definition and sums per-agent-step cost estimates.
//
// Conditions whose expression reads only workflow input are evaluated and
// the untaken branch excluded; conditions that depend on step outputs are
// undecidable before execution, so both branches are counted. The estimate
// is therefore an upper bound, never an undercount.
func (e *Estimator) Estimate(def *schema.WorkflowDefinition, input map[string]any) (*schema.CostEstimate, error) {
	ec := expressions.NewContext(input)
	est := &schema.CostEstimate{WorkflowID: def.ID}
	if err := e.estimateSteps(def.Steps, ec, est); err != nil {
		return nil, err
	}
	return est, nil
}

func (e *Estimator) estimateSteps(steps []schema.StepDefinition, ec *expressions.Context, est *schema.CostEstimate) error {
	for _, step := range steps {
		if err := e.estimateStep(step, ec, est); err != nil {
			return err
		}
	}
	return nil
}

func (e *Estimator) estimateStep(step schema.StepDefinition, ec *expressions.Context, est *schema.CostEstimate) error {
	switch step.Type {
	case schema.StepTypeAgent:
		invoker, err := e.registry.Get(step.Agent, step.Operation)
		if err != nil {
			return err
		}
		input := estimateInput(step, ec)
		cost := invoker.EstimateCost(input)
		est.PerStep = append(est.PerStep, schema.StepEstimate{
			StepID:       step.ID,
			EstimatedUSD: cost,
		})
		est.TotalUSD += cost

	case schema.StepTypeCondition:
		if taken, decidable := decideCondition(step.Condition, ec); decidable {
			branch := step.Then
			if !taken {
				branch = step.Else
			}
			return e.estimateSteps(branch, ec, est)
		}
		if err := e.estimateSteps(step.Then, ec, est); err != nil {
			return err
		}
		return e.estimateSteps(step.Else, ec, est)

	case schema.StepTypeParallel:
		for _, branch := range step.Branches {
			if err := e.estimateSteps(branch, ec, est); err != nil {
				return err
			}
		}
	}

	// Aggregate, transform and validate run in-process and cost nothing.
	return nil
}

// decideCondition reports whether the condition can be resolved from
// workflow input alone, and if so, which way it goes.
func decideCondition(condition string, ec *expressions.Context) (taken, decidable bool) {
	prg, err := expressions.Compile(condition)
	if err != nil {
		return false, false
	}
	for _, path := range prg.Paths() {
		if path != expressions.InputKey && !strings.HasPrefix(path, expressions.InputKey+".") {
			return false, false
		}
	}
	return prg.EvalBool(ec), true
}

// estimateInput resolves the parts of the step input that are known before
// execution. References to step outputs resolve to empty values, which is
// acceptable for size-based cost heuristics.
func estimateInput(step schema.StepDefinition, ec *expressions.Context) map[string]any {
	if step.Input == nil {
		return map[string]any{}
	}
	resolved, err := expressions.ResolveValue(step.Input, ec)
	if err != nil {
		return step.Input
	}
	if input, ok := resolved.(map[string]any); ok {
		return input
	}
	return step.Input
}
