package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kinetiq/flowline/internal/capability"
	"github.com/kinetiq/flowline/internal/expressions"
	"github.com/kinetiq/flowline/pkg/schema"
)

// StepObserver receives step-level events as interpretation progresses.
// Observers must be safe for concurrent use: parallel branches report
// from their own goroutines.
type StepObserver func(eventType, stepID string, payload map[string]any)

// StepResult is the outcome of interpreting one step. Container steps
// (condition, parallel) carry their inner steps' outcomes in Children.
type StepResult struct {
	StepID      string
	Type        schema.StepType
	Status      schema.StepStatus
	Output      any
	CostUSD     float64
	Attempts    int
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
	Children    []*StepResult
}

// TotalCost sums the provider spend of this step and everything under it.
func (r *StepResult) TotalCost() float64 {
	total := r.CostUSD
	for _, c := range r.Children {
		total += c.TotalCost()
	}
	return total
}

// Flatten returns this result and all nested results in declaration order.
func (r *StepResult) Flatten() []*StepResult {
	out := []*StepResult{r}
	for _, c := range r.Children {
		out = append(out, c.Flatten()...)
	}
	return out
}

// Interpreter evaluates step definitions against an execution context.
// It holds no per-execution state; one interpreter serves all executions.
type Interpreter struct {
	registry *capability.Registry
	retry    RetryPolicy
	logger   *slog.Logger
}

// NewInterpreter creates an Interpreter backed by the given registry.
func NewInterpreter(registry *capability.Registry, retry RetryPolicy, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{registry: registry, retry: retry, logger: logger}
}

// WithMaxRetries returns a copy of the interpreter with the retry budget
// overridden, leaving delay and backoff shape intact. Used to honor a
// per-execution retry setting.
func (it *Interpreter) WithMaxRetries(n int) *Interpreter {
	clone := *it
	clone.retry.MaxRetries = n
	return &clone
}

// RunStep interprets a single step, mutating ec with the step's output on
// success. The returned result is always non-nil; failures are reported in
// Status and Err rather than a bare error so the caller can persist the
// partial outcome, including provider cost already spent.
func (it *Interpreter) RunStep(ctx context.Context, step schema.StepDefinition, ec *expressions.Context, observe StepObserver) *StepResult {
	res := &StepResult{
		StepID:    step.ID,
		Type:      step.Type,
		Status:    schema.StepStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	emit(observe, schema.EventStepStarted, step.ID, nil)

	switch step.Type {
	case schema.StepTypeAgent:
		it.runAgent(ctx, step, ec, res, observe)
	case schema.StepTypeCondition:
		it.runCondition(ctx, step, ec, res, observe)
	case schema.StepTypeParallel:
		it.runParallel(ctx, step, ec, res, observe)
	case schema.StepTypeAggregate:
		it.runAggregate(step, ec, res)
	case schema.StepTypeTransform:
		it.runTransform(step, ec, res)
	case schema.StepTypeValidate:
		it.runValidate(step, ec, res)
	default:
		res.Err = schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID)
	}

	res.CompletedAt = time.Now().UTC()
	if res.Err != nil {
		res.Status = schema.StepStatusFailed
		emit(observe, schema.EventStepFailed, step.ID, map[string]any{"error": res.Err.Error()})
		it.logger.Error("step failed",
			slog.String("step_id", step.ID),
			slog.String("type", string(step.Type)),
			slog.String("error", res.Err.Error()))
	} else {
		res.Status = schema.StepStatusCompleted
		emit(observe, schema.EventStepCompleted, step.ID, nil)
	}
	return res
}

// --- Agent ---

func (it *Interpreter) runAgent(ctx context.Context, step schema.StepDefinition, ec *expressions.Context, res *StepResult, observe StepObserver) {
	invoker, err := it.registry.Get(step.Agent, step.Operation)
	if err != nil {
		res.Err = err
		return
	}

	input, err := resolveAgentInput(step, ec)
	if err != nil {
		res.Err = err
		return
	}

	var lastErr error
	exhausted := false
	for attempt := 0; attempt <= it.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			emit(observe, schema.EventStepRetryAttempt, step.ID, map[string]any{"attempt": attempt + 1})
			if err := waitBackoff(ctx, it.retry.Backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		res.Attempts++

		result, err := invoker.Invoke(ctx, input)
		if result != nil {
			// Failed attempts still bill for tokens consumed.
			res.CostUSD += result.CostUSD
		}
		if err == nil {
			res.Output = result.Output
			if step.OutputKey != "" {
				ec.Set(step.OutputKey, result.Output)
			}
			return
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
		exhausted = attempt == it.retry.MaxRetries
	}

	if exhausted && it.retry.MaxRetries > 0 {
		res.Err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"agent %s/%s failed after %d attempts", step.Agent, step.Operation, res.Attempts).
			WithStep(step.ID).
			WithCause(lastErr)
		return
	}
	res.Err = wrapStepError(step.ID, lastErr)
}

func resolveAgentInput(step schema.StepDefinition, ec *expressions.Context) (map[string]any, error) {
	if step.Input == nil {
		return map[string]any{}, nil
	}
	resolved, err := expressions.ResolveValue(step.Input, ec)
	if err != nil {
		return nil, wrapStepError(step.ID, err)
	}
	input, ok := resolved.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"agent input must resolve to an object, got %T", resolved).WithStep(step.ID)
	}
	return input, nil
}

// --- Condition ---

func (it *Interpreter) runCondition(ctx context.Context, step schema.StepDefinition, ec *expressions.Context, res *StepResult, observe StepObserver) {
	taken, err := expressions.EvaluateBool(step.Condition, ec)
	if err != nil {
		res.Err = wrapStepError(step.ID, err)
		return
	}
	emit(observe, schema.EventConditionEvaluated, step.ID, map[string]any{
		"condition": step.Condition,
		"result":    taken,
	})

	branch, skipped := step.Then, step.Else
	if !taken {
		branch, skipped = step.Else, step.Then
	}

	// The untaken branch never runs; its steps are recorded as skipped so
	// the execution history accounts for every declared step.
	res.Children = append(res.Children, skipResults(skipped, observe)...)

	for i, inner := range branch {
		child := it.RunStep(ctx, inner, ec, observe)
		res.Children = append(res.Children, child)
		if child.Err != nil {
			res.Children = append(res.Children, skipResults(branch[i+1:], observe)...)
			res.Err = child.Err
			return
		}
	}
}

// skipResults marks every step in branch, including nested ones, skipped.
func skipResults(branch []schema.StepDefinition, observe StepObserver) []*StepResult {
	var out []*StepResult
	for _, step := range branch {
		r := &StepResult{
			StepID: step.ID,
			Type:   step.Type,
			Status: schema.StepStatusSkipped,
		}
		emit(observe, schema.EventStepSkipped, step.ID, nil)
		r.Children = append(r.Children, skipResults(step.Then, observe)...)
		r.Children = append(r.Children, skipResults(step.Else, observe)...)
		for _, nested := range step.Branches {
			r.Children = append(r.Children, skipResults(nested, observe)...)
		}
		out = append(out, r)
	}
	return out
}

// --- Parallel ---

type branchOutcome struct {
	forked  *expressions.Context
	results []*StepResult
	failed  *StepResult
}

func (it *Interpreter) runParallel(ctx context.Context, step schema.StepDefinition, ec *expressions.Context, res *StepResult, observe StepObserver) {
	emit(observe, schema.EventParallelStarted, step.ID, map[string]any{"branches": len(step.Branches)})

	outcomes := make([]branchOutcome, len(step.Branches))
	var wg sync.WaitGroup

	for i, branch := range step.Branches {
		wg.Add(1)
		go func(i int, branch []schema.StepDefinition) {
			defer wg.Done()
			forked := ec.Fork()
			outcomes[i].forked = forked
			for j, inner := range branch {
				child := it.RunStep(ctx, inner, forked, observe)
				outcomes[i].results = append(outcomes[i].results, child)
				if child.Err != nil {
					// The branch stops, but sibling branches run to
					// completion before the failure is reported. Steps
					// the branch never reached still get a record.
					outcomes[i].results = append(outcomes[i].results, skipResults(branch[j+1:], observe)...)
					outcomes[i].failed = child
					return
				}
			}
		}(i, branch)
	}
	wg.Wait()

	// Merge in declaration order; colliding keys resolve to the
	// later-declared branch.
	for _, oc := range outcomes {
		ec.Merge(oc.forked)
		res.Children = append(res.Children, oc.results...)
	}
	for _, oc := range outcomes {
		if oc.failed != nil {
			res.Err = oc.failed.Err
			break
		}
	}

	emit(observe, schema.EventParallelCompleted, step.ID, map[string]any{"failed": res.Err != nil})
}

// --- Aggregate ---

func (it *Interpreter) runAggregate(step schema.StepDefinition, ec *expressions.Context, res *StepResult) {
	values := make([]any, 0, len(step.Sources))
	for _, src := range step.Sources {
		values = append(values, ec.Get(src))
	}

	var out any
	var err error
	switch step.AggregateFunction {
	case schema.AggregateMerge:
		out, err = aggregateMerge(step, values)
	case schema.AggregateConcat:
		out, err = aggregateConcat(values)
	case schema.AggregateSum:
		out, err = aggregateSum(step, values)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation,
			"unknown aggregate function %q", step.AggregateFunction).WithStep(step.ID)
	}
	if err != nil {
		res.Err = err
		return
	}

	res.Output = out
	if step.OutputKey != "" {
		ec.Set(step.OutputKey, out)
	}
}

func aggregateMerge(step schema.StepDefinition, values []any) (any, error) {
	merged := make(map[string]any)
	for i, v := range values {
		if expressions.IsUndefined(v) {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"merge source %q is not an object", step.Sources[i]).WithStep(step.ID)
		}
		for k, item := range obj {
			merged[k] = item
		}
	}
	return merged, nil
}

func aggregateConcat(values []any) (any, error) {
	var out []any
	for _, v := range values {
		if expressions.IsUndefined(v) {
			continue
		}
		if list, ok := v.([]any); ok {
			out = append(out, list...)
			continue
		}
		out = append(out, v)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func aggregateSum(step schema.StepDefinition, values []any) (any, error) {
	var total float64
	for i, v := range values {
		n, ok := expressions.AsNumber(v)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"sum source %q is not numeric", step.Sources[i]).WithStep(step.ID)
		}
		total += n
	}
	return total, nil
}

// --- Transform ---

func (it *Interpreter) runTransform(step schema.StepDefinition, ec *expressions.Context, res *StepResult) {
	out := make(map[string]any, len(step.Transform))
	for field, expr := range step.Transform {
		val, err := expressions.Evaluate(expr, ec)
		if err != nil {
			res.Err = wrapStepError(step.ID, err)
			return
		}
		if expressions.IsUndefined(val) {
			val = nil
		}
		out[field] = val
	}

	res.Output = out
	if step.OutputKey != "" {
		ec.Set(step.OutputKey, out)
	}
}

// --- Validate ---

func (it *Interpreter) runValidate(step schema.StepDefinition, ec *expressions.Context, res *StepResult) {
	if step.Validation == nil {
		res.Err = schema.NewError(schema.ErrCodeValidation, "validate step has no rules").WithStep(step.ID)
		return
	}

	// All rules are checked so the failure reports every violation at
	// once, not just the first. Each rule's condition is evaluated in a
	// scope where "value" holds the resolved field, alongside the full
	// context.
	result := &schema.ValidationResult{}
	for _, rule := range step.Validation.Rules {
		scope := ec.Fork()
		scope.Set("value", ec.Get(rule.Field))
		ok, err := expressions.EvaluateBool(rule.Condition, scope)
		if err != nil {
			res.Err = wrapStepError(step.ID, err)
			return
		}
		if !ok {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("condition %q not met", rule.Condition)
			}
			result.AddError(rule.Field, "rule_failed", msg)
		}
	}

	if err := result.ToError(); err != nil {
		res.Err = wrapStepError(step.ID, err)
		return
	}

	out := map[string]any{"valid": true}
	res.Output = out
	if step.OutputKey != "" {
		ec.Set(step.OutputKey, out)
	}
}

// --- Helpers ---

func emit(observe StepObserver, eventType, stepID string, payload map[string]any) {
	if observe != nil {
		observe(eventType, stepID, payload)
	}
}

func wrapStepError(stepID string, err error) error {
	if err == nil {
		return nil
	}
	if ferr, ok := err.(*schema.FlowError); ok {
		if ferr.StepID == "" {
			return ferr.WithStep(stepID)
		}
		return ferr
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).
		WithStep(stepID).
		WithCause(err)
}
