package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetiq/flowline/internal/capability"
	"github.com/kinetiq/flowline/internal/store"
	"github.com/kinetiq/flowline/pkg/schema"
)

type executorFixture struct {
	executor *Executor
	registry *capability.Registry
	store    *store.MemoryStore
}

func newExecutorFixture(t *testing.T, retry RetryPolicy) *executorFixture {
	t.Helper()
	st := store.NewMemoryStore()
	reg := capability.NewRegistry()
	interp := NewInterpreter(reg, retry, slog.Default())
	pool := NewWorkerPool(4)
	exec := NewExecutor(st, interp, pool, slog.Default())
	t.Cleanup(exec.Shutdown)
	return &executorFixture{executor: exec, registry: reg, store: st}
}

func (f *executorFixture) waitTerminal(t *testing.T, executionID string) *store.Execution {
	t.Helper()
	var final *store.Execution
	require.Eventually(t, func() bool {
		exec, err := f.store.GetExecution(context.Background(), executionID)
		if err != nil || !exec.Status.Terminal() {
			return false
		}
		final = exec
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return final
}

func scoreWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "deploy-review",
		Name: "Deploy Review",
		Steps: []schema.StepDefinition{
			{
				ID: "analyze", Type: schema.StepTypeAgent,
				Agent: "code-analyzer", Operation: "analyze",
				Input:     map[string]any{"project": "{{input.projectId}}"},
				OutputKey: "analysis",
			},
			{
				ID: "gate", Type: schema.StepTypeCondition,
				Condition: "analysis.score > 50",
				Then: []schema.StepDefinition{
					{ID: "approve", Type: schema.StepTypeAgent, Agent: "reviewer", Operation: "approve", OutputKey: "verdict"},
				},
				Else: []schema.StepDefinition{
					{ID: "reject", Type: schema.StepTypeAgent, Agent: "reviewer", Operation: "reject", OutputKey: "verdict"},
				},
			},
		},
	}
}

func TestExecutor_AgentThenCondition(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	registerStatic(t, f.registry, "code-analyzer", "analyze", map[string]any{"score": 75.0}, 0.05)
	approveCalls := registerStatic(t, f.registry, "reviewer", "approve", "approved", 0.02)
	rejectCalls := registerStatic(t, f.registry, "reviewer", "reject", "rejected", 0.02)

	exec, err := f.executor.Execute(ctx, scoreWorkflow(), map[string]any{"projectId": "p-1"}, schema.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPending, exec.Status)

	final := f.waitTerminal(t, exec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, int64(1), approveCalls.Load())
	assert.Equal(t, int64(0), rejectCalls.Load())
	assert.JSONEq(t, `{"analysis":{"score":75},"verdict":"approved"}`, string(final.Output))
	assert.InDelta(t, 0.07, final.TotalCostUSD, 1e-9)

	// The untaken branch is recorded as skipped.
	records, err := f.store.ListStepRecords(ctx, exec.ID)
	require.NoError(t, err)
	byID := map[string]*store.StepRecord{}
	for _, r := range records {
		byID[r.StepID] = r
	}
	require.Contains(t, byID, "reject")
	assert.Equal(t, schema.StepStatusSkipped, byID["reject"].Status)
	assert.Equal(t, schema.StepStatusCompleted, byID["approve"].Status)
	assert.Equal(t, schema.StepStatusCompleted, byID["gate"].Status)
}

func TestExecutor_TotalCostMatchesStepRecords(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	registerStatic(t, f.registry, "code-analyzer", "analyze", map[string]any{"score": 10.0}, 0.05)
	registerStatic(t, f.registry, "reviewer", "approve", "approved", 0.02)
	registerStatic(t, f.registry, "reviewer", "reject", "rejected", 0.03)

	exec, err := f.executor.Execute(ctx, scoreWorkflow(), nil, schema.ExecuteOptions{})
	require.NoError(t, err)
	final := f.waitTerminal(t, exec.ID)

	records, err := f.store.ListStepRecords(ctx, exec.ID)
	require.NoError(t, err)
	var sum float64
	for _, r := range records {
		sum += r.CostUSD
	}
	assert.InDelta(t, sum, final.TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.08, final.TotalCostUSD, 1e-9)
}

func TestExecutor_FailureStopsWalk(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	require.NoError(t, f.registry.Register(capability.Capability{Agent: "boom", Operation: "run"}, &capability.FuncInvoker{
		InvokeFunc: func(context.Context, map[string]any) (*capability.Result, error) {
			return &capability.Result{CostUSD: 0.01}, schema.NewError(schema.ErrCodeValidation, "bad call")
		},
	}))
	afterCalls := registerStatic(t, f.registry, "after", "run", "ran", 0)

	def := &schema.WorkflowDefinition{
		ID: "failing",
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: schema.StepTypeAgent, Agent: "boom", Operation: "run"},
			{ID: "s2", Type: schema.StepTypeAgent, Agent: "after", Operation: "run"},
		},
	}

	exec, err := f.executor.Execute(ctx, def, nil, schema.ExecuteOptions{})
	require.NoError(t, err)
	final := f.waitTerminal(t, exec.ID)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Equal(t, int64(0), afterCalls.Load())
	assert.Contains(t, string(final.Error), "VALIDATION_ERROR")
	// Cost spent before the failure is preserved.
	assert.InDelta(t, 0.01, final.TotalCostUSD, 1e-9)

	// The unreached step is recorded as skipped.
	record, err := f.store.GetStepRecord(ctx, exec.ID, "s2")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, record.Status)
}

func TestExecutor_ContinueOnError(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	require.NoError(t, f.registry.Register(capability.Capability{Agent: "boom", Operation: "run"}, &capability.FuncInvoker{
		InvokeFunc: func(context.Context, map[string]any) (*capability.Result, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "bad call")
		},
	}))
	afterCalls := registerStatic(t, f.registry, "after", "run", "ran", 0)

	def := &schema.WorkflowDefinition{
		ID: "tolerant",
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: schema.StepTypeAgent, Agent: "boom", Operation: "run"},
			{ID: "s2", Type: schema.StepTypeAgent, Agent: "after", Operation: "run", OutputKey: "out"},
		},
	}

	exec, err := f.executor.Execute(ctx, def, nil, schema.ExecuteOptions{ContinueOnError: true})
	require.NoError(t, err)
	final := f.waitTerminal(t, exec.ID)

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, int64(1), afterCalls.Load())

	records, err := f.store.ListStepRecords(ctx, exec.ID)
	require.NoError(t, err)
	statuses := map[string]schema.StepStatus{}
	for _, r := range records {
		statuses[r.StepID] = r.Status
	}
	assert.Equal(t, schema.StepStatusFailed, statuses["s1"])
	assert.Equal(t, schema.StepStatusCompleted, statuses["s2"])
}

func TestExecutor_Timeout(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	require.NoError(t, f.registry.Register(capability.Capability{Agent: "slow", Operation: "run"}, &capability.FuncInvoker{
		InvokeFunc: func(ctx context.Context, _ map[string]any) (*capability.Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return &capability.Result{Output: "late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	def := &schema.WorkflowDefinition{
		ID: "slow-wf",
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: schema.StepTypeAgent, Agent: "slow", Operation: "run"},
		},
	}

	exec, err := f.executor.Execute(ctx, def, nil, schema.ExecuteOptions{Timeout: "50ms"})
	require.NoError(t, err)
	final := f.waitTerminal(t, exec.ID)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Contains(t, string(final.Error), "TIMEOUT_ERROR")
}

func TestExecutor_InvalidTimeoutRejected(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})

	_, err := f.executor.Execute(context.Background(), scoreWorkflow(), nil, schema.ExecuteOptions{Timeout: "soon"})
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestExecutor_CancelBetweenSteps(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.registry.Register(capability.Capability{Agent: "gate", Operation: "hold"}, &capability.FuncInvoker{
		InvokeFunc: func(context.Context, map[string]any) (*capability.Result, error) {
			close(started)
			<-release
			return &capability.Result{Output: "held"}, nil
		},
	}))
	afterCalls := registerStatic(t, f.registry, "after", "run", "ran", 0)

	def := &schema.WorkflowDefinition{
		ID: "cancellable",
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: schema.StepTypeAgent, Agent: "gate", Operation: "hold", OutputKey: "held"},
			{ID: "s2", Type: schema.StepTypeAgent, Agent: "after", Operation: "run"},
		},
	}

	exec, err := f.executor.Execute(ctx, def, nil, schema.ExecuteOptions{})
	require.NoError(t, err)

	<-started
	require.NoError(t, f.executor.Cancel(ctx, exec.ID))
	close(release)

	final := f.waitTerminal(t, exec.ID)
	assert.Equal(t, schema.ExecutionStatusCancelled, final.Status)

	// The in-flight step finished and was recorded; the next never ran
	// but is recorded as skipped.
	assert.Equal(t, int64(0), afterCalls.Load())
	records, err := f.store.ListStepRecords(ctx, exec.ID)
	require.NoError(t, err)
	statuses := map[string]schema.StepStatus{}
	for _, r := range records {
		statuses[r.StepID] = r.Status
	}
	require.Len(t, statuses, 2)
	assert.Equal(t, schema.StepStatusCompleted, statuses["s1"])
	assert.Equal(t, schema.StepStatusSkipped, statuses["s2"])
}

func TestExecutor_CancelDuringFinalStep(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.registry.Register(capability.Capability{Agent: "gate", Operation: "hold"}, &capability.FuncInvoker{
		InvokeFunc: func(context.Context, map[string]any) (*capability.Result, error) {
			close(started)
			<-release
			return &capability.Result{Output: "held"}, nil
		},
	}))

	def := &schema.WorkflowDefinition{
		ID: "single-step",
		Steps: []schema.StepDefinition{
			{ID: "only", Type: schema.StepTypeAgent, Agent: "gate", Operation: "hold", OutputKey: "held"},
		},
	}

	exec, err := f.executor.Execute(ctx, def, nil, schema.ExecuteOptions{})
	require.NoError(t, err)

	<-started
	require.NoError(t, f.executor.Cancel(ctx, exec.ID))
	close(release)

	// The cancel was acknowledged while the only step was in flight, so
	// the execution ends cancelled even though that step succeeded.
	final := f.waitTerminal(t, exec.ID)
	assert.Equal(t, schema.ExecutionStatusCancelled, final.Status)

	require.NotEmpty(t, final.Error)
	var terminal schema.FlowError
	require.NoError(t, json.Unmarshal(final.Error, &terminal))
	assert.Equal(t, schema.ErrCodeCancelled, terminal.Code)

	records, err := f.store.ListStepRecords(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schema.StepStatusCompleted, records[0].Status)
}

func TestExecutor_CancelTerminalRejected(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	registerStatic(t, f.registry, "code-analyzer", "analyze", map[string]any{"score": 75.0}, 0)
	registerStatic(t, f.registry, "reviewer", "approve", "approved", 0)
	registerStatic(t, f.registry, "reviewer", "reject", "rejected", 0)

	exec, err := f.executor.Execute(ctx, scoreWorkflow(), nil, schema.ExecuteOptions{})
	require.NoError(t, err)
	f.waitTerminal(t, exec.ID)

	err = f.executor.Cancel(ctx, exec.ID)
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ferr.Code)
}

func TestExecutor_StatusUnknownExecution(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})

	_, _, err := f.executor.Status(context.Background(), "no-such-id")
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}

func TestExecutor_EventStream(t *testing.T) {
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	registerStatic(t, f.registry, "code-analyzer", "analyze", map[string]any{"score": 75.0}, 0)
	registerStatic(t, f.registry, "reviewer", "approve", "approved", 0)
	registerStatic(t, f.registry, "reviewer", "reject", "rejected", 0)

	exec, err := f.executor.Execute(ctx, scoreWorkflow(), nil, schema.ExecuteOptions{})
	require.NoError(t, err)
	f.waitTerminal(t, exec.ID)

	events, err := f.store.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.EventExecutionStarted)
	assert.Contains(t, types, schema.EventConditionEvaluated)
	assert.Contains(t, types, schema.EventStepSkipped)
	assert.Contains(t, types, schema.EventExecutionCompleted)
	// Sequences are gapless and ordered.
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestExecutor_PerExecutionRetries(t *testing.T) {
	// Engine-level policy allows no retries; the execution's options do.
	f := newExecutorFixture(t, RetryPolicy{})
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, f.registry.Register(
		capability.Capability{Agent: "flaky", Operation: "run"},
		&capability.FuncInvoker{
			InvokeFunc: func(context.Context, map[string]any) (*capability.Result, error) {
				if calls.Add(1) < 3 {
					return &capability.Result{}, schema.NewError(schema.ErrCodeExecution, "transient")
				}
				return &capability.Result{Output: "done"}, nil
			},
		},
	))

	def := &schema.WorkflowDefinition{
		ID: "retry-opts",
		Steps: []schema.StepDefinition{{
			ID: "s1", Type: schema.StepTypeAgent,
			Agent: "flaky", Operation: "run", OutputKey: "result",
		}},
	}

	exec, err := f.executor.Execute(ctx, def, nil, schema.ExecuteOptions{MaxRetries: 3})
	require.NoError(t, err)
	final := f.waitTerminal(t, exec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)

	record, err := f.store.GetStepRecord(ctx, exec.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, record.Attempts)
}
