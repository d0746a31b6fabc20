package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kinetiq/flowline/internal/expressions"
	"github.com/kinetiq/flowline/internal/store"
	"github.com/kinetiq/flowline/pkg/schema"
)

// Executor drives workflow executions end to end: it persists lifecycle
// state, walks top-level steps through the interpreter, and enforces
// timeout, cancellation, and continue-on-error semantics.
type Executor struct {
	store  store.Store
	interp *Interpreter
	pool   *WorkerPool
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*executionHandle
}

// executionHandle tracks a live execution so Cancel can reach it.
type executionHandle struct {
	cancelRequested atomic.Bool
}

// NewExecutor wires an Executor from its dependencies.
func NewExecutor(st store.Store, interp *Interpreter, pool *WorkerPool, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   st,
		interp:  interp,
		pool:    pool,
		logger:  logger,
		handles: make(map[string]*executionHandle),
	}
}

// Execute starts a new execution of def with the given input and returns
// the created record immediately; the workflow runs on the pool. The
// returned execution is in status pending.
func (e *Executor) Execute(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, opts schema.ExecuteOptions) (*store.Execution, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition has no steps")
	}
	timeout, err := parseTimeout(opts.Timeout)
	if err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		Status:     schema.ExecutionStatusPending,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	handle := &executionHandle{}
	e.mu.Lock()
	e.handles[exec.ID] = handle
	e.mu.Unlock()

	// The run outlives the caller's request context.
	runCtx := context.WithoutCancel(ctx)
	submitErr := e.pool.Submit(runCtx, func(ctx context.Context) error {
		defer func() {
			e.mu.Lock()
			delete(e.handles, exec.ID)
			e.mu.Unlock()
		}()
		return e.run(ctx, exec.ID, def, input, opts, timeout, handle)
	})
	if submitErr != nil {
		e.mu.Lock()
		delete(e.handles, exec.ID)
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "submit execution: %s", submitErr.Error()).WithCause(submitErr)
	}

	snapshot := *exec
	return &snapshot, nil
}

// Cancel requests cancellation of a running or pending execution. The
// request takes effect at the next step boundary; an in-flight agent
// invocation is not interrupted.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is already %s", executionID, exec.Status)
	}

	e.mu.Lock()
	handle := e.handles[executionID]
	e.mu.Unlock()

	if handle != nil {
		handle.cancelRequested.Store(true)
		return nil
	}

	// No live handle: the execution never started running (e.g. after a
	// restart). Mark it cancelled directly.
	return e.finish(ctx, executionID, exec.Status, schema.ExecutionStatusCancelled, nil, cancelledError(executionID), 0)
}

// Status returns the execution record and its step records.
func (e *Executor) Status(ctx context.Context, executionID string) (*store.Execution, []*store.StepRecord, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	records, err := e.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return exec, records, nil
}

// Shutdown waits for in-flight executions to finish.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

func (e *Executor) run(ctx context.Context, executionID string, def *schema.WorkflowDefinition, input map[string]any, opts schema.ExecuteOptions, timeout time.Duration, handle *executionHandle) error {
	log := e.logger.With(
		slog.String("execution_id", executionID),
		slog.String("workflow_id", def.ID))

	if handle.cancelRequested.Load() {
		return e.finish(ctx, executionID, schema.ExecutionStatusPending, schema.ExecutionStatusCancelled, nil, cancelledError(executionID), 0)
	}

	started := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &started,
	}); err != nil {
		log.Error("mark running", slog.String("error", err.Error()))
		return err
	}
	e.appendEvent(ctx, executionID, schema.EventExecutionStarted, "", nil)
	log.Info("execution started", slog.Int("steps", len(def.Steps)))

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ec := expressions.NewContext(input)
	observe := func(eventType, stepID string, payload map[string]any) {
		e.appendEvent(ctx, executionID, eventType, stepID, payload)
	}

	interp := e.interp
	if opts.MaxRetries > 0 {
		interp = interp.WithMaxRetries(opts.MaxRetries)
	}

	var totalCost float64
	var failure error

	for i, step := range def.Steps {
		if handle.cancelRequested.Load() {
			log.Info("execution cancelled", slog.String("before_step", step.ID))
			e.skipRemaining(ctx, executionID, def.Steps[i:])
			return e.finish(ctx, executionID, running, schema.ExecutionStatusCancelled, nil, cancelledError(executionID), totalCost)
		}
		if timedOut(runCtx) {
			e.skipRemaining(ctx, executionID, def.Steps[i:])
			failure = timeoutError(def.ID, timeout)
			break
		}

		res := interp.RunStep(runCtx, step, ec, observe)
		totalCost += res.TotalCost()
		e.persistResults(ctx, executionID, res)

		if res.Err == nil {
			continue
		}
		if timedOut(runCtx) {
			e.skipRemaining(ctx, executionID, def.Steps[i+1:])
			failure = timeoutError(def.ID, timeout)
			break
		}
		if opts.ContinueOnError {
			log.Warn("step failed, continuing",
				slog.String("step_id", step.ID),
				slog.String("error", res.Err.Error()))
			continue
		}
		e.skipRemaining(ctx, executionID, def.Steps[i+1:])
		failure = res.Err
		break
	}

	// A cancel acknowledged while the final step was in flight still wins:
	// the execution finishes cancelled even though every step ran.
	if handle.cancelRequested.Load() {
		log.Info("execution cancelled after final step")
		return e.finish(ctx, executionID, running, schema.ExecutionStatusCancelled, nil, cancelledError(executionID), totalCost)
	}

	if failure != nil {
		log.Error("execution failed", slog.String("error", failure.Error()))
		if err := e.finish(ctx, executionID, running, schema.ExecutionStatusFailed, nil, failure, totalCost); err != nil {
			return err
		}
		return failure
	}

	output, err := json.Marshal(ec.Projection())
	if err != nil {
		output = json.RawMessage(`{}`)
	}
	log.Info("execution completed", slog.Float64("total_cost_usd", totalCost))
	return e.finish(ctx, executionID, running, schema.ExecutionStatusCompleted, output, nil, totalCost)
}

// persistResults flattens a result tree into step records. Each record's
// status is checked against the step lifecycle before it is written; a
// violation is logged but the record is persisted anyway, since a complete
// history matters more than a mislabeled row.
func (e *Executor) persistResults(ctx context.Context, executionID string, res *StepResult) {
	for _, r := range res.Flatten() {
		from := schema.StepStatusRunning
		if r.StartedAt.IsZero() {
			from = schema.StepStatusPending
		}
		if err := CheckStepTransition(r.StepID, from, r.Status); err != nil {
			e.logger.Error("step lifecycle violation",
				slog.String("execution_id", executionID),
				slog.String("step_id", r.StepID),
				slog.String("error", err.Error()))
		}
		rec := &store.StepRecord{
			ExecutionID: executionID,
			StepID:      r.StepID,
			Type:        r.Type,
			Status:      r.Status,
			Attempts:    r.Attempts,
			CostUSD:     r.CostUSD,
		}
		if !r.StartedAt.IsZero() {
			ts := r.StartedAt
			rec.StartedAt = &ts
		}
		if !r.CompletedAt.IsZero() {
			ts := r.CompletedAt
			rec.CompletedAt = &ts
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}
		}
		if r.Output != nil {
			if raw, err := json.Marshal(r.Output); err == nil {
				rec.Output = raw
			}
		}
		if r.Err != nil {
			rec.Error = marshalError(r.Err)
		}
		if err := e.store.UpsertStepRecord(ctx, rec); err != nil {
			e.logger.Error("persist step record",
				slog.String("execution_id", executionID),
				slog.String("step_id", r.StepID),
				slog.String("error", err.Error()))
		}
	}
}

// skipRemaining records the top-level steps that never ran as skipped.
func (e *Executor) skipRemaining(ctx context.Context, executionID string, steps []schema.StepDefinition) {
	now := time.Now().UTC()
	for _, step := range steps {
		rec := &store.StepRecord{
			ExecutionID: executionID,
			StepID:      step.ID,
			Type:        step.Type,
			Status:      schema.StepStatusSkipped,
			CompletedAt: &now,
		}
		if err := e.store.UpsertStepRecord(ctx, rec); err != nil {
			e.logger.Error("persist skipped step",
				slog.String("execution_id", executionID),
				slog.String("step_id", step.ID),
				slog.String("error", err.Error()))
			continue
		}
		e.appendEvent(ctx, executionID, schema.EventStepSkipped, step.ID, nil)
	}
}

// finish transitions the execution to a terminal status, records the
// terminal error if any, and appends the matching lifecycle event. It
// returns only transition and store errors; the terminal failure itself is
// the caller's to propagate.
func (e *Executor) finish(ctx context.Context, executionID string, from, to schema.ExecutionStatus, output json.RawMessage, failure error, totalCost float64) error {
	if err := CheckExecutionTransition(executionID, from, to); err != nil {
		return err
	}

	// The event goes first so a reader who sees the terminal status also
	// sees the full event stream.
	eventType := executionEventType(to)
	var ferr *schema.FlowError
	if errors.As(failure, &ferr) && ferr.Code == schema.ErrCodeTimeout {
		eventType = schema.EventExecutionTimedOut
	}
	if eventType != "" {
		e.appendEvent(ctx, executionID, eventType, "", nil)
	}

	completed := time.Now().UTC()
	update := store.ExecutionUpdate{
		Status:       &to,
		CompletedAt:  &completed,
		TotalCostUSD: &totalCost,
	}
	if output != nil {
		update.Output = output
	}
	if failure != nil {
		update.Error = marshalError(failure)
	}
	if err := e.store.UpdateExecution(ctx, executionID, update); err != nil {
		e.logger.Error("finish execution",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func cancelledError(executionID string) error {
	return schema.NewErrorf(schema.ErrCodeCancelled, "execution %s cancelled", executionID)
}

func (e *Executor) appendEvent(ctx context.Context, executionID, eventType, stepID string, payload map[string]any) {
	event := &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.Error("append event",
			slog.String("execution_id", executionID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", raw)
	}
	return d, nil
}

func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func timeoutError(workflowID string, timeout time.Duration) error {
	return schema.NewErrorf(schema.ErrCodeTimeout,
		"workflow %s exceeded timeout of %s", workflowID, timeout)
}

func marshalError(err error) json.RawMessage {
	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		if raw, mErr := json.Marshal(ferr); mErr == nil {
			return raw
		}
	}
	raw, _ := json.Marshal(map[string]any{
		"code":    schema.ErrCodeExecution,
		"message": err.Error(),
	})
	return raw
}
