package engine

import (
	"github.com/kinetiq/flowline/pkg/schema"
)

// validExecutionTransitions defines the allowed execution lifecycle moves.
// Terminal statuses have no outgoing transitions.
var validExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
}

// validStepTransitions defines the allowed step lifecycle moves. A retried
// step stays running between attempts.
var validStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusRunning,
		schema.StepStatusSkipped,
	},
	schema.StepStatusRunning: {
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
	},
}

// CheckExecutionTransition validates an execution status transition.
func CheckExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	for _, allowed := range validExecutionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// CheckStepTransition validates a step status transition.
func CheckStepTransition(stepID string, from, to schema.StepStatus) error {
	for _, allowed := range validStepTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// executionEventType maps a terminal execution status to its log event.
func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}
