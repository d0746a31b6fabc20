package store

import (
	"encoding/json"
	"time"

	"github.com/kinetiq/flowline/pkg/schema"
)

// Execution is the persisted representation of one workflow run.
type Execution struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	Status       schema.ExecutionStatus `json:"status"`
	Input        map[string]any         `json:"input,omitempty"`
	Output       json.RawMessage        `json:"output,omitempty"`
	Error        json.RawMessage        `json:"error,omitempty"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// StepRecord is the persisted outcome of one step within an execution.
// A retried step keeps a single record; Attempts counts how many times it
// ran and the record reflects the final attempt.
type StepRecord struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Type        schema.StepType   `json:"type"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	CostUSD     float64           `json:"cost_usd"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Definition is a registered workflow definition.
type Definition struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	Output       json.RawMessage         `json:"output,omitempty"`
	Error        json.RawMessage         `json:"error,omitempty"`
	TotalCostUSD *float64                `json:"total_cost_usd,omitempty"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}
