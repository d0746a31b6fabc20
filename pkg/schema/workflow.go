package schema

// WorkflowDefinition is the JSON-serializable workflow format.
// Definitions are authored and stored outside the engine; the engine treats
// them as read-only input for a given execution.
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Steps       []StepDefinition `json:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes one node of a workflow's execution tree.
// It is a tagged union discriminated by Type; only the fields matching the
// type are consulted, the rest stay zero.
type StepDefinition struct {
	ID        string   `json:"id"`
	Type      StepType `json:"type"`
	OutputKey string   `json:"outputKey,omitempty"` // context key the result is written to

	// agent
	Agent     string         `json:"agent,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Input     map[string]any `json:"input,omitempty"` // template object, string leaves may hold {{path}} placeholders

	// condition
	Condition string           `json:"condition,omitempty"`
	Then      []StepDefinition `json:"then,omitempty"`
	Else      []StepDefinition `json:"else,omitempty"`

	// parallel
	Branches [][]StepDefinition `json:"branches,omitempty"`

	// aggregate
	Sources           []string          `json:"sources,omitempty"`
	AggregateFunction AggregateFunction `json:"aggregateFunction,omitempty"`

	// transform
	Transform map[string]string `json:"transform,omitempty"` // output field -> expression

	// validate
	Validation *ValidationConfig `json:"validation,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAgent     StepType = "agent"
	StepTypeCondition StepType = "condition"
	StepTypeParallel  StepType = "parallel"
	StepTypeAggregate StepType = "aggregate"
	StepTypeTransform StepType = "transform"
	StepTypeValidate  StepType = "validate"
)

// AggregateFunction enumerates how an aggregate step combines its sources.
type AggregateFunction string

const (
	AggregateMerge  AggregateFunction = "merge"  // shallow-merge objects left-to-right, later keys win
	AggregateConcat AggregateFunction = "concat" // concatenate list-likes in source order
	AggregateSum    AggregateFunction = "sum"    // arithmetic sum of numeric sources
)

// ValidationConfig is the config block for validate-type steps.
type ValidationConfig struct {
	Rules []ValidationRule `json:"rules"`
}

// ValidationRule checks one resolved field against a condition expression.
// The condition is evaluated with the resolved field bound as "value",
// alongside the full context. A rule fails when its condition evaluates
// false.
type ValidationRule struct {
	Field     string `json:"field"`
	Condition string `json:"condition"`
	Message   string `json:"message"`
}

// ExecuteOptions tune a single workflow execution.
type ExecuteOptions struct {
	Timeout         string `json:"timeout,omitempty"`         // total wall-clock bound, e.g. "5m"
	MaxRetries      int    `json:"maxRetries,omitempty"`      // agent steps only
	ContinueOnError bool   `json:"continueOnError,omitempty"` // keep walking top-level steps past a failure
}

// CostEstimate is the result of a dry-run estimate over a definition.
type CostEstimate struct {
	WorkflowID string         `json:"workflow_id"`
	TotalUSD   float64        `json:"total_usd"`
	PerStep    []StepEstimate `json:"per_step"`
}

// StepEstimate is the estimated provider cost attributed to one step.
type StepEstimate struct {
	StepID       string  `json:"step_id"`
	EstimatedUSD float64 `json:"estimated_usd"`
}
