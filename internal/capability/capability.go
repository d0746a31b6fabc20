package capability

import (
	"context"
)

// Result is the outcome of a single capability invocation. CostUSD reports
// the provider spend for the attempt, which is non-zero even when the
// invocation fails: tokens consumed before an error are still billed.
type Result struct {
	Output  any     `json:"output"`
	CostUSD float64 `json:"cost_usd"`
}

// Invoker executes one operation of one agent. Implementations wrap
// provider clients; the engine never talks to a provider directly.
type Invoker interface {
	// Invoke runs the operation with the fully interpolated input. The
	// context carries execution-scoped cancellation and deadlines.
	Invoke(ctx context.Context, input map[string]any) (*Result, error)

	// EstimateCost predicts the spend of one invocation without running
	// it. Dry-run planning sums these across reachable agent steps.
	EstimateCost(input map[string]any) float64
}

// Capability describes one registered agent/operation pair.
type Capability struct {
	Agent       string `json:"agent"`
	Operation   string `json:"operation"`
	Description string `json:"description,omitempty"`
}

// Key returns the registry key for the pair.
func (c Capability) Key() string { return Key(c.Agent, c.Operation) }

// Key builds the canonical "agent/operation" registry key.
func Key(agent, operation string) string {
	return agent + "/" + operation
}
