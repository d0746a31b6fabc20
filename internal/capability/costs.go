package capability

import (
	"context"
	"sync"
)

// CostTable tracks the observed average cost per capability and answers
// estimates with that average, falling back to a static default for
// capabilities that never ran. Safe for concurrent use.
type CostTable struct {
	defaultUSD float64

	mu    sync.RWMutex
	stats map[string]*costStat
}

type costStat struct {
	totalUSD float64
	samples  int64
}

func NewCostTable(defaultUSD float64) *CostTable {
	return &CostTable{
		defaultUSD: defaultUSD,
		stats:      make(map[string]*costStat),
	}
}

// Observe records the actual cost of one invocation.
func (t *CostTable) Observe(agent, operation string, costUSD float64) {
	key := agent + "/" + operation
	t.mu.Lock()
	defer t.mu.Unlock()
	stat, ok := t.stats[key]
	if !ok {
		stat = &costStat{}
		t.stats[key] = stat
	}
	stat.totalUSD += costUSD
	stat.samples++
}

// Estimate returns the observed average for the capability, or the default
// when it has no history.
func (t *CostTable) Estimate(agent, operation string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if stat, ok := t.stats[agent+"/"+operation]; ok && stat.samples > 0 {
		return stat.totalUSD / float64(stat.samples)
	}
	return t.defaultUSD
}

// Samples returns how many invocations have been observed for the capability.
func (t *CostTable) Samples(agent, operation string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if stat, ok := t.stats[agent+"/"+operation]; ok {
		return stat.samples
	}
	return 0
}

// Instrument wraps an invoker so every invocation feeds the table and
// estimates come from observed history instead of the invoker's own guess.
// Cost is recorded even when the invocation fails, since providers charge
// for failed calls too.
func (t *CostTable) Instrument(agent, operation string, inv Invoker) Invoker {
	return &instrumentedInvoker{table: t, agent: agent, operation: operation, inner: inv}
}

type instrumentedInvoker struct {
	table     *CostTable
	agent     string
	operation string
	inner     Invoker
}

func (i *instrumentedInvoker) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	result, err := i.inner.Invoke(ctx, input)
	if result != nil {
		i.table.Observe(i.agent, i.operation, result.CostUSD)
	}
	return result, err
}

func (i *instrumentedInvoker) EstimateCost(input map[string]any) float64 {
	if i.table.Samples(i.agent, i.operation) > 0 {
		return i.table.Estimate(i.agent, i.operation)
	}
	if est := i.inner.EstimateCost(input); est > 0 {
		return est
	}
	return i.table.defaultUSD
}
