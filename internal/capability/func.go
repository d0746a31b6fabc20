package capability

import (
	"context"
)

// FuncInvoker adapts plain functions into an Invoker. Used for in-process
// capabilities and for wiring test doubles.
type FuncInvoker struct {
	InvokeFunc   func(ctx context.Context, input map[string]any) (*Result, error)
	EstimateFunc func(input map[string]any) float64
}

func (f *FuncInvoker) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	return f.InvokeFunc(ctx, input)
}

func (f *FuncInvoker) EstimateCost(input map[string]any) float64 {
	if f.EstimateFunc == nil {
		return 0
	}
	return f.EstimateFunc(input)
}
