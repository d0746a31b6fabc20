package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetiq/flowline/internal/capability"
	"github.com/kinetiq/flowline/pkg/schema"
)

func registerPriced(t *testing.T, reg *capability.Registry, agent, op string, cost float64) *capability.Registry {
	t.Helper()
	require.NoError(t, reg.Register(capability.Capability{Agent: agent, Operation: op}, &capability.FuncInvoker{
		InvokeFunc: func(context.Context, map[string]any) (*capability.Result, error) {
			t.Fatalf("estimate must not invoke %s/%s", agent, op)
			return nil, nil
		},
		EstimateFunc: func(map[string]any) float64 { return cost },
	}))
	return reg
}

func TestEstimator_NeverInvokes(t *testing.T) {
	reg := capability.NewRegistry()
	registerPriced(t, reg, "code-analyzer", "analyze", 0.05)

	est, err := NewEstimator(reg).Estimate(&schema.WorkflowDefinition{
		ID: "wf",
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: schema.StepTypeAgent, Agent: "code-analyzer", Operation: "analyze", OutputKey: "a"},
		},
	}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, est.TotalUSD, 1e-9)
	require.Len(t, est.PerStep, 1)
	assert.Equal(t, "s1", est.PerStep[0].StepID)
}

func TestEstimator_InputDecidableCondition(t *testing.T) {
	reg := capability.NewRegistry()
	registerPriced(t, reg, "expensive", "run", 1.00)
	registerPriced(t, reg, "cheap", "run", 0.10)

	def := &schema.WorkflowDefinition{
		ID: "wf",
		Steps: []schema.StepDefinition{
			{
				ID: "gate", Type: schema.StepTypeCondition,
				Condition: "input.tier == 'premium'",
				Then: []schema.StepDefinition{
					{ID: "deep", Type: schema.StepTypeAgent, Agent: "expensive", Operation: "run"},
				},
				Else: []schema.StepDefinition{
					{ID: "shallow", Type: schema.StepTypeAgent, Agent: "cheap", Operation: "run"},
				},
			},
		},
	}

	e := NewEstimator(reg)

	// The condition reads only workflow input, so only the taken branch
	// is counted.
	est, err := e.Estimate(def, map[string]any{"tier": "premium"})
	require.NoError(t, err)
	assert.InDelta(t, 1.00, est.TotalUSD, 1e-9)

	est, err = e.Estimate(def, map[string]any{"tier": "basic"})
	require.NoError(t, err)
	assert.InDelta(t, 0.10, est.TotalUSD, 1e-9)
}

func TestEstimator_OutputDependentConditionCountsBoth(t *testing.T) {
	reg := capability.NewRegistry()
	registerPriced(t, reg, "scorer", "score", 0.05)
	registerPriced(t, reg, "expensive", "run", 1.00)
	registerPriced(t, reg, "cheap", "run", 0.10)

	def := &schema.WorkflowDefinition{
		ID: "wf",
		Steps: []schema.StepDefinition{
			{ID: "score", Type: schema.StepTypeAgent, Agent: "scorer", Operation: "score", OutputKey: "analysis"},
			{
				ID: "gate", Type: schema.StepTypeCondition,
				Condition: "analysis.score > 50",
				Then: []schema.StepDefinition{
					{ID: "deep", Type: schema.StepTypeAgent, Agent: "expensive", Operation: "run"},
				},
				Else: []schema.StepDefinition{
					{ID: "shallow", Type: schema.StepTypeAgent, Agent: "cheap", Operation: "run"},
				},
			},
		},
	}

	est, err := NewEstimator(reg).Estimate(def, nil)
	require.NoError(t, err)
	// Undecidable before execution: both branches counted, upper bound.
	assert.InDelta(t, 1.15, est.TotalUSD, 1e-9)
	assert.Len(t, est.PerStep, 3)
}

func TestEstimator_ParallelSumsAllBranches(t *testing.T) {
	reg := capability.NewRegistry()
	registerPriced(t, reg, "a", "run", 0.10)
	registerPriced(t, reg, "b", "run", 0.20)

	def := &schema.WorkflowDefinition{
		ID: "wf",
		Steps: []schema.StepDefinition{
			{
				ID: "fanout", Type: schema.StepTypeParallel,
				Branches: [][]schema.StepDefinition{
					{{ID: "s1", Type: schema.StepTypeAgent, Agent: "a", Operation: "run"}},
					{{ID: "s2", Type: schema.StepTypeAgent, Agent: "b", Operation: "run"}},
				},
			},
			{ID: "agg", Type: schema.StepTypeAggregate, Sources: []string{"x"}, AggregateFunction: schema.AggregateMerge},
			{ID: "shape", Type: schema.StepTypeTransform, Transform: map[string]string{"v": "x"}},
		},
	}

	est, err := NewEstimator(reg).Estimate(def, nil)
	require.NoError(t, err)
	// Deterministic steps cost nothing.
	assert.InDelta(t, 0.30, est.TotalUSD, 1e-9)
	assert.Len(t, est.PerStep, 2)
}

func TestEstimator_UnknownCapability(t *testing.T) {
	est := NewEstimator(capability.NewRegistry())

	_, err := est.Estimate(&schema.WorkflowDefinition{
		ID: "wf",
		Steps: []schema.StepDefinition{
			{ID: "s1", Type: schema.StepTypeAgent, Agent: "ghost", Operation: "run"},
		},
	}, nil)
	require.Error(t, err)
}
