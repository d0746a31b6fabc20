package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetiq/flowline/pkg/schema"
)

func stubInvoker(cost float64) Invoker {
	return &FuncInvoker{
		InvokeFunc: func(_ context.Context, _ map[string]any) (*Result, error) {
			return &Result{Output: "ok", CostUSD: cost}, nil
		},
		EstimateFunc: func(_ map[string]any) float64 { return cost },
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Capability{Agent: "code-analyzer", Operation: "analyze"}, stubInvoker(0.05))
	require.NoError(t, err)

	inv, err := r.Get("code-analyzer", "analyze")
	require.NoError(t, err)
	assert.Equal(t, 0.05, inv.EstimateCost(nil))

	assert.True(t, r.Has("code-analyzer", "analyze"))
	assert.False(t, r.Has("code-analyzer", "summarize"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("ghost", "op")
	require.Error(t, err)

	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestRegistry_DuplicateConflicts(t *testing.T) {
	r := NewRegistry()
	cap := Capability{Agent: "reviewer", Operation: "review"}

	require.NoError(t, r.Register(cap, stubInvoker(0.01)))

	err := r.Register(cap, stubInvoker(0.02))
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, ferr.Code)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Capability{Agent: "b", Operation: "z"}, stubInvoker(0)))
	require.NoError(t, r.Register(Capability{Agent: "a", Operation: "y"}, stubInvoker(0)))
	require.NoError(t, r.Register(Capability{Agent: "a", Operation: "x"}, stubInvoker(0)))

	caps := r.List()
	require.Len(t, caps, 3)
	assert.Equal(t, "a/x", caps[0].Key())
	assert.Equal(t, "a/y", caps[1].Key())
	assert.Equal(t, "b/z", caps[2].Key())
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Capability{Agent: "a", Operation: "op"}, nil)
	require.Error(t, err)

	err = r.Register(Capability{Agent: "", Operation: "op"}, stubInvoker(0))
	require.Error(t, err)
}
