package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_GetSet(t *testing.T) {
	ctx := NewContext(map[string]any{"projectId": "p-1"})

	assert.Equal(t, "p-1", ctx.Get("input.projectId"))
	assert.True(t, IsUndefined(ctx.Get("input.missing")))
	assert.True(t, IsUndefined(ctx.Get("analysis")))

	ctx.Set("analysis", map[string]any{"score": 88.0})
	assert.Equal(t, 88.0, ctx.Get("analysis.score"))

	// Dotted set creates intermediate maps.
	ctx.Set("review.verdict.final", "ok")
	assert.Equal(t, "ok", ctx.Get("review.verdict.final"))

	// Traversing through a scalar resolves to Undefined, never panics.
	assert.True(t, IsUndefined(ctx.Get("analysis.score.deeper")))
}

func TestContext_ForkIsolation(t *testing.T) {
	parent := NewContext(map[string]any{"projectId": "p-1"})
	parent.Set("shared", "before")

	child := parent.Fork()
	child.Set("branchResult", 1.0)

	// Child sees parent state at fork time; parent never sees child writes
	// until merge.
	assert.Equal(t, "before", child.Get("shared"))
	assert.True(t, IsUndefined(parent.Get("branchResult")))
}

func TestContext_ForkDottedWritesStayIsolated(t *testing.T) {
	parent := NewContext(map[string]any{"projectId": "p-1"})
	parent.Set("report", map[string]any{"title": "draft"})

	a := parent.Fork()
	b := parent.Fork()

	// A dotted write clones the nested map, so a sibling fork and the
	// parent keep their own view of it.
	a.Set("report.sectionA", "from-a")
	b.Set("report.sectionB", "from-b")

	assert.Equal(t, "from-a", a.Get("report.sectionA"))
	assert.True(t, IsUndefined(a.Get("report.sectionB")))
	assert.True(t, IsUndefined(b.Get("report.sectionA")))
	assert.True(t, IsUndefined(parent.Get("report.sectionA")))
	assert.True(t, IsUndefined(parent.Get("report.sectionB")))
	assert.Equal(t, "draft", a.Get("report.title"))

	parent.Merge(a)
	parent.Merge(b)

	// Last-merged branch wins the whole top-level key on collision.
	assert.Equal(t, "from-b", parent.Get("report.sectionB"))
	assert.True(t, IsUndefined(parent.Get("report.sectionA")))
	assert.Equal(t, "draft", parent.Get("report.title"))
}

func TestContext_MergeReplaysWrites(t *testing.T) {
	parent := NewContext(map[string]any{"projectId": "p-1"})

	a := parent.Fork()
	a.Set("resultA", "from-a")
	a.Set("shared", "a-wins")

	b := parent.Fork()
	b.Set("resultB", "from-b")
	b.Set("shared", "b-wins")

	// Merge order is declaration order; the later branch overwrites
	// colliding keys.
	parent.Merge(a)
	parent.Merge(b)

	assert.Equal(t, "from-a", parent.Get("resultA"))
	assert.Equal(t, "from-b", parent.Get("resultB"))
	assert.Equal(t, "b-wins", parent.Get("shared"))
}

func TestContext_Projection(t *testing.T) {
	ctx := NewContext(map[string]any{"projectId": "p-1"})
	ctx.Set("analysis", map[string]any{"score": 88.0})
	ctx.Set("verdict", "pass")

	out := ctx.Projection()
	require.Len(t, out, 2)
	assert.NotContains(t, out, InputKey)
	assert.Equal(t, "pass", out["verdict"])
}

func TestContext_SnapshotIsCopy(t *testing.T) {
	ctx := NewContext(map[string]any{"projectId": "p-1"})
	snap := ctx.Snapshot()
	snap["injected"] = true

	assert.True(t, IsUndefined(ctx.Get("injected")))
	assert.Contains(t, snap, InputKey)
}
