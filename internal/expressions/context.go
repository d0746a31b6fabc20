package expressions

import (
	"strings"
)

// InputKey is the reserved top-level namespace holding the workflow input.
const InputKey = "input"

// Context is the mutable, namespaced key-value store threaded through a
// workflow execution. It maps dotted paths to values: seeded with
// {input: <workflow input>} and extended with one top-level entry per
// completed step's outputKey.
//
// Context is NOT safe for concurrent use by itself. The fork/merge discipline
// is the sole synchronization mechanism: sequential steps share one Context,
// each parallel branch receives an isolated Fork, and the parent applies
// Merge for completed branches one at a time, in branch-declaration order.
type Context struct {
	values map[string]any

	// writes records top-level keys set on this context, in write order.
	// Merge replays them onto the parent so a branch's effects land in a
	// deterministic order.
	writes []string
}

// NewContext creates a Context seeded with the workflow input under "input".
func NewContext(input map[string]any) *Context {
	values := make(map[string]any, 8)
	if input == nil {
		input = map[string]any{}
	}
	values[InputKey] = input
	return &Context{values: values}
}

// Get resolves a dotted path against the context. An unresolved path returns
// the Undefined sentinel, never an error.
func (c *Context) Get(path string) any {
	v, ok := c.Lookup(path)
	if !ok {
		return Undefined
	}
	return v
}

// Lookup resolves a dotted path and reports whether it resolved.
func (c *Context) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")

	current, ok := c.values[segments[0]]
	if !ok {
		return nil, false
	}

	for _, seg := range segments[1:] {
		obj, isMap := current.(map[string]any)
		if !isMap {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Set writes a value at a dotted path, creating intermediate objects as
// needed. A dotted write clones every map along the path before mutating it,
// so a forked context never writes into a map its siblings share. Writing a
// top-level key records it for Merge replay.
func (c *Context) Set(path string, value any) {
	segments := strings.Split(path, ".")
	top := segments[0]

	if len(segments) == 1 {
		c.values[top] = value
	} else {
		obj := clonePathMap(c.values[top])
		c.values[top] = obj
		for _, seg := range segments[1 : len(segments)-1] {
			next := clonePathMap(obj[seg])
			obj[seg] = next
			obj = next
		}
		obj[segments[len(segments)-1]] = value
	}

	for _, w := range c.writes {
		if w == top {
			return
		}
	}
	c.writes = append(c.writes, top)
}

// clonePathMap shallow-copies a map for a copy-on-write dotted Set. A
// non-map value at the position is replaced with a fresh map.
func clonePathMap(v any) map[string]any {
	src, ok := v.(map[string]any)
	if !ok {
		return make(map[string]any)
	}
	out := make(map[string]any, len(src)+1)
	for k, val := range src {
		out[k] = val
	}
	return out
}

// Fork returns an isolated child view for a parallel branch: a shallow
// copy-on-write overlay of the top-level map. Sibling branches cannot observe
// each other's writes mid-flight; nested values are shared for reading, and
// Set's path cloning keeps dotted writes from reaching shared maps.
func (c *Context) Fork() *Context {
	values := make(map[string]any, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	return &Context{values: values}
}

// Merge applies a completed branch's writes onto this context in the branch's
// own write order. When two branches wrote the same top-level key, the branch
// merged later wins silently; callers are responsible for unique outputKeys
// across branches.
func (c *Context) Merge(child *Context) {
	for _, key := range child.writes {
		c.Set(key, child.values[key])
	}
}

// Snapshot returns a copy of the top-level map, including "input".
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Projection returns the accumulated step outputs: the top-level map minus
// the reserved "input" namespace. Used as the final workflow output.
func (c *Context) Projection() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		if k == InputKey {
			continue
		}
		out[k] = v
	}
	return out
}
