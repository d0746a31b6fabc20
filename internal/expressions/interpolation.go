package expressions

import (
	"strings"

	"github.com/kinetiq/flowline/pkg/schema"
)

const (
	placeholderOpen  = "{{"
	placeholderClose = "}}"
)

// HasPlaceholder reports whether s contains at least one {{path}} placeholder.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, placeholderOpen)
}

// ResolveString interpolates {{path}} placeholders in s against the context.
//
// When the entire string is exactly one placeholder, the resolved value is
// returned as-is, preserving its type: "{{analysis.output}}" passes a map
// through untouched, and an unresolved path yields nil. When a placeholder
// is embedded in surrounding text the value is stringified, with null
// rendering as "null" and unresolved paths as the empty string.
func ResolveString(s string, ctx *Context) (any, error) {
	if !HasPlaceholder(s) {
		return s, nil
	}

	// Whole-string placeholder: return the raw value. An unresolved path
	// becomes nil so the sentinel never escapes to invokers or marshaling.
	if strings.HasPrefix(s, placeholderOpen) && strings.HasSuffix(s, placeholderClose) {
		inner := s[len(placeholderOpen) : len(s)-len(placeholderClose)]
		if isPlaceholderPath(inner) {
			val := ctx.Get(strings.TrimSpace(inner))
			if IsUndefined(val) {
				return nil, nil
			}
			return val, nil
		}
	}

	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, placeholderOpen)
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:open])
		rest = rest[open+len(placeholderOpen):]

		close := strings.Index(rest, placeholderClose)
		if close < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unclosed placeholder in %q", s).
				WithDetails(map[string]any{"template": s})
		}
		path := strings.TrimSpace(rest[:close])
		if path == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty placeholder in %q", s).
				WithDetails(map[string]any{"template": s})
		}
		val := ctx.Get(path)
		if IsUndefined(val) {
			// Absent references render as empty text rather than failing
			// the step; validation flags dangling references up front.
			val = ""
		}
		b.WriteString(Stringify(val))
		rest = rest[close+len(placeholderClose):]
	}
}

// ResolveValue recursively interpolates every string found in v. Maps and
// slices are rebuilt, never mutated in place, so a shared step input
// template can be resolved concurrently by parallel branches.
func ResolveValue(v any, ctx *Context) (any, error) {
	switch tv := v.(type) {
	case string:
		return ResolveString(tv, ctx)

	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			resolved, err := ResolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			resolved, err := ResolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return v, nil
	}
}

// CollectPaths returns every placeholder path referenced anywhere in v,
// walking nested maps and slices. Validation uses this to detect references
// to output keys no earlier step produces.
func CollectPaths(v any) ([]string, error) {
	var paths []string
	if err := collectPaths(v, &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

func collectPaths(v any, paths *[]string) error {
	switch tv := v.(type) {
	case string:
		rest := tv
		for {
			open := strings.Index(rest, placeholderOpen)
			if open < 0 {
				return nil
			}
			rest = rest[open+len(placeholderOpen):]
			close := strings.Index(rest, placeholderClose)
			if close < 0 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"unclosed placeholder in %q", tv).
					WithDetails(map[string]any{"template": tv})
			}
			path := strings.TrimSpace(rest[:close])
			if path != "" {
				*paths = append(*paths, path)
			}
			rest = rest[close+len(placeholderClose):]
		}

	case map[string]any:
		for _, item := range tv {
			if err := collectPaths(item, paths); err != nil {
				return err
			}
		}

	case []any:
		for _, item := range tv {
			if err := collectPaths(item, paths); err != nil {
				return err
			}
		}
	}
	return nil
}

// isPlaceholderPath reports whether inner is a bare dotted path with no
// further placeholder delimiters, i.e. the string was one single
// placeholder rather than two adjacent ones.
func isPlaceholderPath(inner string) bool {
	return !strings.Contains(inner, placeholderOpen) &&
		!strings.Contains(inner, placeholderClose)
}
