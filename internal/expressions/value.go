package expressions

import (
	"encoding/json"
	"strconv"
)

// undefinedType is the sentinel type for unresolved context references.
type undefinedType struct{}

// Undefined is the value an unresolved path evaluates to. It is distinct
// from null: a step may legitimately write null, while Undefined means the
// path was never written.
var Undefined = undefinedType{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// Truthy implements the boolean coercion used by condition steps and
// short-circuit && / ||: Undefined, null, false, empty string and zero are
// falsy; everything else (including empty lists and objects) is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case undefinedType:
		return false
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	default:
		if n, ok := asNumber(v); ok {
			return n != 0
		}
		return true
	}
}

// AsNumber normalizes a value to float64, reporting whether it is numeric.
func AsNumber(v any) (float64, bool) {
	return asNumber(v)
}

// asNumber normalizes the numeric types that reach the evaluator: JSON
// decoding yields float64, programmatic input may carry Go ints.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// valuesEqual implements == for the expression language. Numbers compare
// numerically across int/float representations; otherwise both type and
// value must match. Undefined equals only Undefined, null only null.
func valuesEqual(a, b any) bool {
	if IsUndefined(a) || IsUndefined(b) {
		return IsUndefined(a) && IsUndefined(b)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		// Composite values (maps, slices) never compare equal.
		return false
	}
}

// compareValues implements the ordering operators. Numeric when both
// operands are numeric, lexical when both are strings; every other pairing
// (including Undefined and null operands) is unordered.
func compareValues(a, b any) (cmp int, ordered bool) {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// Stringify renders a resolved value for embedding into an interpolated
// string. Undefined renders empty, null renders "null", numbers drop the
// trailing ".0" JSON decoding introduces, composites JSON-encode inline.
func Stringify(v any) string {
	switch val := v.(type) {
	case undefinedType:
		return ""
	case nil:
		return "null"
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
