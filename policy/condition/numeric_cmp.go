package condition

import (
	"encoding/json"
	"strconv"
	"strings"
)

// numericCmp compares a context numeric value against Value using Symbol.
// Dispatch is by numeric kind (signed, unsigned, float); mixed kinds are
// never coerced into one another (spec.md §4.1).
type numericCmp struct {
	Symbol string      `json:"symbol"`
	Value  json.Number `json:"value"`
}

func newNumericCmp(options json.RawMessage) (Condition, error) {
	var c numericCmp
	if err := json.Unmarshal(options, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Evaluate dispatches by the context value's own numeric kind — float,
// signed, or unsigned — never the configured Value's kind. The configured
// Value is then parsed into that same kind; if it doesn't fit, the kinds
// disagree and the comparison is false, it is never retried under another
// kind. This mirrors the Rust source's is_f64/is_i64/is_u64 dispatch on
// the context number, one kind tried at a time with no fallback.
func (c *numericCmp) Evaluate(value json.RawMessage, _ Request) bool {
	var n json.Number
	if err := json.Unmarshal(value, &n); err != nil {
		return false
	}

	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		srcFloat, err := n.Float64()
		if err != nil {
			return false
		}
		destFloat, err := c.Value.Float64()
		if err != nil {
			return false
		}
		return compareFloat64(srcFloat, c.Symbol, destFloat)
	}

	if srcInt, err := n.Int64(); err == nil {
		destInt, err := c.Value.Int64()
		if err != nil {
			return false
		}
		return compareInt64(srcInt, c.Symbol, destInt)
	}

	srcUint, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return false
	}
	destUint, err := strconv.ParseUint(c.Value.String(), 10, 64)
	if err != nil {
		return false
	}
	return compareUint64(srcUint, c.Symbol, destUint)
}

func compareInt64(src int64, symbol string, dest int64) bool {
	switch symbol {
	case "==":
		return src == dest
	case "!=":
		return src != dest
	case ">":
		return src > dest
	case ">=":
		return src >= dest
	case "<":
		return src < dest
	case "<=":
		return src <= dest
	default:
		return false
	}
}

func compareUint64(src uint64, symbol string, dest uint64) bool {
	switch symbol {
	case "==":
		return src == dest
	case "!=":
		return src != dest
	case ">":
		return src > dest
	case ">=":
		return src >= dest
	case "<":
		return src < dest
	case "<=":
		return src <= dest
	default:
		return false
	}
}

func compareFloat64(src float64, symbol string, dest float64) bool {
	switch symbol {
	case "==":
		return src == dest
	case "!=":
		return src != dest
	case ">":
		return src > dest
	case ">=":
		return src >= dest
	case "<":
		return src < dest
	case "<=":
		return src <= dest
	default:
		return false
	}
}
