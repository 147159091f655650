package condition

import (
	"encoding/json"
	"strconv"
	"time"
)

// timeCmpEntry mirrors the Rust `TimeCmpInner` shape. Format is either
// "unix"/"unixnano" or a Go reference-time layout (spec.md §4.1 describes it
// as "strftime-like"; this driver takes Go's time.Parse layout directly
// rather than translating strftime directives, since nothing else in this
// codebase parses strftime). Location, when set, is "UTC" or "LOCAL".
type timeCmpEntry struct {
	Symbol   string  `json:"symbol"`
	Value    string  `json:"value"`
	Format   string  `json:"format"`
	Location *string `json:"location,omitempty"`
}

type timeCmp struct {
	Values []timeCmpEntry `json:"values"`
}

func newTimeCmp(options json.RawMessage) (Condition, error) {
	var c timeCmp
	if err := json.Unmarshal(options, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *timeCmp) Evaluate(value json.RawMessage, _ Request) bool {
	v, ok := rawString(value)
	if !ok || len(c.Values) == 0 {
		return false
	}
	matched := false
	for _, entry := range c.Values {
		if !c.cmp(v, entry) {
			return false
		}
		matched = true
	}
	return matched
}

func (c *timeCmp) cmp(src string, entry timeCmpEntry) bool {
	switch entry.Format {
	case "unix", "unixnano":
		srcInt, err1 := strconv.ParseInt(src, 10, 64)
		destInt, err2 := strconv.ParseInt(entry.Value, 10, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		return compareInt64(srcInt, entry.Symbol, destInt)
	default:
		loc := time.UTC
		if entry.Location != nil && *entry.Location == "LOCAL" {
			loc = time.Local
		}
		srcTime, err1 := time.ParseInLocation(entry.Format, src, loc)
		destTime, err2 := time.ParseInLocation(entry.Format, entry.Value, loc)
		if err1 != nil || err2 != nil {
			return false
		}
		return compareTime(srcTime, entry.Symbol, destTime)
	}
}

func compareTime(src time.Time, symbol string, dest time.Time) bool {
	switch symbol {
	case "==":
		return src.Equal(dest)
	case "!=":
		return !src.Equal(dest)
	case ">":
		return src.After(dest)
	case ">=":
		return src.After(dest) || src.Equal(dest)
	case "<":
		return src.Before(dest)
	case "<=":
		return src.Before(dest) || src.Equal(dest)
	default:
		return false
	}
}
