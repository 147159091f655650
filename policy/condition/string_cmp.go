package condition

import (
	"encoding/json"
	"strings"
)

// stringCmpEntry mirrors the Rust `StringCmpInner` shape (spec.md §4.1).
type stringCmpEntry struct {
	Equal      bool   `json:"equal"`
	IgnoreCase bool   `json:"ignore_case"`
	Value      string `json:"value"`
}

// stringCmp matches iff every configured entry's predicate holds against
// the context string; an empty list never matches.
type stringCmp struct {
	Values []stringCmpEntry `json:"values"`
}

func newStringCmp(options json.RawMessage) (Condition, error) {
	var c stringCmp
	if err := json.Unmarshal(options, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *stringCmp) Evaluate(value json.RawMessage, _ Request) bool {
	v, ok := rawString(value)
	if !ok || len(c.Values) == 0 {
		return false
	}
	for _, entry := range c.Values {
		if !c.matches(v, entry) {
			return false
		}
	}
	return true
}

func (c *stringCmp) matches(src string, entry stringCmpEntry) bool {
	dest := entry.Value
	if entry.IgnoreCase {
		src, dest = strings.ToLower(src), strings.ToLower(dest)
	}
	if entry.Equal {
		return src == dest
	}
	return src != dest
}
