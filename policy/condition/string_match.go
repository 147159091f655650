package condition

import (
	"encoding/json"
	"regexp"
)

// stringMatch compiles Matches as a regex and matches the context string
// against it. An invalid pattern never matches rather than erroring
// (spec.md §4.1: "Invalid regex ⇒ false (not an error)").
type stringMatch struct {
	Matches string `json:"matches"`

	re *regexp.Regexp
}

func newStringMatch(options json.RawMessage) (Condition, error) {
	var c stringMatch
	if err := json.Unmarshal(options, &c); err != nil {
		return nil, err
	}
	c.re, _ = regexp.Compile(c.Matches)
	return &c, nil
}

func (c *stringMatch) Evaluate(value json.RawMessage, _ Request) bool {
	if c.re == nil {
		return false
	}
	v, ok := rawString(value)
	if !ok {
		return false
	}
	return c.re.MatchString(v)
}
