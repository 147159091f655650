package condition

import (
	"encoding/json"
	"strings"
)

// resourceContains matches iff delimiter+request.resource+delimiter
// contains delimiter+Value+delimiter (spec.md §4.1). It reads Value and
// Delimiter from the evaluated context value itself rather than from the
// condition's own options, mirroring the Rust implementation's
// HashMap<String,String> input shape.
type resourceContains struct{}

func newResourceContains(json.RawMessage) (Condition, error) {
	return resourceContains{}, nil
}

func (resourceContains) Evaluate(value json.RawMessage, req Request) bool {
	var input struct {
		Value     string `json:"value"`
		Delimiter string `json:"delimiter"`
	}
	if err := json.Unmarshal(value, &input); err != nil {
		return false
	}
	if input.Value == "" {
		return false
	}
	needle := input.Delimiter + input.Value + input.Delimiter
	haystack := input.Delimiter + req.Resource + input.Delimiter
	return strings.Contains(haystack, needle)
}
