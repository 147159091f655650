package condition

import "encoding/json"

// boolean matches on exact boolean equality (spec.md §4.1).
type boolean struct {
	Value bool `json:"value"`
}

func newBoolean(options json.RawMessage) (Condition, error) {
	var c boolean
	if err := json.Unmarshal(options, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *boolean) Evaluate(value json.RawMessage, _ Request) bool {
	var v bool
	if err := json.Unmarshal(value, &v); err != nil {
		return false
	}
	return c.Value == v
}
