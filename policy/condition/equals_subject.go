package condition

import "encoding/json"

// equalsSubject matches iff the context string equals the request's
// subject (spec.md §4.1).
type equalsSubject struct{}

func newEqualsSubject(json.RawMessage) (Condition, error) {
	return equalsSubject{}, nil
}

func (equalsSubject) Evaluate(value json.RawMessage, req Request) bool {
	v, ok := rawString(value)
	if !ok {
		return false
	}
	return v == req.Subject
}
