// Package condition implements the condition library of spec.md §4.1 (C1):
// a tag-keyed registry of boolean predicates a Statement's Conditions map
// evaluates against a request's context. Grounded on the original Rust
// `pim/src/condition/*.rs` and `cim-pim/src/condition/*.rs` modules, which
// define the same evaluate(ctx_value, request) -> bool shape per variant.
package condition

import (
	"encoding/json"
	"fmt"

	"github.com/cim-project/cim/storage"
)

// Request is the subset of a PDE request a condition may need beyond the
// single context value it was bound to (spec.md §4.1: EqualsSubject compares
// against request.subject, ResourceContains against request.resource).
type Request struct {
	Subject  string
	Resource string
}

// Condition evaluates a single context value against its configured
// predicate. Evaluate never errors: an unparseable value or invalid
// configuration simply doesn't match (spec.md §4.1: "Invalid regex ⇒ false
// (not an error)").
type Condition interface {
	Evaluate(value json.RawMessage, req Request) bool
}

type constructor func(options json.RawMessage) (Condition, error)

var registry = map[string]constructor{
	"StringCmp":        newStringCmp,
	"StringMatch":      newStringMatch,
	"NumericCmp":       newNumericCmp,
	"TimeCmp":          newTimeCmp,
	"CIDR":             newCIDR,
	"Boolean":          newBoolean,
	"EqualsSubject":    newEqualsSubject,
	"ResourceContains": newResourceContains,
}

// Build resolves a ConditionDescriptor's Type to its constructor and parses
// Options against it. An unregistered Type fails with a BadRequest
// storage.Error at load time, never silently false (spec.md §4.1).
func Build(d storage.ConditionDescriptor) (Condition, error) {
	ctor, ok := registry[d.Type]
	if !ok {
		return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: fmt.Sprintf("unknown condition type %q", d.Type)}
	}
	cond, err := ctor(d.Options)
	if err != nil {
		return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: fmt.Sprintf("parsing %s condition: %s", d.Type, err)}
	}
	return cond, nil
}

// rawString best-effort-decodes value as a JSON string, matching every Rust
// variant's `serde_json::from_str::<String>(input)` fallback-to-false
// pattern: a value that isn't a JSON string never matches.
func rawString(value json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", false
	}
	return s, true
}
