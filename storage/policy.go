package storage

import (
	"bytes"
	"encoding/json"
	"time"
)

// DefaultDelimiters is the statement placeholder delimiter pair used when a
// Policy doesn't specify one (spec.md §3 "Policy": `default <…>`).
const (
	DefaultDelimiterStart = "<"
	DefaultDelimiterEnd   = ">"
)

// Effect is the outcome a matching Statement contributes to a PDE verdict
// (spec.md §3 "Statement").
type Effect string

const (
	Allow Effect = "Allow"
	Deny  Effect = "Deny"
)

// ConditionDescriptor is a tagged, unparsed condition clause. The condition
// library (C1) resolves Type to a constructor that parses Options
// (spec.md §4.1).
type ConditionDescriptor struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options"`
}

// Statement is a single policy clause: an effect plus subject/action/
// resource patterns and optional conditions (spec.md §3 "Statement").
type Statement struct {
	ID string `json:"id,omitempty"`

	Effect Effect `json:"effect"`

	Subjects  []string `json:"subjects"`
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`

	// Conditions maps a request context key to the condition that must hold
	// for that key. A statement with conditions is skipped (not merely
	// failed) when any condition fails or its key is absent from the
	// request context (spec.md §4.3 step 2a).
	Conditions map[string]ConditionDescriptor `json:"conditions,omitempty"`

	// Meta is opaque, comparison is by raw bytes (spec.md §3: "Equality
	// ignores meta ordering but compares its raw bytes").
	Meta json.RawMessage `json:"meta,omitempty"`
}

// Equal reports whether two statements are identical, comparing Meta by its
// raw bytes rather than deep JSON equality.
func (s Statement) Equal(other Statement) bool {
	if s.Effect != other.Effect {
		return false
	}
	if !equalStrings(s.Subjects, other.Subjects) ||
		!equalStrings(s.Actions, other.Actions) ||
		!equalStrings(s.Resources, other.Resources) {
		return false
	}
	if len(s.Conditions) != len(other.Conditions) {
		return false
	}
	for k, c := range s.Conditions {
		oc, ok := other.Conditions[k]
		if !ok || c.Type != oc.Type || !bytes.Equal(c.Options, oc.Options) {
			return false
		}
	}
	return bytes.Equal(s.Meta, other.Meta)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Policy is a versioned container of statements scoped to an account
// (spec.md §3 "Policy"). Invariant: at least one statement; every statement
// shares the policy's delimiter pair.
type Policy struct {
	ID        string `json:"id"`
	AccountID string `json:"accountID"`
	Version   int    `json:"version"`

	DelimiterStart string `json:"delimiterStart,omitempty"`
	DelimiterEnd   string `json:"delimiterEnd,omitempty"`

	Statements []Statement `json:"statements"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deletedAt,omitempty"`
}

// Delimiters returns the policy's placeholder delimiter pair, defaulting to
// "<" and ">" when unset.
func (p Policy) Delimiters() (string, string) {
	start, end := p.DelimiterStart, p.DelimiterEnd
	if start == "" {
		start = DefaultDelimiterStart
	}
	if end == "" {
		end = DefaultDelimiterEnd
	}
	return start, end
}

// Validate enforces the Policy invariant that it carries at least one
// statement.
func (p Policy) Validate() error {
	if len(p.Statements) == 0 {
		return Error{Code: ErrCodeValidates, Details: "policy must contain at least one statement"}
	}
	return nil
}
