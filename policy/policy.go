// Package policy implements the Policy Decision Engine (C3): a
// deny-overrides evaluator over a Policy's Statements, per spec.md §4.3.
// Grounded on the original Rust `pim::statement::Statement`/`Effect` shape
// (`pim/src/statement/mod.rs`) for the data it consumes, with the
// evaluation algorithm itself built from spec.md §4.3's step list — no
// direct Rust evaluator file exists in the retrieval pack, only the
// statement/condition data types it operates on.
package policy

import (
	"encoding/json"

	"github.com/cim-project/cim/policy/condition"
	"github.com/cim-project/cim/policy/matcher"
	"github.com/cim-project/cim/storage"
)

// Verdict is the outcome of evaluating a Request against a set of
// Statements (spec.md §4.3 step 3).
type Verdict int

const (
	// NoMatch means no Allow statement matched and no Deny statement fired.
	NoMatch Verdict = iota
	Allowed
	Denied
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "Allowed"
	case Denied:
		return "Denied"
	default:
		return "NoMatch"
	}
}

// Request is a single access check (spec.md §4.3).
type Request struct {
	Resource string
	Action   string
	Subject  string
	Context  map[string]json.RawMessage
}

func (r Request) asConditionRequest() condition.Request {
	return condition.Request{Subject: r.Subject, Resource: r.Resource}
}

// Engine evaluates Requests against Statements, using a shared Matcher so
// compiled patterns are cached across every policy it evaluates.
type Engine struct {
	matcher *matcher.Matcher
}

// New returns an Engine backed by an LRU of the given pattern-cache
// capacity (0 selects matcher.DefaultCacheSize).
func New(patternCacheSize int) *Engine {
	return &Engine{matcher: matcher.New(patternCacheSize)}
}

// Evaluate runs the deny-overrides algorithm of spec.md §4.3 over
// statements, using delimiterStart/delimiterEnd for pattern matching (a
// Policy's own Delimiters(), defaulting to "<"/">").
//
// Statement iteration order does not affect the verdict: deny always wins
// and allow composes monotonically, so the loop can return as soon as a
// Deny statement matches.
func (e *Engine) Evaluate(statements []storage.Statement, delimiterStart, delimiterEnd string, req Request) Verdict {
	allow := false
	for _, s := range statements {
		if !e.matcher.Matches(delimiterStart, delimiterEnd, s.Subjects, req.Subject) {
			continue
		}
		if !e.matcher.Matches(delimiterStart, delimiterEnd, s.Actions, req.Action) {
			continue
		}
		if !e.matcher.Matches(delimiterStart, delimiterEnd, s.Resources, req.Resource) {
			continue
		}
		if !e.conditionsHold(s, req) {
			continue
		}

		if s.Effect == storage.Deny {
			return Denied
		}
		if s.Effect == storage.Allow {
			allow = true
		}
	}
	if allow {
		return Allowed
	}
	return NoMatch
}

// conditionsHold implements spec.md §4.3 step 2a: every condition must
// have a present context key and evaluate true, else the statement is
// skipped entirely (not merely failed against this one check).
func (e *Engine) conditionsHold(s storage.Statement, req Request) bool {
	for key, descriptor := range s.Conditions {
		value, ok := req.Context[key]
		if !ok {
			return false
		}
		cond, err := condition.Build(descriptor)
		if err != nil {
			return false
		}
		if !cond.Evaluate(value, req.asConditionRequest()) {
			return false
		}
	}
	return true
}

// EvaluatePolicies evaluates a Request against every Statement across all
// of the given Policies, each with its own delimiter pair, applying the
// same deny-overrides semantics across the combined statement set — a
// Deny in any policy denies the whole request.
func (e *Engine) EvaluatePolicies(policies []storage.Policy, req Request) Verdict {
	allow := false
	for _, p := range policies {
		start, end := p.Delimiters()
		switch e.Evaluate(p.Statements, start, end, req) {
		case Denied:
			return Denied
		case Allowed:
			allow = true
		}
	}
	if allow {
		return Allowed
	}
	return NoMatch
}
