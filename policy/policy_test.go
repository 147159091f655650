package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/storage"
)

func allowAll(effect storage.Effect, subjects, actions, resources []string) storage.Statement {
	return storage.Statement{
		Effect:    effect,
		Subjects:  subjects,
		Actions:   actions,
		Resources: resources,
	}
}

func TestEvaluateNoMatchingStatementIsNoMatch(t *testing.T) {
	e := New(0)
	statements := []storage.Statement{
		allowAll(storage.Allow, []string{"alice"}, []string{"read"}, []string{"doc-1"}),
	}
	v := e.Evaluate(statements, "<", ">", Request{Subject: "bob", Action: "read", Resource: "doc-1"})
	require.Equal(t, NoMatch, v)
}

func TestEvaluateAllowMatch(t *testing.T) {
	e := New(0)
	statements := []storage.Statement{
		allowAll(storage.Allow, []string{"alice"}, []string{"read"}, []string{"doc-1"}),
	}
	v := e.Evaluate(statements, "<", ">", Request{Subject: "alice", Action: "read", Resource: "doc-1"})
	require.Equal(t, Allowed, v)
}

func TestEvaluateDenyOverridesAllow(t *testing.T) {
	e := New(0)
	statements := []storage.Statement{
		allowAll(storage.Allow, []string{"alice"}, []string{"read"}, []string{"doc-1"}),
		allowAll(storage.Deny, []string{"alice"}, []string{"read"}, []string{"doc-1"}),
	}
	v := e.Evaluate(statements, "<", ">", Request{Subject: "alice", Action: "read", Resource: "doc-1"})
	require.Equal(t, Denied, v)
}

func TestEvaluateOrderDoesNotAffectVerdict(t *testing.T) {
	e := New(0)
	allow := allowAll(storage.Allow, []string{"alice"}, []string{"read"}, []string{"doc-1"})
	deny := allowAll(storage.Deny, []string{"alice"}, []string{"read"}, []string{"doc-1"})

	req := Request{Subject: "alice", Action: "read", Resource: "doc-1"}
	require.Equal(t, Denied, e.Evaluate([]storage.Statement{allow, deny}, "<", ">", req))
	require.Equal(t, Denied, e.Evaluate([]storage.Statement{deny, allow}, "<", ">", req))
}

func TestEvaluatePatternsUseDelimitedRegexSegments(t *testing.T) {
	e := New(0)
	statements := []storage.Statement{
		allowAll(storage.Allow, []string{"<.+>"}, []string{"read"}, []string{"arn:doc:<[a-z0-9-]+>"}),
	}
	req := Request{Subject: "alice", Action: "read", Resource: "arn:doc:my-file"}
	require.Equal(t, Allowed, e.Evaluate(statements, "<", ">", req))
}

func TestEvaluateConditionMustHoldOrStatementIsSkipped(t *testing.T) {
	e := New(0)
	statement := allowAll(storage.Allow, []string{"alice"}, []string{"read"}, []string{"doc-1"})
	statement.Conditions = map[string]storage.ConditionDescriptor{
		"region": {Type: "StringCmp", Options: json.RawMessage(`{"values":[{"equal":true,"value":"us"}]}`)},
	}

	base := Request{Subject: "alice", Action: "read", Resource: "doc-1"}

	missingKey := base
	require.Equal(t, NoMatch, e.Evaluate([]storage.Statement{statement}, "<", ">", missingKey))

	failing := base
	failing.Context = map[string]json.RawMessage{"region": json.RawMessage(`"eu"`)}
	require.Equal(t, NoMatch, e.Evaluate([]storage.Statement{statement}, "<", ">", failing))

	passing := base
	passing.Context = map[string]json.RawMessage{"region": json.RawMessage(`"us"`)}
	require.Equal(t, Allowed, e.Evaluate([]storage.Statement{statement}, "<", ">", passing))
}

func TestEvaluateUnknownConditionTypeSkipsStatement(t *testing.T) {
	e := New(0)
	statement := allowAll(storage.Allow, []string{"alice"}, []string{"read"}, []string{"doc-1"})
	statement.Conditions = map[string]storage.ConditionDescriptor{
		"region": {Type: "NoSuchCondition", Options: json.RawMessage(`{}`)},
	}
	req := Request{
		Subject: "alice", Action: "read", Resource: "doc-1",
		Context: map[string]json.RawMessage{"region": json.RawMessage(`"us"`)},
	}
	require.Equal(t, NoMatch, e.Evaluate([]storage.Statement{statement}, "<", ">", req))
}

func TestEvaluatePoliciesCombinesAcrossPoliciesWithDenyOverrides(t *testing.T) {
	e := New(0)
	allowPolicy := storage.Policy{
		Statements: []storage.Statement{allowAll(storage.Allow, []string{"alice"}, []string{"read"}, []string{"doc-1"})},
	}
	denyPolicy := storage.Policy{
		Statements: []storage.Statement{allowAll(storage.Deny, []string{"alice"}, []string{"read"}, []string{"doc-1"})},
	}
	req := Request{Subject: "alice", Action: "read", Resource: "doc-1"}

	require.Equal(t, Allowed, e.EvaluatePolicies([]storage.Policy{allowPolicy}, req))
	require.Equal(t, Denied, e.EvaluatePolicies([]storage.Policy{allowPolicy, denyPolicy}, req))
}

func TestEvaluatePoliciesRespectsPerPolicyDelimiters(t *testing.T) {
	e := New(0)
	p := storage.Policy{
		DelimiterStart: "{",
		DelimiterEnd:   "}",
		Statements: []storage.Statement{
			allowAll(storage.Allow, []string{"alice"}, []string{"read"}, []string{"arn:doc:{[a-z0-9-]+}"}),
		},
	}
	req := Request{Subject: "alice", Action: "read", Resource: "arn:doc:my-file"}
	require.Equal(t, Allowed, e.EvaluatePolicies([]storage.Policy{p}, req))
}
