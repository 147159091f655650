package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/storage"
)

func build(t *testing.T, typ, options string) Condition {
	t.Helper()
	c, err := Build(storage.ConditionDescriptor{Type: typ, Options: json.RawMessage(options)})
	require.NoError(t, err)
	return c
}

func TestBuildRejectsUnknownType(t *testing.T) {
	_, err := Build(storage.ConditionDescriptor{Type: "NoSuchCondition", Options: json.RawMessage(`{}`)})
	require.Error(t, err)
	require.True(t, storage.IsErrorCode(err, storage.ErrCodeBadRequest))
}

func TestStringCmp(t *testing.T) {
	c := build(t, "StringCmp", `{"values":[{"equal":true,"ignore_case":true,"value":"Admin"}]}`)
	require.True(t, c.Evaluate(json.RawMessage(`"admin"`), Request{}))
	require.False(t, c.Evaluate(json.RawMessage(`"user"`), Request{}))

	empty := build(t, "StringCmp", `{"values":[]}`)
	require.False(t, empty.Evaluate(json.RawMessage(`"anything"`), Request{}))
}

func TestStringMatch(t *testing.T) {
	c := build(t, "StringMatch", `{"matches":"^foo.*bar$"}`)
	require.True(t, c.Evaluate(json.RawMessage(`"foobazbar"`), Request{}))
	require.False(t, c.Evaluate(json.RawMessage(`"nope"`), Request{}))

	invalid := build(t, "StringMatch", `{"matches":"("}`)
	require.False(t, invalid.Evaluate(json.RawMessage(`"anything"`), Request{}))
}

func TestNumericCmp(t *testing.T) {
	c := build(t, "NumericCmp", `{"symbol":">=","value":10}`)
	require.True(t, c.Evaluate(json.RawMessage(`10`), Request{}))
	require.True(t, c.Evaluate(json.RawMessage(`15`), Request{}))
	require.False(t, c.Evaluate(json.RawMessage(`5`), Request{}))
}

func TestNumericCmpMixedKindsNotCoerced(t *testing.T) {
	// Context is an integer, configured value is a float: kinds disagree
	// and must not be coerced into a float comparison, even though 10 == 10.0.
	intCtxFloatValue := build(t, "NumericCmp", `{"symbol":"==","value":10.0}`)
	require.False(t, intCtxFloatValue.Evaluate(json.RawMessage(`10`), Request{}))

	// Context is a float, configured value is an integer: same mismatch,
	// other direction.
	floatCtxIntValue := build(t, "NumericCmp", `{"symbol":"==","value":10}`)
	require.False(t, floatCtxIntValue.Evaluate(json.RawMessage(`10.0`), Request{}))

	// Matching kinds on both sides still compare normally.
	bothFloat := build(t, "NumericCmp", `{"symbol":"==","value":10.5}`)
	require.True(t, bothFloat.Evaluate(json.RawMessage(`10.5`), Request{}))
}

func TestBoolean(t *testing.T) {
	c := build(t, "Boolean", `{"value":true}`)
	require.True(t, c.Evaluate(json.RawMessage(`true`), Request{}))
	require.False(t, c.Evaluate(json.RawMessage(`false`), Request{}))
}

func TestCIDR(t *testing.T) {
	c := build(t, "CIDR", `{"cidr":["10.0.0.0/8"]}`)
	require.True(t, c.Evaluate(json.RawMessage(`"10.1.2.3"`), Request{}))
	require.False(t, c.Evaluate(json.RawMessage(`"192.168.1.1"`), Request{}))

	empty := build(t, "CIDR", `{"cidr":[]}`)
	require.False(t, empty.Evaluate(json.RawMessage(`"10.1.2.3"`), Request{}))
}

func TestEqualsSubject(t *testing.T) {
	c := build(t, "EqualsSubject", `{}`)
	require.True(t, c.Evaluate(json.RawMessage(`"alice"`), Request{Subject: "alice"}))
	require.False(t, c.Evaluate(json.RawMessage(`"bob"`), Request{Subject: "alice"}))
}

func TestResourceContains(t *testing.T) {
	c := build(t, "ResourceContains", `{}`)
	input := json.RawMessage(`{"value":"orders","delimiter":"/"}`)
	require.True(t, c.Evaluate(input, Request{Resource: "/acme/orders/123"}))
	require.False(t, c.Evaluate(input, Request{Resource: "/acme/invoices/123"}))

	emptyValue := json.RawMessage(`{"value":"","delimiter":"/"}`)
	require.False(t, c.Evaluate(emptyValue, Request{Resource: "/acme/orders/123"}))
}

func TestTimeCmpUnix(t *testing.T) {
	c := build(t, "TimeCmp", `{"values":[{"symbol":">","value":"1000","format":"unix"}]}`)
	require.True(t, c.Evaluate(json.RawMessage(`"2000"`), Request{}))
	require.False(t, c.Evaluate(json.RawMessage(`"500"`), Request{}))
}
