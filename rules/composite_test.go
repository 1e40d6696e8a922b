package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txguard/txguard/core"
)

func mustTree(t *testing.T, body string) *Node {
	t.Helper()
	root, err := ParseTree([]byte(body))
	require.NoError(t, err)
	return root
}

func TestCompositeAnd(t *testing.T) {
	rec := &core.Record{Amount: 5000, TransactionType: "transfer"}
	root := mustTree(t, `{"logic":"AND","conditions":[
		{"column":"amount","operator":">","value":1000},
		{"column":"transaction_type","operator":"==","value":"transfer"}]}`)

	triggered, reason := Composite(rec, root)
	assert.True(t, triggered)
	assert.True(t, strings.HasPrefix(reason, "AND("))
}

func TestCompositeOrShortOnReasons(t *testing.T) {
	rec := &core.Record{Amount: 10}
	root := mustTree(t, `{"logic":"OR","conditions":[
		{"column":"amount","operator":">","value":1000},
		{"column":"amount","operator":"<","value":100}]}`)

	triggered, reason := Composite(rec, root)
	assert.True(t, triggered)
	assert.Contains(t, reason, "; ")
	assert.True(t, strings.HasSuffix(reason, "True"))
}

func TestCompositeDoubleNegation(t *testing.T) {
	rec := &core.Record{Amount: 5000}
	root := mustTree(t, `{"logic":"NOT","conditions":[
		{"logic":"NOT","conditions":[
			{"column":"amount","operator":">","value":1000}]}]}`)

	triggered, _ := Composite(rec, root)
	assert.True(t, triggered)
}

func TestCompositeSingleConditionAnd(t *testing.T) {
	rec := &core.Record{Amount: 5000}
	root := mustTree(t, `{"logic":"AND","conditions":[
		{"column":"amount","operator":">","value":1000}]}`)
	triggered, _ := Composite(rec, root)
	assert.True(t, triggered)
}

func TestCompositeEmptyConditionsDiagnostic(t *testing.T) {
	root := mustTree(t, `{"logic":"AND","conditions":[]}`)
	triggered, reason := Composite(&core.Record{}, root)
	assert.False(t, triggered)
	assert.Contains(t, reason, "Нет подусловий")
}

func TestCompositeMissingFieldIsFalse(t *testing.T) {
	root := mustTree(t, `{"column":"location","operator":"==","value":"Moscow"}`)
	triggered, reason := Composite(&core.Record{}, root)
	assert.False(t, triggered)
	assert.Contains(t, reason, "пропуск")
}

func TestCompositeStringComparison(t *testing.T) {
	rec := &core.Record{Location: "Moscow"}
	root := mustTree(t, `{"column":"location","operator":"==","value":"Moscow"}`)
	triggered, _ := Composite(rec, root)
	assert.True(t, triggered)
}

func TestCompositeNilRoot(t *testing.T) {
	triggered, reason := Composite(&core.Record{}, nil)
	assert.False(t, triggered)
	assert.NotEmpty(t, reason)
}

func TestValidateTree(t *testing.T) {
	good := mustTree(t, `{"logic":"OR","conditions":[
		{"column":"amount","operator":">","value":1},
		{"logic":"NOT","conditions":[{"column":"amount","operator":"<","value":0}]}]}`)
	assert.NoError(t, ValidateTree(good))

	cases := []string{
		`{"logic":"XOR","conditions":[{"column":"amount","operator":">","value":1}]}`,
		`{"logic":"AND","conditions":[]}`,
		`{"logic":"NOT","conditions":[
			{"column":"amount","operator":">","value":1},
			{"column":"amount","operator":"<","value":9}]}`,
		`{"column":"amount","operator":"~","value":1}`,
		`{"column":"amount","operator":">"}`,
		`{"column":"","operator":">","value":1}`,
	}
	for _, body := range cases {
		assert.Error(t, ValidateTree(mustTree(t, body)), body)
	}
	assert.Error(t, ValidateTree(nil))
}
