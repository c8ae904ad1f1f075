package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval_EmptyExpressionReturnsNil(t *testing.T) {
	e := NewEngine()
	res, err := e.Eval(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestEval_StripsLeadingEquals(t *testing.T) {
	e := NewEngine()
	res, err := e.Eval(context.Background(), "=1 + 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res)
}

func TestEval_ResolvesVariablesFromMap(t *testing.T) {
	e := NewEngine()
	res, err := e.Eval(context.Background(), "=orderID", map[string]interface{}{"orderID": "ord-42"})
	require.NoError(t, err)
	assert.Equal(t, "ord-42", res)
}

func TestEval_CompileErrorIsWrapped(t *testing.T) {
	e := NewEngine()
	_, err := e.Eval(context.Background(), "=(((", nil)
	assert.Error(t, err)
}

func TestGetVariables_NonExpressionReturnsNilNil(t *testing.T) {
	e := NewEngine()
	vars, err := e.GetVariables(context.Background(), "plain-literal")
	require.NoError(t, err)
	assert.Nil(t, vars)
}

func TestGetVariables_CollectsIdentifiers(t *testing.T) {
	e := NewEngine()
	vars, err := e.GetVariables(context.Background(), "=customerID + orderTotal")
	require.NoError(t, err)
	names := make([]string, 0, len(vars))
	for _, v := range vars {
		names = append(names, v.Name)
	}
	assert.ElementsMatch(t, []string{"customerID", "orderTotal"}, names)
}

func TestGenericEval_TypeAssertsResult(t *testing.T) {
	res, err := Eval[string](context.Background(), NewEngine(), "=name", map[string]interface{}{"name": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", res)
}

func TestGenericEval_WrongTypeIsError(t *testing.T) {
	_, err := Eval[string](context.Background(), NewEngine(), "=1+1", nil)
	assert.Error(t, err)
}

func TestEvalAny_ReturnsUnboxedResult(t *testing.T) {
	res, err := EvalAny(context.Background(), NewEngine(), "=1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res)
}
