// Package expression evaluates the "=expr" correlation-key and variable
// expressions used by catch events, built on expr-lang/expr.
package expression

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/brokerflow/eventcore/internal/logx"
)

// Variable names one identifier referenced by an expression.
type Variable struct {
	Name string
}

// Engine is the minimal surface the catch-event/boundary-event behavior
// needs from an expression implementation.
type Engine interface {
	// Eval evaluates exp against vars. An empty exp evaluates to (nil, nil).
	Eval(ctx context.Context, exp string, vars map[string]interface{}) (interface{}, error)
	// GetVariables returns every identifier exp references, or (nil, nil)
	// if exp is not a "=..." expression.
	GetVariables(ctx context.Context, exp string) ([]Variable, error)
}

// ExprEngine is the Engine implementation backed by expr-lang/expr.
type ExprEngine struct{}

// NewEngine returns a ready-to-use ExprEngine.
func NewEngine() *ExprEngine {
	return &ExprEngine{}
}

// Eval compiles and runs exp against vars. A leading "=" is stripped before
// compilation, mirroring the "=expr" convention used throughout catch-event
// correlation-key and condition expressions.
func (e *ExprEngine) Eval(ctx context.Context, exp string, vars map[string]interface{}) (interface{}, error) {
	if len(exp) == 0 {
		return nil, nil
	}
	exp = strings.TrimPrefix(exp, "=")

	ex, err := expr.Compile(exp)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", exp, err)
	}

	res, err := expr.Run(ex, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", exp, err)
	}
	return res, nil
}

// GetVariables parses exp and returns every identifier it references. It
// returns (nil, nil) for anything that is not a "=..." expression, since
// plain literals reference no variables.
func (e *ExprEngine) GetVariables(ctx context.Context, exp string) ([]Variable, error) {
	exp = strings.TrimSpace(exp)
	if len(exp) == 0 {
		return nil, nil
	}
	if exp[0] != '=' {
		return nil, nil
	}
	exp = exp[1:]

	tree, err := parser.Parse(exp)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", exp, err)
	}

	w := &variableWalker{}
	ast.Walk(&tree.Node, w)
	return w.found, nil
}

type variableWalker struct {
	found []Variable
}

func (w *variableWalker) Visit(n *ast.Node) {
	if id, ok := (*n).(*ast.IdentifierNode); ok {
		w.found = append(w.found, Variable{Name: id.Value})
	}
}

func (w *variableWalker) Exit(_ *ast.Node) {}

// Eval evaluates exp with eng and type-asserts the result to T, recovering
// from any panic raised by the underlying expression engine and reporting it
// as an error instead.
func Eval[T any](ctx context.Context, eng Engine, exp string, vars map[string]interface{}) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = *new(T)
			err = logx.Err(ctx, "panic evaluating expression", asError(r), "expression", exp)
		}
	}()
	res, evalErr := eng.Eval(ctx, exp, vars)
	if evalErr != nil {
		return *new(T), fmt.Errorf("evaluate expression: %w", evalErr)
	}
	if res == nil {
		return *new(T), nil
	}
	typed, ok := res.(T)
	if !ok {
		return *new(T), fmt.Errorf("evaluate expression %q: result %v is not of the expected type", exp, res)
	}
	return typed, nil
}

// EvalAny evaluates exp with eng and returns the unboxed result, recovering
// from any panic the same way Eval does.
func EvalAny(ctx context.Context, eng Engine, exp string, vars map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = logx.Err(ctx, "panic evaluating expression", asError(r), "expression", exp)
		}
	}()
	res, evalErr := eng.Eval(ctx, exp, vars)
	if evalErr != nil {
		return nil, fmt.Errorf("evaluate expression: %w", evalErr)
	}
	return res, nil
}

func asError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
