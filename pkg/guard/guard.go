// Package guard evaluates optional CEL precondition expressions declared
// on tools. Expressions see the call input as `input` and must yield a
// bool; false blocks dispatch with precondition_failed.
package guard

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("guard: build CEL environment: %v", err))
	}
}

// Program is a compiled guard expression.
type Program struct {
	expr string
	prg  cel.Program
}

// Compile parses and type-checks a guard expression. Registry load fails
// on compile errors, matching load-time strictness.
func Compile(expr string) (*Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile guard %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("guard %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("plan guard %q: %w", expr, err)
	}
	return &Program{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (p *Program) Expr() string { return p.expr }

// Eval runs the guard against a call input.
func (p *Program) Eval(input map[string]any) (bool, error) {
	if input == nil {
		input = map[string]any{}
	}
	out, _, err := p.prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("eval guard %q: %w", p.expr, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("guard %q yielded non-bool %T", p.expr, out.Value())
	}
	return ok, nil
}
