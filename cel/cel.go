// Package cel evaluates placement predicates, written in the Common Expression Language,
// against a location's attributes.
package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// AttrsVariable is the name the attribute map is bound to inside expressions.
const AttrsVariable = "attrs"

// Evaluator struct contains the CEL expression & the cel program used to evaluate expression vs. input variables.
type Evaluator struct {
	Expression string
	program    cel.Program
}

// NewEvaluator compiles a boolean expression over the string map "attrs",
// e.g. `"site" in attrs && attrs["site"] == "east"`.
func NewEvaluator(expression string) (*Evaluator, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		cel.Variable(AttrsVariable, cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q must evaluate to bool, got %v", expression, ast.OutputType())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Evaluator{
		Expression: expression,
		program:    p,
	}, nil
}

// Evaluate runs the expression against a location's attributes.
func (e *Evaluator) Evaluate(attrs map[string]string) (bool, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	out, _, err := e.program.Eval(map[string]any{
		AttrsVariable: attrs,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}

	if v, ok := nv.(bool); !ok {
		return false, fmt.Errorf("error converting to bool, nv: %v", nv)
	} else {
		return v, nil
	}
}
