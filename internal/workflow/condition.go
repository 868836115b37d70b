package workflow

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// ConditionInput is the data a step condition is evaluated against.
type ConditionInput struct {
	Env    map[string]string
	Step   string
	Engine string
}

// Condition is a compiled step condition.
type Condition struct {
	expression string
	program    cel.Program
}

// CompileCondition parses and type-checks a step's if expression. The
// expression can reference env (map of string to string), step and engine.
func CompileCondition(expression string) (*Condition, error) {
	env, err := cel.NewEnv(
		cel.Variable("env", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("step", cel.StringType),
		cel.Variable("engine", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", expression, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition %q must evaluate to a boolean, got %s", expression, out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program for %q: %w", expression, err)
	}
	return &Condition{expression: expression, program: program}, nil
}

func (c *Condition) Evaluate(in ConditionInput) (bool, error) {
	envVars := in.Env
	if envVars == nil {
		envVars = map[string]string{}
	}
	result, _, err := c.program.Eval(map[string]interface{}{
		"env":    envVars,
		"step":   in.Step,
		"engine": in.Engine,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", c.expression, err)
	}
	value, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return a boolean", c.expression)
	}
	return value, nil
}

func (c *Condition) String() string {
	return c.expression
}
