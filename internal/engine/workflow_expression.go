package engine

import (
	"fmt"

	"fabrica/internal/expression"
)

// ExpressionEvaluator abstracts condition evaluation for workflow steps.
type ExpressionEvaluator interface {
	EvaluateBool(src string, env map[string]any) (bool, error)
}

// ExprEvaluator evaluates workflow conditions with the shared expression
// engine; compiled programs are cached by source string.
type ExprEvaluator struct{}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{}
}

func (e *ExprEvaluator) EvaluateBool(src string, env map[string]any) (bool, error) {
	prog, err := expression.Compile(src)
	if err != nil {
		return false, fmt.Errorf("compile condition: %w", err)
	}
	result, err := expression.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	return expression.Truthy(result), nil
}
