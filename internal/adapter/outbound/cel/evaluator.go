// Package cel evaluates permission condition expressions written in CEL.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// defaultEvalTimeout bounds a single evaluation.
const defaultEvalTimeout = 100 * time.Millisecond

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates condition expressions. Compiled programs
// are cached by expression text.
type Evaluator struct {
	env      *cel.Env
	timeout  time.Duration
	programs sync.Map // string -> cel.Program
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvalTimeout overrides the per-evaluation timeout.
func WithEvalTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEvaluator creates a new evaluator with the condition environment.
func NewEvaluator(opts ...EvaluatorOption) (*Evaluator, error) {
	env, err := NewConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	e := &Evaluator{env: env, timeout: defaultEvalTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Compile parses and type-checks an expression, returning a program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if prg, ok := e.programs.Load(expression); ok {
		return prg.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	e.programs.Store(expression, prg)
	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Validate checks that an expression is within the safety limits and compiles.
func (e *Evaluator) Validate(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("expression is empty")
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// Evaluate compiles (or reuses) expr and runs it against in.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, in authz.ExpressionInput) (bool, error) {
	if err := e.Validate(expr); err != nil {
		return false, err
	}
	prg, err := e.Compile(expr)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation(in))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}
