package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/expr-lang/expr"
)

// Evaluator defines the interface for evaluating rule expressions.
// Rules decide things like which submitted fields count as signatures,
// evaluated against a per-field context map.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a derived context value computed from the raw
// context on every evaluation, available to expressions under name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Precompile compiles and caches expressions ahead of use so invalid
// rules surface at configuration time rather than mid-submission.
func (e *ExprEvaluator) Precompile(expressions ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, expression := range expressions {
		if _, ok := e.cache[expression]; ok {
			continue
		}
		program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return fmt.Errorf("compile rule %q: %w", expression, err)
		}
		e.cache[expression] = program
	}
	return nil
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// Returns false and an error if compilation, execution, or type assertion fails.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	for k, v := range e.optionsFunc {
		context[k] = v(context)
	}

	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		// Compile with write lock
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(context))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, context)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
