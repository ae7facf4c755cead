package service

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// StopRuleEvaluator evaluates a sequence's optional stop-rule expression
// against the subject's attribute map. Programs are compiled once and cached.
type StopRuleEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

func NewStopRuleEvaluator() *StopRuleEvaluator {
	return &StopRuleEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate returns the boolean result of the expression. A non-boolean result
// is an error; callers treat any error as "rule not met" and log it.
func (e *StopRuleEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(env))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("stop rule %q did not evaluate to a boolean, got %T", expression, result)
}
