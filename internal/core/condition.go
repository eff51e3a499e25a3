package core

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator holds the compiled predicates of condition tasks. A
// predicate is a CEL expression over the map variable "vars".
type ConditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &ConditionEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// ConditionExpression reads the predicate of a condition trigger config.
func ConditionExpression(config map[string]any) (string, error) {
	expr, _ := config["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return "", fmt.Errorf("%w: condition trigger requires expression", ErrConfiguration)
	}
	return expr, nil
}

// Compile checks expr and returns its program.
func (c *ConditionEvaluator) Compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: condition %q: %w", ErrConfiguration, expr, issues.Err())
	}
	switch ast.OutputType().String() {
	case "bool", "dyn":
	default:
		return nil, fmt.Errorf("%w: condition %q must evaluate to bool, got %s", ErrConfiguration, expr, ast.OutputType())
	}
	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: creating program: %w", ErrConfiguration, err)
	}
	return program, nil
}

// Set compiles expr and stores it for taskID.
func (c *ConditionEvaluator) Set(taskID, expr string) error {
	program, err := c.Compile(expr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.programs[taskID] = program
	c.mu.Unlock()
	return nil
}

func (c *ConditionEvaluator) Remove(taskID string) {
	c.mu.Lock()
	delete(c.programs, taskID)
	c.mu.Unlock()
}

// Has reports whether a predicate is stored for taskID.
func (c *ConditionEvaluator) Has(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.programs[taskID]
	return ok
}

// Evaluate runs the task's predicate against vars.
func (c *ConditionEvaluator) Evaluate(taskID string, vars map[string]any) (bool, error) {
	c.mu.RLock()
	program, ok := c.programs[taskID]
	c.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s has no condition", ErrTaskNotFound, taskID)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	result, _, err := program.Eval(map[string]any{"vars": vars})
	if err != nil {
		return false, fmt.Errorf("%w: evaluating condition: %w", ErrExecution, err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition did not return boolean", ErrExecution)
	}
	return matched, nil
}
