package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultWarnExpression prompts the sender whenever anything was detected,
// including keyword-only messages whose text is left untouched.
const DefaultWarnExpression = "has_violation || size(categories) > 0"

// WarnPolicy decides whether a scan result should be surfaced to the sender
// as a confirmation prompt. The expression is CEL over:
//
//	has_violation  bool
//	categories     list(string)
//	matches        int  (total matches across all rules)
//	redactions     int  (matches that were replaced)
type WarnPolicy struct {
	Expression string
	program    cel.Program
}

// NewWarnPolicy compiles expr, falling back to DefaultWarnExpression when empty
func NewWarnPolicy(expr string) (*WarnPolicy, error) {
	if expr == "" {
		expr = DefaultWarnExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("has_violation", cel.BoolType),
		cel.Variable("categories", cel.ListType(cel.StringType)),
		cel.Variable("matches", cel.IntType),
		cel.Variable("redactions", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling warn expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("warn expression must return bool, got %s", ast.OutputType())
	}

	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating program: %w", err)
	}

	return &WarnPolicy{Expression: expr, program: p}, nil
}

// ShouldWarn evaluates the policy against a scan result
func (w *WarnPolicy) ShouldWarn(result ScanResult) (bool, error) {
	matches, redactions := 0, 0
	for _, f := range result.Findings {
		matches += f.Count
		if f.Redacted {
			redactions += f.Count
		}
	}

	out, _, err := w.program.Eval(map[string]any{
		"has_violation": result.HasViolation,
		"categories":    result.CategoryLabels(),
		"matches":       matches,
		"redactions":    redactions,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating warn expression: %w", err)
	}

	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("warn expression returned %T", out.Value())
	}
	return v, nil
}
