package filter

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownType    = errors.New("unknown rule type")
	ErrUnknownAction  = errors.New("unknown rule action")
	ErrPatternTooLong = errors.New("pattern too long")
	ErrEmptyCondition = errors.New("empty condition")
)

// EvaluationError reports a rule that could not be evaluated. The rule is
// treated as non-matching; evaluation continues with the remaining rules.
type EvaluationError struct {
	Rule string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("filter rule %q: %v", e.Rule, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
