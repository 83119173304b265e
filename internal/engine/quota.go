package engine

import (
	"errors"
	"fmt"
)

// PassLimit bounds the passes over a work list of n items. A pass that
// makes progress writes or settles at least one item, and a pass that
// does not parks at least one item on a temporary segment value, which
// happens at most once per item. So 2n+1 passes always suffice for a work
// list that converges, whatever order a rename chain arrives in.
func PassLimit(n int) int {
	return 2*n + 1
}

// QuotaEnforcer counts work-list passes and stops a run that keeps
// deferring without converging.
//
// Cycle analysis catches swaps that can never converge; the quota
// guarantees the work list terminates.
type QuotaEnforcer struct {
	maxPasses int
	current   int
}

// NewQuotaEnforcer creates an enforcer allowing maxPasses passes.
func NewQuotaEnforcer(maxPasses int) *QuotaEnforcer {
	return &QuotaEnforcer{maxPasses: maxPasses}
}

// Check counts one pass and fails once the limit is exceeded.
func (q *QuotaEnforcer) Check(runID string) error {
	q.current++
	if q.current > q.maxPasses {
		return &PassesExceededError{RunID: runID, Passes: q.current, Limit: q.maxPasses}
	}
	return nil
}

// Current returns the passes counted so far.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// PassesExceededError is returned when the work list did not converge.
type PassesExceededError struct {
	RunID  string
	Passes int
	Limit  int
}

func (e *PassesExceededError) Error() string {
	return fmt.Sprintf("run %s did not converge: %d passes > %d limit", e.RunID, e.Passes, e.Limit)
}

// IsPassesExceededError reports whether err is a PassesExceededError.
func IsPassesExceededError(err error) bool {
	var pe *PassesExceededError
	return errors.As(err, &pe)
}
