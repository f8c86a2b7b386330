package oracle

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is returned once a step used up its oracle calls.
var ErrBudgetExceeded = errors.New("oracle call budget exceeded")

// Budget counts the oracle calls of one step. A zero Limit is unlimited.
// It belongs to a single step and is not safe for concurrent use.
type Budget struct {
	Limit int
	used  int
}

// Spend consumes one call. Once Limit calls were spent it fails with
// ErrBudgetExceeded and consumes nothing.
func (b *Budget) Spend() error {
	if b.Limit > 0 && b.used >= b.Limit {
		return fmt.Errorf("%w: %d calls per step", ErrBudgetExceeded, b.Limit)
	}
	b.used++
	return nil
}

// Used returns the calls spent so far.
func (b Budget) Used() int { return b.used }

// Remaining returns the calls still available, or -1 when unlimited.
func (b Budget) Remaining() int {
	if b.Limit <= 0 {
		return -1
	}
	return b.Limit - b.used
}
