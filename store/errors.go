package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an item doesn't exist.
	ErrNotFound = errors.New("denorm: item not found")

	// ErrConflict is returned when a conditional write's precondition failed.
	// Domain packages wrap it with a more specific meaning.
	ErrConflict = errors.New("denorm: condition check failed")
)

// ConditionError reports which item of a transaction failed its condition.
// errors.Is(err, ErrConflict) holds for every ConditionError.
type ConditionError struct {
	// Index is the position of the failed item in the transaction.
	Index int
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("denorm: transaction item %d failed its condition", e.Index)
}

// Is reports whether target is ErrConflict.
func (e *ConditionError) Is(target error) bool {
	return target == ErrConflict
}
