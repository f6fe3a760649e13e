package activity

import (
	"errors"
	"fmt"
)

// Engine error kinds. Callers distinguish failures with errors.Is; the
// wrapped message carries the violated rule. Domain errors raised by a
// registered handler are propagated unmodified and match none of these.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrMissingDataModel    = errors.New("data model is not defined")
	ErrUnknownDataModel    = errors.New("unknown data model")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrMissingScheduleDate = errors.New("schedule date is neither set on activity nor supplied")
	ErrInvalidDateFormat   = errors.New("invalid date format")
	ErrInvalidUser         = errors.New("invalid user")
	ErrAlreadyAssigned     = errors.New("activity already assigned")
	ErrNoAssignee          = errors.New("activity is not assigned")
	ErrNotOwner            = errors.New("only the activity owner may unassign it")
	ErrNotFound            = errors.New("activity not found")
)

// illegalTransition builds an ErrIllegalTransition naming the current
// state, the attempted action and the activity's data model.
func illegalTransition(model string, state State, action string) error {
	return fmt.Errorf("%w: event %q on activity type %q cannot be executed from state %q",
		ErrIllegalTransition, action, model, state)
}
