package target

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when the addressed entity does not exist.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// ConflictError reports a sibling uniqueness collision: another node under
// the same parent, branch and language already holds Value in Field.
type ConflictError struct {
	UUID            string `json:"uuid"`
	ConflictingUUID string `json:"conflicting_uuid"`
	Field           string `json:"field"`
	Value           string `json:"value"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("node %s: %s %q already used by sibling %s", e.UUID, e.Field, e.Value, e.ConflictingUUID)
}

// TransientError wraps a failure that is expected to heal on retry:
// timeouts, connection errors and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a NotFoundError.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AsConflict extracts a ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
