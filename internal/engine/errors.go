package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/meshsync/internal/compose"
	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/permission"
	"github.com/roach88/meshsync/internal/project"
	"github.com/roach88/meshsync/internal/schema"
	"github.com/roach88/meshsync/internal/target"
)

// ErrInstantDisabled is returned by Instant when the configuration does
// not enable instant publish.
var ErrInstantDisabled = errors.New("instant publish is disabled")

// ErrorKind is the failure taxonomy reported per object.
type ErrorKind string

const (
	// KindStructural: the object's type cannot be derived or composed.
	// Fatal for the type; other types continue.
	KindStructural ErrorKind = "structural"

	// KindConflict: a sibling segment collision that could not be resolved
	// within the run. Fatal for the subtree.
	KindConflict ErrorKind = "conflict"

	// KindTransient: network, timeout or 5xx from the target. The queue
	// entry is kept and retried by the next run.
	KindTransient ErrorKind = "transient"

	// KindConfiguration: an invalid version transition or role setup.
	// Nothing is applied.
	KindConfiguration ErrorKind = "configuration"

	// KindInternal: anything else.
	KindInternal ErrorKind = "internal"
)

// PublishError is the error recorded for one object, or for a whole run
// when Object is empty.
type PublishError struct {
	Kind    ErrorKind
	Object  ir.GlobalID
	Message string
	Err     error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Object.IsZero() {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s (object=%s)", e.Kind, msg, e.Object)
}

func (e *PublishError) Unwrap() error { return e.Err }

// newPublishError wraps err for an object, classifying it.
func newPublishError(id ir.GlobalID, err error) *PublishError {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe
	}
	return &PublishError{Kind: Classify(err), Object: id, Err: err}
}

// Classify maps an error onto the taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ce *compose.CompositionError
	_, conflict := target.AsConflict(err)
	switch {
	case schema.IsDerivationError(err), errors.As(err, &ce), errors.Is(err, identity.ErrInvalidID):
		return KindStructural
	case conflict:
		return KindConflict
	case target.IsTransient(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	case project.IsConfigError(err), permission.IsConfigError(err), errors.Is(err, ErrInstantDisabled):
		return KindConfiguration
	}
	return KindInternal
}

// IsTransientError reports whether err is retried by a later run.
func IsTransientError(err error) bool {
	return Classify(err) == KindTransient
}

// IsConflictError reports whether err is an unresolved segment conflict.
func IsConflictError(err error) bool {
	return Classify(err) == KindConflict
}
