package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Derivation error codes (E200-E299)
const (
	ErrDuplicateField     = "E201" // two rules map to the same field
	ErrMissingDisplay     = "E202" // type requires a display field, none marked
	ErrMissingSegment     = "E203" // type requires a segment field, none marked
	ErrMultipleDisplay    = "E204" // more than one display field
	ErrMultipleSegment    = "E205" // more than one segment field
	ErrInvalidNesting     = "E206" // list of list, binary list, micronode in a construct
	ErrFilterNotMicronode = "E207" // name filter on a non-micronode field
	ErrFilterEmpty        = "E208" // name filter excludes every construct
	ErrDisplayNotString   = "E209" // display field must be a single text value
	ErrSegmentType        = "E210" // segment field must be a single text or binary value
	ErrURLFieldNotString  = "E211" // additional URL field must be text
	ErrUnknownDeclaration = "E212" // unknown type, value type, or empty name
	ErrExternalNotRef     = "E213" // external flag on a non-reference field
)

// ValidationError locates one problem in the mapping rules. Rule is the
// "type.field" locator of the offending rule.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Rule, e.Message)
}

// DerivationError reports every validation failure of one type. No schema
// is produced for a type that fails derivation.
type DerivationError struct {
	Type   string            `json:"type"`
	Errors []ValidationError `json:"errors"`
}

func (e *DerivationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Error())
	}
	return fmt.Sprintf("derive %s: %s", e.Type, strings.Join(msgs, "; "))
}

// HasCode reports whether any validation error carries code.
func (e *DerivationError) HasCode(code string) bool {
	for _, ve := range e.Errors {
		if ve.Code == code {
			return true
		}
	}
	return false
}

// IsDerivationError reports whether err is a DerivationError.
func IsDerivationError(err error) bool {
	var de *DerivationError
	return errors.As(err, &de)
}
