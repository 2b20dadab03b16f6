package publish

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed result.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindValidation ErrorKind = "validation"
	KindError      ErrorKind = "error"
)

// ValidationError signals a publish-blocking data problem. Nodes lists the
// offending scene node identifiers when known.
type ValidationError struct {
	Message string
	Nodes   []string
}

func (e *ValidationError) Error() string {
	if len(e.Nodes) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(e.Nodes, ", "))
}

// Invalid builds a ValidationError for the given nodes.
func Invalid(nodes []string, format string, args ...any) error {
	return &ValidationError{
		Message: fmt.Sprintf(format, args...),
		Nodes:   append([]string(nil), nodes...),
	}
}

// Assertf returns a ValidationError when cond is false.
func Assertf(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// PanicError wraps a value recovered from a panicking plugin.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panicked: %v", e.Value)
}

// ClassifyError maps an error to its kind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation
	}
	return KindError
}

// InvalidNodes returns the node identifiers carried by a ValidationError.
func InvalidNodes(err error) []string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return append([]string(nil), verr.Nodes...)
	}
	return nil
}
