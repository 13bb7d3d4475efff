// Package segerr defines the error taxonomy shared by the pipeline drivers.
// Every error in this package is unrecoverable for the current run: drivers
// abort with a non-zero exit rather than retry, since each one indicates a
// structural or configuration problem, not a transient fault.
package segerr

import "fmt"

// InputError reports a malformed or inconsistent dataset input, such as an
// empty volume list or mismatched image/label counts.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input error: %s", e.Reason)
}

// Inputf constructs an InputError from a format string.
func Inputf(format string, args ...interface{}) *InputError {
	return &InputError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an expected file or directory that is absent, for
// example a missing imagesTr directory after archive extraction.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// ConfigMismatchError reports a checkpoint whose recorded architecture is
// incompatible with the instantiated model.
type ConfigMismatchError struct {
	Field    string
	Expected string
	Got      string
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("config mismatch on %s: checkpoint has %s, model has %s", e.Field, e.Expected, e.Got)
}

// NumericInstabilityError reports a non-finite training loss. The training
// loop aborts on the first occurrence; skipping the batch would silently
// change the effective dataset between runs.
type NumericInstabilityError struct {
	Epoch int
	Batch int
	Loss  float64
}

func (e *NumericInstabilityError) Error() string {
	return fmt.Sprintf("non-finite loss %v at epoch %d, batch %d", e.Loss, e.Epoch, e.Batch)
}
