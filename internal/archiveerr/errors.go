// Package archiveerr holds the error taxonomy shared by the mutation engine,
// the ingestion pipeline and the deletion utilities.
package archiveerr

import (
	"errors"
	"fmt"
)

// ValidationError is returned for malformed input, before any mutation begins.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Validation creates a ValidationError
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CharacterSetError is returned when an edited value cannot be represented in
// the file's character set, even after the unicode fallback.
type CharacterSetError struct {
	Tag          string
	Value        string
	CharacterSet string
}

func (e *CharacterSetError) Error() string {
	cs := e.CharacterSet
	if cs == "" {
		cs = "default repertoire"
	}
	return fmt.Sprintf("value %q for %s is not representable in %s", e.Value, e.Tag, cs)
}

// LockConflictError is returned when a study cannot be locked.
type LockConflictError struct {
	StudyInstanceUID string
	HeldState        string
}

func (e *LockConflictError) Error() string {
	if e.HeldState == "" {
		return fmt.Sprintf("study %s is locked", e.StudyInstanceUID)
	}
	return fmt.Sprintf("study %s is locked (%s)", e.StudyInstanceUID, e.HeldState)
}

// CommandFailure wraps the error of the command that aborted a processor run.
type CommandFailure struct {
	Processor string
	Command   string
	Err       error
}

func (e *CommandFailure) Error() string {
	return fmt.Sprintf("%s: command %q failed: %v", e.Processor, e.Command, e.Err)
}

func (e *CommandFailure) Unwrap() error {
	return e.Err
}

// ResourceExhaustedError is returned when the destination filesystem is too full to accept data.
type ResourceExhaustedError struct {
	Path      string
	Available string
	Required  string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("insufficient disk space on %s: %s available, %s required", e.Path, e.Available, e.Required)
}

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic-concurrency update lost the race.
var ErrConflict = errors.New("concurrent modification")

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsCharacterSet reports whether err is a CharacterSetError
func IsCharacterSet(err error) bool {
	var v *CharacterSetError
	return errors.As(err, &v)
}

// IsLockConflict reports whether err is a LockConflictError
func IsLockConflict(err error) bool {
	var v *LockConflictError
	return errors.As(err, &v)
}

// IsResourceExhausted reports whether err is a ResourceExhaustedError
func IsResourceExhausted(err error) bool {
	var v *ResourceExhaustedError
	return errors.As(err, &v)
}
