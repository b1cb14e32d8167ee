package errors

import (
	stderrors "errors"
)

// Family groups failures by what the user can do about them
type Family int

const (
	// FamilyUnknown is returned for errors that carry no family
	FamilyUnknown Family = iota
	// FamilyTransient means retrying later makes sense
	FamilyTransient
	// FamilyConfiguration means the user has to change something first
	FamilyConfiguration
	// FamilyUnconfirmed means a destructive action needed confirmation it did not get
	FamilyUnconfirmed
)

// String implements fmt.Stringer
func (f Family) String() string {
	switch f {
	case FamilyTransient:
		return "transient"
	case FamilyConfiguration:
		return "configuration"
	case FamilyUnconfirmed:
		return "unconfirmed"
	default:
		return "unknown"
	}
}

// ExitCode maps a family to the process exit code used by the command layer
func (f Family) ExitCode() int {
	switch f {
	case FamilyTransient:
		return 1
	case FamilyConfiguration:
		return 2
	case FamilyUnconfirmed:
		return 3
	default:
		return 1
	}
}

// Hint returns the one-line remediation shown under the error message
func (f Family) Hint() string {
	switch f {
	case FamilyTransient:
		return "This looks temporary; retrying the command may succeed."
	case FamilyConfiguration:
		return "Check your configuration or host settings before retrying."
	case FamilyUnconfirmed:
		return "Nothing was changed because the action was not confirmed."
	default:
		return ""
	}
}

// Classified is implemented by errors that know their family
type Classified interface {
	error
	Family() Family
}

// Classify returns the family of the first classified error in the chain
func Classify(err error) Family {
	if err == nil {
		return FamilyUnknown
	}
	var c Classified
	if stderrors.As(err, &c) {
		return c.Family()
	}
	return FamilyUnknown
}

// Error is a plain error with a fixed family, for sentinels
type Error struct {
	family  Family
	Message string
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Family implements Classified
func (e *Error) Family() Family {
	return e.family
}

// New creates a new error with the given family and message
func New(family Family, message string) *Error {
	return &Error{
		family:  family,
		Message: message,
	}
}
