package lifecycle

import (
	"fmt"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
)

// Kind identifies a lifecycle failure
type Kind int

const (
	// InvalidTransition means the container is in a state the operation cannot start from
	InvalidTransition Kind = iota + 1
	// MountValidation means a bind mount source is missing or not a directory
	MountValidation
	// PortConflict means the host port is taken
	PortConflict
	// PortPolicy means a binding would expose the service on all interfaces
	PortPolicy
	// CapabilityDenied means a capability outside the allowlist was requested
	CapabilityDenied
	// InvalidSpec means the container spec is malformed
	InvalidSpec
)

func (k Kind) String() string {
	switch k {
	case InvalidTransition:
		return "invalid state transition"
	case MountValidation:
		return "mount validation failed"
	case PortConflict:
		return "port conflict"
	case PortPolicy:
		return "port binding not allowed"
	case CapabilityDenied:
		return "capability denied"
	case InvalidSpec:
		return "invalid container spec"
	default:
		return "unknown"
	}
}

// Error is returned by Manager operations
type Error struct {
	Kind      Kind
	Container string
	Err       error
}

func (e *Error) Error() string {
	if e.Container == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("container %s: %s: %v", e.Container, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Family implements commonerrors.Classified
func (e *Error) Family() commonerrors.Family {
	return commonerrors.FamilyConfiguration
}

func transitionError(container string, from State, op string) *Error {
	return &Error{
		Kind:      InvalidTransition,
		Container: container,
		Err:       fmt.Errorf("cannot %s a container that is %s", op, from),
	}
}
