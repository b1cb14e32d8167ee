package connection

import (
	"fmt"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
)

// Kind identifies why a connection could not be resolved
type Kind int

const (
	// TunnelFailed wraps a *tunnel.Error
	TunnelFailed Kind = iota + 1
	// DaemonUnreachable means the transport works but the daemon did not answer a ping
	DaemonUnreachable
	// UnknownHost means the alias is not in the host registry
	UnknownHost
)

func (k Kind) String() string {
	switch k {
	case TunnelFailed:
		return "tunnel failed"
	case DaemonUnreachable:
		return "docker daemon unreachable"
	case UnknownHost:
		return "unknown host"
	default:
		return "unknown"
	}
}

// Error is returned by Resolver.Resolve
type Error struct {
	Kind   Kind
	Origin string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Origin, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Origin, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Family implements commonerrors.Classified. Tunnel failures defer to the
// tunnel error's own family.
func (e *Error) Family() commonerrors.Family {
	switch e.Kind {
	case DaemonUnreachable:
		return commonerrors.FamilyTransient
	case TunnelFailed:
		if f := commonerrors.Classify(e.Err); f != commonerrors.FamilyUnknown {
			return f
		}
		return commonerrors.FamilyTransient
	default:
		return commonerrors.FamilyConfiguration
	}
}
