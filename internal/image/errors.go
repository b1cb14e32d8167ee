package image

import (
	"fmt"
	"strings"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
)

// Kind identifies an acquisition failure
type Kind int

const (
	// RegistriesExhausted means every attempt on every registry failed
	RegistriesExhausted Kind = iota + 1
	// BuildFailed means the daemon rejected or failed the build
	BuildFailed
	// ConflictingModes means more than one acquisition mode was selected
	ConflictingModes
	// InvalidReference means the image name could not be parsed
	InvalidReference
	// InvalidMode means a configured mode name is unknown
	InvalidMode
)

func (k Kind) String() string {
	switch k {
	case RegistriesExhausted:
		return "all registries exhausted"
	case BuildFailed:
		return "build failed"
	case ConflictingModes:
		return "conflicting acquisition modes"
	case InvalidReference:
		return "invalid image reference"
	case InvalidMode:
		return "invalid acquisition mode"
	default:
		return "unknown"
	}
}

// Attempt is one failed pull
type Attempt struct {
	Registry string
	Number   int
	Err      error
}

// Error is returned by the image package
type Error struct {
	Kind      Kind
	Reference string
	Attempts  []Attempt
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Reference != "" {
		fmt.Fprintf(&b, " for %s", e.Reference)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Attempts) > 0 {
		fmt.Fprintf(&b, " after %d attempts", len(e.Attempts))
		last := map[string]Attempt{}
		var order []string
		for _, a := range e.Attempts {
			if _, seen := last[a.Registry]; !seen {
				order = append(order, a.Registry)
			}
			last[a.Registry] = a
		}
		for _, reg := range order {
			a := last[reg]
			fmt.Fprintf(&b, "; %s (%d tries): %v", reg, a.Number, a.Err)
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Family implements commonerrors.Classified
func (e *Error) Family() commonerrors.Family {
	if e.Kind == RegistriesExhausted {
		return commonerrors.FamilyTransient
	}
	return commonerrors.FamilyConfiguration
}

// AttemptsFor returns the attempts made against one registry
func (e *Error) AttemptsFor(registry string) []Attempt {
	var out []Attempt
	for _, a := range e.Attempts {
		if a.Registry == registry {
			out = append(out, a)
		}
	}
	return out
}
