package tunnel

import (
	"fmt"
	"strings"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
)

// Kind identifies why a tunnel could not be opened
type Kind int

const (
	// AuthenticationFailed means ssh exited early rejecting credentials or the host key
	AuthenticationFailed Kind = iota + 1
	// ConnectionTimeout means the forwarded port never became ready
	ConnectionTimeout
	// ProcessSpawnFailed means the ssh binary could not be started
	ProcessSpawnFailed
)

func (k Kind) String() string {
	switch k {
	case AuthenticationFailed:
		return "authentication failed"
	case ConnectionTimeout:
		return "connection timeout"
	case ProcessSpawnFailed:
		return "process spawn failed"
	default:
		return "unknown"
	}
}

// Error is returned by Manager.Open
type Error struct {
	Kind   Kind
	Alias  string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("tunnel to %s: %s", e.Alias, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += " (ssh: " + lastLine(s) + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Family implements commonerrors.Classified
func (e *Error) Family() commonerrors.Family {
	if e.Kind == ConnectionTimeout {
		return commonerrors.FamilyTransient
	}
	return commonerrors.FamilyConfiguration
}

// authPatterns are fatal ssh stderr fragments that point at credentials or
// host keys
var authPatterns = []string{
	"permission denied",
	"authentication failed",
	"too many authentication failures",
	"host key verification failed",
	"no supported authentication methods",
}

// classifyExit looks at the fatal lines of ssh stderr. Warnings such as an
// unreadable identity file do not stop ssh from trying other keys.
func classifyExit(stderr string) Kind {
	for _, line := range strings.Split(stderr, "\n") {
		lower := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(lower, "warning:") || strings.HasPrefix(lower, "no such identity") {
			continue
		}
		for _, p := range authPatterns {
			if strings.Contains(lower, p) {
				return AuthenticationFailed
			}
		}
	}
	return ConnectionTimeout
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
