package image

import (
	"fmt"
	"strings"
)

// Mode selects how an image is acquired
type Mode int

const (
	// ModePull pulls a prebuilt image
	ModePull Mode = iota
	// ModeBuildCached builds from the embedded definition using the layer cache
	ModeBuildCached
	// ModeBuildFresh builds with no cache and refreshed base images
	ModeBuildFresh
)

func (m Mode) String() string {
	switch m {
	case ModePull:
		return "pull"
	case ModeBuildCached:
		return "build"
	case ModeBuildFresh:
		return "rebuild"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// IsBuild reports whether the mode builds locally
func (m Mode) IsBuild() bool {
	return m == ModeBuildCached || m == ModeBuildFresh
}

// ParseMode parses a configured mode name
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pull":
		return ModePull, nil
	case "build":
		return ModeBuildCached, nil
	case "rebuild":
		return ModeBuildFresh, nil
	default:
		return ModePull, &Error{Kind: InvalidMode, Err: fmt.Errorf("unknown acquisition mode %q (want pull, build or rebuild)", s)}
	}
}

// ModeFromFlags picks the mode from mutually exclusive flags, falling back
// to the configured default when none is set
func ModeFromFlags(pull, build, rebuild bool, fallback Mode) (Mode, error) {
	var selected []string
	mode := fallback
	if pull {
		selected = append(selected, "--pull")
		mode = ModePull
	}
	if build {
		selected = append(selected, "--build")
		mode = ModeBuildCached
	}
	if rebuild {
		selected = append(selected, "--rebuild")
		mode = ModeBuildFresh
	}
	if len(selected) > 1 {
		return fallback, &Error{
			Kind: ConflictingModes,
			Err:  fmt.Errorf("%s are mutually exclusive", strings.Join(selected, ", ")),
		}
	}
	return mode, nil
}
