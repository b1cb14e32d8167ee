package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"
)

// sensitivePaths trigger a warning when mounted from or over
var sensitivePaths = []string{
	"/", "/boot", "/dev", "/etc", "/proc", "/root", "/run", "/sys", "/usr", "/var/run",
}

func isSensitive(p string) bool {
	clean := filepath.Clean(p)
	for _, s := range sensitivePaths {
		if clean == s {
			return true
		}
		if s != "/" && strings.HasPrefix(clean, s+"/") {
			return true
		}
	}
	return false
}

// resolveMounts canonicalizes bind sources and converts volumes to mounts.
// Warnings are returned for sensitive sources and targets.
func resolveMounts(name string, volumes []Volume) ([]mount.Mount, []string, error) {
	var mounts []mount.Mount
	var warnings []string

	for _, v := range volumes {
		if !v.IsBind() {
			mounts = append(mounts, mount.Mount{
				Type:     mount.TypeVolume,
				Source:   v.Name,
				Target:   v.Target,
				ReadOnly: v.ReadOnly,
			})
			if isSensitive(v.Target) {
				warnings = append(warnings, fmt.Sprintf("volume %s is mounted over sensitive path %s", v.Name, v.Target))
			}
			continue
		}

		abs, err := filepath.Abs(v.Source)
		if err != nil {
			return nil, nil, &Error{Kind: MountValidation, Container: name, Err: fmt.Errorf("invalid bind source %q: %w", v.Source, err)}
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, nil, &Error{Kind: MountValidation, Container: name, Err: fmt.Errorf("bind source %q: %w", v.Source, err)}
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, nil, &Error{Kind: MountValidation, Container: name, Err: fmt.Errorf("bind source %q: %w", v.Source, err)}
		}
		if !info.IsDir() {
			return nil, nil, &Error{Kind: MountValidation, Container: name, Err: fmt.Errorf("bind source %q is not a directory", v.Source)}
		}

		if isSensitive(resolved) {
			warnings = append(warnings, fmt.Sprintf("bind mount source %s is a sensitive host path", resolved))
		}
		if isSensitive(v.Target) {
			warnings = append(warnings, fmt.Sprintf("bind mount target %s shadows a sensitive path", v.Target))
		}

		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   resolved,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	return mounts, warnings, nil
}
