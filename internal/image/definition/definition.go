// Package definition holds the build definition compiled into the binary.
package definition

import (
	"archive/tar"
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Dockerfile is the name of the build file inside the context
const Dockerfile = "Dockerfile"

//go:embed files
var files embed.FS

// executable files get 0755 inside the build context
var executable = map[string]bool{
	"gbox-entrypoint.sh": true,
}

// Files returns the names of every file in the build context
func Files() ([]string, error) {
	var names []string
	err := fs.WalkDir(files, "files", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			names = append(names, strings.TrimPrefix(p, "files/"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Context returns the build context as an in-memory tar stream
func Context() (io.Reader, error) {
	names, err := Files()
	if err != nil {
		return nil, fmt.Errorf("failed to list build definition: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	// fixed timestamps keep the context byte-identical across runs
	modTime := time.Unix(0, 0)
	for _, name := range names {
		data, err := files.ReadFile(path.Join("files", name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		mode := int64(0o644)
		if executable[name] {
			mode = 0o755
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    mode,
			Size:    int64(len(data)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write %s to build context: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close build context: %w", err)
	}
	return &buf, nil
}
