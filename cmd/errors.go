package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
	"github.com/babelcloud/gboxctl/internal/update"
)

// ExitCode maps an error returned by Execute to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return commonerrors.Classify(err).ExitCode()
}

// PrintError writes the error followed by the hint for its family
func PrintError(w io.Writer, err error) {
	red := color.New(color.FgRed)
	red.Fprintf(w, "Error: %v\n", err)

	var uErr *update.Error
	if errors.As(err, &uErr) && uErr.Op == "update" && uErr.ContainerReplaced() {
		fmt.Fprintln(w, "The previous container was already removed; run 'gboxctl rollback' to restore it.")
	}
	if hint := commonerrors.Classify(err).Hint(); hint != "" {
		fmt.Fprintln(w, hint)
	}
}
