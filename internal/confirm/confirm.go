package confirm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
)

// ErrNotConfirmed is returned when a destructive action was declined or could not be asked
var ErrNotConfirmed = commonerrors.New(commonerrors.FamilyUnconfirmed, "action not confirmed")

// Request describes an action that needs the user's consent
type Request struct {
	// Action is a short summary, e.g. "Update gbox on prod-1"
	Action string
	// Details are printed before the question, one per line
	Details []string
	// Bypassable requests may be accepted by an "assume yes" flag.
	// Non-bypassable ones require the user to type Token.
	Bypassable bool
	// Token must be typed verbatim for non-bypassable requests
	Token string
}

// Confirmer asks for consent. It returns nil when confirmed and
// ErrNotConfirmed (possibly wrapped) otherwise.
type Confirmer interface {
	Confirm(ctx context.Context, req Request) error
}

// Prompt asks on a terminal
type Prompt struct {
	In        io.Reader
	Out       io.Writer
	AssumeYes bool
	// IsTerminal reports whether In is interactive. Defaults to checking stdin.
	IsTerminal func() bool
}

// NewPrompt returns a prompt bound to the process stdin/stdout
func NewPrompt(assumeYes bool) *Prompt {
	return &Prompt{
		In:        os.Stdin,
		Out:       os.Stdout,
		AssumeYes: assumeYes,
		IsTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// Confirm implements Confirmer
func (p *Prompt) Confirm(ctx context.Context, req Request) error {
	if req.Bypassable && p.AssumeYes {
		return nil
	}
	if p.IsTerminal != nil && !p.IsTerminal() {
		return fmt.Errorf("%s requires an interactive confirmation: %w", req.Action, ErrNotConfirmed)
	}

	fmt.Fprintln(p.Out, req.Action)
	for _, d := range req.Details {
		fmt.Fprintf(p.Out, "  - %s\n", d)
	}

	answers := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(p.In)
		reply, err := reader.ReadString('\n')
		if err != nil && reply == "" {
			errs <- err
			return
		}
		answers <- strings.TrimSpace(reply)
	}()

	if req.Bypassable {
		fmt.Fprint(p.Out, "Are you sure? [y/N] ")
	} else {
		fmt.Fprintf(p.Out, "This cannot be undone. Type %q to continue: ", req.Token)
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		return fmt.Errorf("%s: %w", ctx.Err(), ErrNotConfirmed)
	case err := <-errs:
		return fmt.Errorf("failed to read input: %v: %w", err, ErrNotConfirmed)
	case reply := <-answers:
		if req.Bypassable {
			reply = strings.ToLower(reply)
			if reply == "y" || reply == "yes" {
				return nil
			}
			return ErrNotConfirmed
		}
		if req.Token != "" && reply == req.Token {
			return nil
		}
		return ErrNotConfirmed
	}
}

// Func adapts a function to the Confirmer interface
type Func func(ctx context.Context, req Request) error

// Confirm implements Confirmer
func (f Func) Confirm(ctx context.Context, req Request) error {
	return f(ctx, req)
}
