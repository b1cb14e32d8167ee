package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/babelcloud/gboxctl/config"
	"github.com/babelcloud/gboxctl/internal/connection"
	"github.com/babelcloud/gboxctl/internal/image"
)

// ModeOptions are the mutually exclusive acquisition flags
type ModeOptions struct {
	Pull    bool
	Build   bool
	Rebuild bool
}

func (o *ModeOptions) addFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&o.Pull, "pull", false, "Pull the prebuilt image")
	flags.BoolVar(&o.Build, "build", false, "Build the image locally, using the layer cache")
	flags.BoolVar(&o.Rebuild, "rebuild", false, "Build the image locally from scratch")
}

// mode resolves the flags against the configured default
func (o *ModeOptions) mode() (image.Mode, error) {
	fallback, err := config.GetImageMode()
	if err != nil {
		return image.ModePull, err
	}
	return image.ModeFromFlags(o.Pull, o.Build, o.Rebuild, fallback)
}

// NewImageCommand creates the image command group
func NewImageCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage the gbox image",
	}
	cmd.AddCommand(NewImageAcquireCommand(a))
	return cmd
}

// NewImageAcquireCommand creates the image acquire command
func NewImageAcquireCommand(a *app) *cobra.Command {
	opts := &ModeOptions{}

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Pull or build the gbox image without touching the container",
		Example: `  gboxctl image acquire
  gboxctl image acquire --rebuild --host build-box`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := opts.mode()
			if err != nil {
				return err
			}
			ref, err := config.GetImageReference()
			if err != nil {
				return err
			}
			return a.withConnection(cmd, func(ctx context.Context, conn *connection.Connection) error {
				return a.runAcquire(ctx, conn, ref, mode)
			})
		},
	}

	opts.addFlags(cmd.Flags())
	return cmd
}

func (a *app) runAcquire(ctx context.Context, conn *connection.Connection, ref image.Reference, mode image.Mode) error {
	ledger, err := a.ledger(conn.Origin)
	if err != nil {
		return err
	}
	sink := a.sink(conn.Origin)
	defer finish(sink)

	served, err := a.acquirer(conn, ledger).Acquire(ctx, image.Request{Reference: ref, Mode: mode, AlwaysPull: true}, sink)
	if err != nil {
		return err
	}
	finish(sink)
	fmt.Fprintf(a.out, "Image %s is ready\n", served.Familiar())
	return nil
}
