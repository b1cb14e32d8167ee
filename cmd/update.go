package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gboxctl/config"
	"github.com/babelcloud/gboxctl/internal/connection"
	"github.com/babelcloud/gboxctl/internal/image"
	"github.com/babelcloud/gboxctl/internal/lifecycle"
	"github.com/babelcloud/gboxctl/internal/update"
)

// NewUpdateCommand creates the update command
func NewUpdateCommand(a *app) *cobra.Command {
	opts := &ModeOptions{}

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace the container with one running a freshly acquired image",
		Long: `Acquire the image first, keep the current one as the "previous" tag, then
recreate the container. Named volumes are kept.`,
		Example: `  gboxctl update
  gboxctl update --build --yes
  gboxctl update --host build-box --rebuild`,
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
			spec, err := config.GetContainerSpec()
			if err != nil {
				return err
			}
			return a.withConnection(cmd, func(ctx context.Context, conn *connection.Connection) error {
				ledger, err := a.ledger(conn.Origin)
				if err != nil {
					return err
				}
				sink := a.sink(conn.Origin)
				defer finish(sink)

				res, err := a.orchestrator(conn, ledger).Update(ctx, update.Request{Spec: spec, Reference: ref, Mode: mode}, sink)
				if err != nil {
					return err
				}
				finish(sink)
				if res.Unchanged {
					fmt.Fprintf(a.out, "Container %s already runs the latest %s; nothing to update\n", spec.Name, ref.Familiar())
					return nil
				}
				fmt.Fprintf(a.out, "Container %s now runs %s\n", spec.Name, res.NewImage.Familiar())
				if res.PreviousImage != "" {
					fmt.Fprintf(a.out, "The previous image is kept as %s; run 'gboxctl rollback' to return to it\n", ref.Previous().Familiar())
				}
				return nil
			})
		},
	}

	opts.addFlags(cmd.Flags())
	return cmd
}

// NewRollbackCommand creates the rollback command
func NewRollbackCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Recreate the container from the image kept by the last update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := config.GetImageReference()
			if err != nil {
				return err
			}
			spec, err := config.GetContainerSpec()
			if err != nil {
				return err
			}
			return a.withConnection(cmd, func(ctx context.Context, conn *connection.Connection) error {
				return a.runRollback(ctx, conn, ref, spec)
			})
		},
	}
}

func (a *app) runRollback(ctx context.Context, conn *connection.Connection, ref image.Reference, spec lifecycle.Spec) error {
	ledger, err := a.ledger(conn.Origin)
	if err != nil {
		return err
	}
	sink := a.sink(conn.Origin)
	defer finish(sink)

	if _, err := a.orchestrator(conn, ledger).Rollback(ctx, spec, ref, sink); err != nil {
		return err
	}
	finish(sink)
	fmt.Fprintf(a.out, "Container %s rolled back to the previous image of %s\n", spec.Name, ref.Familiar())
	return nil
}
