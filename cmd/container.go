package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gboxctl/config"
	"github.com/babelcloud/gboxctl/internal/connection"
	"github.com/babelcloud/gboxctl/internal/image"
	"github.com/babelcloud/gboxctl/internal/lifecycle"
)

// NewStartCommand creates the start command
func NewStartCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the container, creating it from the configured image if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConnection(cmd, a.runStart)
		},
	}
}

func (a *app) runStart(ctx context.Context, conn *connection.Connection) error {
	name := config.GetContainerName()
	mgr := a.containers(conn)

	state, err := mgr.State(ctx, name)
	if err != nil {
		return err
	}
	switch state {
	case lifecycle.Running:
		fmt.Fprintf(a.out, "Container %s is already running\n", name)
		return nil
	case lifecycle.Absent:
		if err := a.install(ctx, conn, mgr); err != nil {
			return err
		}
	}

	if err := mgr.Start(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Container %s started\n", name)
	return nil
}

// install acquires the configured image if it is missing and creates the container
func (a *app) install(ctx context.Context, conn *connection.Connection, mgr *lifecycle.Manager) error {
	ref, err := config.GetImageReference()
	if err != nil {
		return err
	}
	mode, err := config.GetImageMode()
	if err != nil {
		return err
	}
	spec, err := config.GetContainerSpec()
	if err != nil {
		return err
	}
	ledger, err := a.ledger(conn.Origin)
	if err != nil {
		return err
	}

	sink := a.sink(conn.Origin)
	defer finish(sink)
	if _, err := a.acquirer(conn, ledger).Acquire(ctx, image.Request{Reference: ref, Mode: mode}, sink); err != nil {
		return err
	}

	spec.Image = ref.String()
	sink.Step(fmt.Sprintf("Creating %s from %s", spec.Name, ref.Familiar()))
	_, err = mgr.Create(ctx, spec)
	return err
}

// StopOptions holds command options
type StopOptions struct {
	Timeout time.Duration
}

// NewStopCommand creates the stop command
func NewStopCommand(a *app) *cobra.Command {
	opts := &StopOptions{}

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConnection(cmd, func(ctx context.Context, conn *connection.Connection) error {
				name := config.GetContainerName()
				if err := a.containers(conn).Stop(ctx, name, opts.timeout()); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Container %s stopped\n", name)
				return nil
			})
		},
	}

	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "Time to wait before killing the container (default from config)")
	return cmd
}

func (o *StopOptions) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return config.GetStopTimeout()
}

// NewRestartCommand creates the restart command
func NewRestartCommand(a *app) *cobra.Command {
	opts := &StopOptions{}

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConnection(cmd, func(ctx context.Context, conn *connection.Connection) error {
				name := config.GetContainerName()
				mgr := a.containers(conn)
				if err := mgr.Stop(ctx, name, opts.timeout()); err != nil {
					return err
				}
				if err := mgr.Start(ctx, name); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Container %s restarted\n", name)
				return nil
			})
		},
	}

	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "Time to wait before killing the container (default from config)")
	return cmd
}

// RemoveOptions holds command options
type RemoveOptions struct {
	Volumes bool
	Force   bool
}

// NewRemoveCommand creates the rm command
func NewRemoveCommand(a *app) *cobra.Command {
	opts := &RemoveOptions{}

	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Remove the container, keeping its volumes unless --volumes is given",
		Example: `  gboxctl rm --force
  gboxctl rm --volumes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConnection(cmd, func(ctx context.Context, conn *connection.Connection) error {
				return a.runRemove(ctx, conn, opts)
			})
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.Volumes, "volumes", false, "Also remove the container's named volumes and their data")
	flags.BoolVarP(&opts.Force, "force", "f", false, "Stop the container first if it is running")
	return cmd
}

func (a *app) runRemove(ctx context.Context, conn *connection.Connection, opts *RemoveOptions) error {
	spec, err := config.GetContainerSpec()
	if err != nil {
		return err
	}
	mgr := a.containers(conn)

	if opts.Force {
		running, err := mgr.IsRunning(ctx, spec.Name)
		if err != nil {
			return err
		}
		if running {
			if err := mgr.Stop(ctx, spec.Name, config.GetStopTimeout()); err != nil {
				return err
			}
		}
	}

	err = mgr.Remove(ctx, spec.Name, lifecycle.RemoveOptions{
		WithVolumes: opts.Volumes,
		Volumes:     spec.NamedVolumes(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Container %s removed\n", spec.Name)
	return nil
}
