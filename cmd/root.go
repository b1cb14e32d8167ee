package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// GlobalOptions holds the flags shared by every command
type GlobalOptions struct {
	Host  string
	Yes   bool
	Debug bool
}

// NewRootCommand creates the gboxctl command tree
func NewRootCommand() *cobra.Command {
	return newRootCommand(newApp(&GlobalOptions{}))
}

func newRootCommand(a *app) *cobra.Command {
	opts := a.opts

	cmd := &cobra.Command{
		Use:   "gboxctl",
		Short: "Install, update and roll back the gbox container",
		Long: `gboxctl manages one gbox container on the local Docker daemon or on a
remote daemon reached through an SSH tunnel.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.Debug || os.Getenv("DEBUG") == "true" {
				a.log.SetDebug(true)
				a.log = a.log.WithField("invocation", uuid.NewString())
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.Host, "host", "H", "", `Host alias from hosts.yml, or "local"`)
	flags.BoolVarP(&opts.Yes, "yes", "y", false, "Answer yes to confirmations that allow it")
	flags.BoolVar(&opts.Debug, "debug", false, "Enable debug logging")

	cmd.RegisterFlagCompletionFunc("host", a.completeHosts)

	cmd.AddCommand(
		NewStatusCommand(a),
		NewHostsCommand(a),
		NewImageCommand(a),
		NewStartCommand(a),
		NewStopCommand(a),
		NewRestartCommand(a),
		NewRemoveCommand(a),
		NewUpdateCommand(a),
		NewRollbackCommand(a),
		NewVersionCommand(a),
	)
	return cmd
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context so open tunnels are torn down before exit.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}
