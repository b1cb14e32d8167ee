package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gboxctl/config"
	"github.com/babelcloud/gboxctl/internal/connection"
	"github.com/babelcloud/gboxctl/internal/lifecycle"
	"github.com/babelcloud/gboxctl/internal/provenance"
)

// StatusOptions holds command options
type StatusOptions struct {
	OutputFormat string
}

// statusReport is the json form of the status output
type statusReport struct {
	Origin     string             `json:"origin"`
	DockerHost string             `json:"docker_host"`
	Container  string             `json:"container"`
	State      string             `json:"state"`
	Image      string             `json:"image,omitempty"`
	ImageID    string             `json:"image_id,omitempty"`
	Provenance *provenance.Record `json:"provenance"`
}

// NewStatusCommand creates the status command
func NewStatusCommand(a *app) *cobra.Command {
	opts := &StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the container state and where its image came from",
		Example: `  gboxctl status
  gboxctl status --host build-box --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OutputFormat != "text" && opts.OutputFormat != "json" {
				return fmt.Errorf("invalid output format %q (want json or text)", opts.OutputFormat)
			}
			return a.withConnection(cmd, func(ctx context.Context, conn *connection.Connection) error {
				return a.runStatus(ctx, conn, opts)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.OutputFormat, "output", "text", "Output format (json or text)")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func (a *app) runStatus(ctx context.Context, conn *connection.Connection, opts *StatusOptions) error {
	name := config.GetContainerName()
	info, err := a.containers(conn).Inspect(ctx, name)
	if err != nil {
		return err
	}
	ledger, err := a.ledger(conn.Origin)
	if err != nil {
		return err
	}
	rec, err := ledger.Read()
	if errors.Is(err, provenance.ErrCorrupt) {
		conn.Logger.Warn("ignoring %s: %v", ledger.Path(), err)
	} else if err != nil {
		return err
	}

	report := statusReport{
		Origin:     conn.Origin,
		DockerHost: conn.Host,
		Container:  name,
		State:      lifecycle.Absent.String(),
		Provenance: rec,
	}
	if info != nil {
		report.State = info.State.String()
		report.Image = info.Image
		report.ImageID = info.ImageID
	}

	if opts.OutputFormat == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format status as JSON: %v", err)
		}
		fmt.Fprintln(a.out, string(data))
		return nil
	}

	fmt.Fprintf(a.out, "Origin:      %s (%s)\n", report.Origin, report.DockerHost)
	fmt.Fprintf(a.out, "Container:   %s\n", report.Container)
	fmt.Fprintf(a.out, "State:       %s\n", formatState(report.State))
	if info != nil {
		fmt.Fprintf(a.out, "Image:       %s (%s)\n", report.Image, shortID(report.ImageID))
	}
	if rec == nil {
		fmt.Fprintln(a.out, "Provenance:  unknown")
		return nil
	}
	fmt.Fprintf(a.out, "Provenance:  %s %s from %s, %s\n",
		rec.Source, rec.Version, rec.RegistryName(), rec.AcquiredAt.Local().Format(time.DateTime))
	return nil
}

// formatState returns a colored container state
func formatState(state string) string {
	switch state {
	case lifecycle.Running.String():
		return color.New(color.Bold, color.FgGreen).Sprint(state)
	case lifecycle.Absent.String():
		return color.New(color.Bold, color.FgRed).Sprint(state)
	default:
		return color.New(color.Bold, color.FgYellow).Sprint(state)
	}
}

func shortID(id string) string {
	if len(id) > 19 {
		// sha256: plus 12 hex digits
		return id[:19]
	}
	return id
}
