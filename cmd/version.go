package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gboxctl/internal/version"
)

// VersionOptions holds command options
type VersionOptions struct {
	OutputFormat string
	ShortFormat  bool
}

const daemonProbeTimeout = 5 * time.Second

// NewVersionCommand creates a new version command
func NewVersionCommand(a *app) *cobra.Command {
	opts := &VersionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the client and Docker daemon version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runVersion(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.OutputFormat, "output", "text", "Output format (json or text)")
	flags.BoolVarP(&opts.ShortFormat, "short", "s", false, "Print only the client version number")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// daemonInfo asks the target daemon for its version without failing the command
func (a *app) daemonInfo(cmd *cobra.Command) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), daemonProbeTimeout)
	defer cancel()

	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ping, err := conn.Engine.Ping(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Origin":     conn.Origin,
		"Host":       conn.Host,
		"APIVersion": ping.APIVersion,
		"OSType":     ping.OSType,
	}, nil
}

func (a *app) runVersion(cmd *cobra.Command, opts *VersionOptions) error {
	clientInfo := version.ClientInfo()

	// If short format requested, just print the version and exit
	if opts.ShortFormat {
		fmt.Fprintf(a.out, "gboxctl version %s, build %s\n", clientInfo["Version"], clientInfo["GitCommit"])
		return nil
	}

	// Try to reach the daemon but don't fail if it is not available
	daemonInfo, daemonErr := a.daemonInfo(cmd)

	if opts.OutputFormat == "json" {
		result := map[string]interface{}{
			"Client": clientInfo,
		}
		if daemonErr == nil {
			result["Daemon"] = daemonInfo
		} else {
			result["Daemon"] = map[string]string{
				"Error": daemonErr.Error(),
			}
		}

		jsonData, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format version as JSON: %v", err)
		}
		fmt.Fprintln(a.out, string(jsonData))
		return nil
	}

	const clientTemplate = `Client:
 Version:           {{.Version}}
 Go version:        {{.GoVersion}}
 Git commit:        {{.GitCommit}}
 Built:             {{.FormattedTime}}
 OS/Arch:           {{.OS}}/{{.Arch}}
`
	tmpl, err := template.New("version").Parse(clientTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse version template: %v", err)
	}
	if err := tmpl.Execute(a.out, clientInfo); err != nil {
		return err
	}

	if daemonErr != nil {
		fmt.Fprintf(a.out, "\nDaemon: %s\n", daemonErr)
		return nil
	}

	const daemonTemplate = `
Daemon ({{.Origin}}):
 Host:              {{.Host}}
 API version:       {{.APIVersion}}
 OS type:           {{.OSType}}
`
	tmpl, err = template.New("daemon").Parse(daemonTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse daemon template: %v", err)
	}
	return tmpl.Execute(a.out, daemonInfo)
}
