package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gboxctl/config"
	"github.com/babelcloud/gboxctl/internal/hosts"
)

// HostsOptions holds command options
type HostsOptions struct {
	OutputFormat string
}

// NewHostsCommand creates the hosts command
func NewHostsCommand(a *app) *cobra.Command {
	opts := &HostsOptions{}

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List the remote hosts from hosts.yml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runHosts(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.OutputFormat, "output", "text", "Output format (json or text)")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func (a *app) runHosts(opts *HostsOptions) error {
	reg, err := a.hosts()
	if err != nil {
		return err
	}
	list := reg.List()
	def := a.defaultHost(reg)

	if opts.OutputFormat == "json" {
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format hosts as JSON: %v", err)
		}
		fmt.Fprintln(a.out, string(data))
		return nil
	}

	if len(list) == 0 {
		fmt.Fprintf(a.out, "No hosts configured in %s; using the local daemon.\n", config.GetHostsFile())
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tDESTINATION\tPORT\tSOCKET\tDEFAULT")
	for _, ep := range list {
		port := "22"
		if ep.SSHPort != 0 {
			port = strconv.Itoa(ep.SSHPort)
		}
		mark := ""
		if ep.Alias == def {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ep.Alias, ep.Destination(), port, ep.Socket(), mark)
	}
	if def == "" || def == hosts.LocalAlias {
		fmt.Fprintf(w, "%s\t-\t-\t%s\t*\n", hosts.LocalAlias, config.GetDockerHost())
	}
	return w.Flush()
}
