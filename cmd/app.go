package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gboxctl/config"
	"github.com/babelcloud/gboxctl/internal/confirm"
	"github.com/babelcloud/gboxctl/internal/connection"
	"github.com/babelcloud/gboxctl/internal/engine"
	"github.com/babelcloud/gboxctl/internal/hosts"
	"github.com/babelcloud/gboxctl/internal/image"
	"github.com/babelcloud/gboxctl/internal/lifecycle"
	"github.com/babelcloud/gboxctl/internal/progress"
	"github.com/babelcloud/gboxctl/internal/provenance"
	"github.com/babelcloud/gboxctl/internal/tunnel"
	"github.com/babelcloud/gboxctl/internal/update"
	"github.com/babelcloud/gboxctl/pkg/logger"
)

// app carries what commands share within one invocation
type app struct {
	opts *GlobalOptions
	log  *logger.Logger
	out  io.Writer

	// newEngine and confirmer are replaced in tests
	newEngine engine.Factory
	confirmer func(assumeYes bool) confirm.Confirmer
	sink      func(origin string) progress.Sink
}

func newApp(opts *GlobalOptions) *app {
	return &app{
		opts:      opts,
		log:       logger.New(),
		out:       os.Stdout,
		newEngine: engine.NewClient,
		confirmer: func(assumeYes bool) confirm.Confirmer {
			return confirm.NewPrompt(assumeYes)
		},
		sink: func(origin string) progress.Sink {
			return progress.NewConsole(origin)
		},
	}
}

func (a *app) hosts() (*hosts.Registry, error) {
	reg, err := hosts.Load(config.GetHostsFile())
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// defaultHost is the configured default alias, falling back to the host
// flagged as default in hosts.yml
func (a *app) defaultHost(reg *hosts.Registry) string {
	if h := config.GetDefaultHost(); h != "" {
		return h
	}
	if ep, ok := reg.Default(); ok {
		return ep.Alias
	}
	return ""
}

// connect resolves the target daemon. Callers must Close the connection.
func (a *app) connect(ctx context.Context) (*connection.Connection, error) {
	reg, err := a.hosts()
	if err != nil {
		return nil, err
	}

	tunnels := tunnel.NewManager(
		tunnel.WithSSHPath(config.GetSSHPath()),
		tunnel.WithConnectTimeout(config.GetTunnelConnectTimeout()),
		tunnel.WithReadyTimeout(config.GetTunnelReadyTimeout()),
		tunnel.WithLogger(a.log),
	)
	resolver := connection.NewResolver(reg, tunnels, config.GetDockerHost(), a.log)
	resolver.NewEngine = a.newEngine

	return resolver.Resolve(ctx, a.opts.Host, a.defaultHost(reg))
}

// ledger returns the provenance ledger for an origin. Remote hosts get a
// file of their own next to the local one.
func (a *app) ledger(origin string) (*provenance.Ledger, error) {
	path, err := config.GetProvenanceFile()
	if err != nil {
		return nil, fmt.Errorf("failed to locate provenance file: %w", err)
	}
	if origin != "" && origin != hosts.LocalAlias {
		ext := filepath.Ext(path)
		path = strings.TrimSuffix(path, ext) + "." + origin + ext
	}
	return provenance.NewLedger(path), nil
}

func (a *app) acquirer(conn *connection.Connection, ledger image.Recorder) *image.Acquirer {
	return image.NewAcquirer(conn.Engine, ledger,
		image.WithFallbackRegistry(config.GetFallbackRegistry()),
		image.WithCredentials(config.GetRegistryCredentials()),
		image.WithLogger(conn.Logger),
	)
}

func (a *app) containers(conn *connection.Connection) *lifecycle.Manager {
	return lifecycle.NewManager(conn.Engine, a.confirmer(a.opts.Yes), conn.Logger)
}

func (a *app) orchestrator(conn *connection.Connection, ledger *provenance.Ledger) *update.Orchestrator {
	return update.NewOrchestrator(conn.Engine, a.acquirer(conn, ledger), a.containers(conn), ledger, a.confirmer(a.opts.Yes),
		update.WithStopGrace(config.GetStopTimeout()),
		update.WithLogger(conn.Logger),
	)
}

// finish flushes a console sink
func finish(sink progress.Sink) {
	if c, ok := sink.(*progress.Console); ok {
		c.Finish()
	}
}

// withConnection runs fn against a resolved connection and always closes it
func (a *app) withConnection(cmd *cobra.Command, fn func(ctx context.Context, conn *connection.Connection) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			a.log.Warn("failed to release connection: %v", cerr)
		}
	}()
	return fn(ctx, conn)
}

func (a *app) completeHosts(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	reg, err := a.hosts()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	aliases := []string{hosts.LocalAlias}
	for _, ep := range reg.List() {
		aliases = append(aliases, ep.Alias)
	}
	return aliases, cobra.ShellCompDirectiveNoFileComp
}
