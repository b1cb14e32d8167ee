package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/babelcloud/gboxctl/internal/engine"
	"github.com/babelcloud/gboxctl/internal/hosts"
	"github.com/babelcloud/gboxctl/internal/tunnel"
	"github.com/babelcloud/gboxctl/pkg/logger"
)

const defaultPingTimeout = 10 * time.Second

// Tunneler opens ssh forwards. *tunnel.Manager satisfies it.
type Tunneler interface {
	Open(ctx context.Context, ep hosts.Endpoint) (*tunnel.Handle, error)
}

// HostLookup resolves aliases. *hosts.Registry satisfies it.
type HostLookup interface {
	Lookup(alias string) (hosts.Endpoint, error)
}

// Connection is the single Docker handle of one command invocation.
// Close must always be called; it releases the tunnel if there is one.
type Connection struct {
	Engine engine.API
	// Origin is "local" or the host alias
	Origin string
	// Host is the Docker daemon address the engine talks to
	Host   string
	Logger *logger.Logger

	tunnel *tunnel.Handle
}

// Remote reports whether the connection goes through a tunnel
func (c *Connection) Remote() bool {
	return c.tunnel != nil
}

// Close releases the engine client and the tunnel
func (c *Connection) Close() error {
	var errs []error
	if c.Engine != nil {
		if err := c.Engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
		}
	}
	if c.tunnel != nil {
		if err := c.tunnel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolver chooses between the local daemon and a tunneled remote one
type Resolver struct {
	Hosts       HostLookup
	Tunnels     Tunneler
	NewEngine   engine.Factory
	LocalHost   string
	PingTimeout time.Duration
	Logger      *logger.Logger
}

// NewResolver creates a resolver using the real Docker client
func NewResolver(registry HostLookup, tunnels Tunneler, localHost string, log *logger.Logger) *Resolver {
	if localHost == "" {
		localHost = engine.DefaultLocalHost
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{
		Hosts:       registry,
		Tunnels:     tunnels,
		NewEngine:   engine.NewClient,
		LocalHost:   localHost,
		PingTimeout: defaultPingTimeout,
		Logger:      log,
	}
}

// Target picks the alias to use: explicit wins, "local" forces local,
// then the configured default, then local.
func Target(explicit, configuredDefault string) string {
	if explicit != "" {
		return explicit
	}
	if configuredDefault != "" {
		return configuredDefault
	}
	return hosts.LocalAlias
}

// Resolve returns a connection whose daemon has answered a ping
func (r *Resolver) Resolve(ctx context.Context, explicit, configuredDefault string) (*Connection, error) {
	alias := Target(explicit, configuredDefault)

	ep := hosts.Local
	if alias != hosts.LocalAlias {
		if r.Hosts == nil {
			return nil, &Error{Kind: UnknownHost, Origin: alias, Err: hosts.ErrHostNotFound}
		}
		found, err := r.Hosts.Lookup(alias)
		if err != nil {
			return nil, &Error{Kind: UnknownHost, Origin: alias, Err: err}
		}
		ep = found
	}

	return r.Connect(ctx, ep)
}

// Connect opens a connection to an already resolved endpoint
func (r *Resolver) Connect(ctx context.Context, ep hosts.Endpoint) (*Connection, error) {
	log := r.Logger.WithOrigin(ep.Alias)
	conn := &Connection{Origin: ep.Alias, Logger: log}

	if ep.IsLocal() {
		conn.Host = r.LocalHost
	} else {
		log.Debug("opening ssh tunnel to %s", ep.Destination())
		h, err := r.Tunnels.Open(ctx, ep)
		if err != nil {
			return nil, &Error{Kind: TunnelFailed, Origin: ep.Alias, Err: err}
		}
		conn.tunnel = h
		conn.Host = h.DockerHost()
	}

	cli, err := r.NewEngine(conn.Host)
	if err != nil {
		_ = conn.Close()
		return nil, &Error{Kind: DaemonUnreachable, Origin: ep.Alias, Err: err}
	}
	conn.Engine = cli

	pingCtx, cancel := context.WithTimeout(ctx, r.PingTimeout)
	defer cancel()
	ping, err := cli.Ping(pingCtx)
	if err != nil {
		_ = conn.Close()
		return nil, &Error{Kind: DaemonUnreachable, Origin: ep.Alias, Err: err}
	}

	log.Debug("connected to docker at %s (API %s, %s)", conn.Host, ping.APIVersion, ping.OSType)
	return conn, nil
}
