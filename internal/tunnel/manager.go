package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/babelcloud/gboxctl/internal/hosts"
	"github.com/babelcloud/gboxctl/internal/retry"
	"github.com/babelcloud/gboxctl/pkg/logger"
)

const (
	defaultSSHPath        = "ssh"
	defaultConnectTimeout = 5 * time.Second
	defaultReadyTimeout   = 10 * time.Second
	defaultCloseGrace     = 3 * time.Second
	pollInitialDelay      = 100 * time.Millisecond
	pollMaxDelay          = 1600 * time.Millisecond
)

// CommandFunc builds the ssh process. exec.Command is used by default.
type CommandFunc func(name string, args ...string) *exec.Cmd

// Manager opens ssh port forwards to remote Docker sockets
type Manager struct {
	sshPath        string
	connectTimeout time.Duration
	readyTimeout   time.Duration
	closeGrace     time.Duration
	command        CommandFunc
	logger         *logger.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithSSHPath overrides the ssh binary
func WithSSHPath(path string) Option {
	return func(m *Manager) {
		m.sshPath = path
	}
}

// WithConnectTimeout sets ssh's ConnectTimeout option
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.connectTimeout = d
	}
}

// WithReadyTimeout bounds the readiness poll of the forwarded port
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.readyTimeout = d
	}
}

// WithCloseGrace sets how long Close waits after SIGTERM before killing
func WithCloseGrace(d time.Duration) Option {
	return func(m *Manager) {
		m.closeGrace = d
	}
}

// WithCommand replaces process construction
func WithCommand(fn CommandFunc) Option {
	return func(m *Manager) {
		m.command = fn
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a tunnel manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sshPath:        defaultSSHPath,
		connectTimeout: defaultConnectTimeout,
		readyTimeout:   defaultReadyTimeout,
		closeGrace:     defaultCloseGrace,
		command:        exec.Command,
		logger:         logger.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open forwards a free local port to the endpoint's Docker socket and waits
// until the port accepts connections. On any failure the ssh process has
// already been reaped when Open returns.
func (m *Manager) Open(ctx context.Context, ep hosts.Endpoint) (*Handle, error) {
	port, err := freePort()
	if err != nil {
		return nil, &Error{Kind: ProcessSpawnFailed, Alias: ep.Alias, Err: fmt.Errorf("failed to allocate local port: %w", err)}
	}

	args := m.Args(ep, port)
	m.logger.Debug("starting %s %v", m.sshPath, args)

	stderr := &lockedBuffer{}
	cmd := m.command(m.sshPath, args...)
	cmd.Stderr = stderr
	cmd.WaitDelay = m.closeGrace
	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: ProcessSpawnFailed, Alias: ep.Alias, Err: err}
	}

	h := newHandle(cmd, stderr, port, ep.Alias, m.closeGrace)
	if err := m.waitReady(ctx, h); err != nil {
		_ = h.Close()
		return nil, err
	}

	m.logger.Debug("tunnel ready on %s (pid %d)", h.Addr(), h.Pid())
	return h, nil
}

// Args returns the ssh arguments for forwarding port to the endpoint
func (m *Manager) Args(ep hosts.Endpoint, port int) []string {
	args := []string{
		"-N",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(m.connectTimeout.Seconds())),
	}
	if ep.SSHPort > 0 {
		args = append(args, "-p", strconv.Itoa(ep.SSHPort))
	}
	if ep.IdentityFile != "" {
		args = append(args, "-i", ep.IdentityFile)
	}
	if ep.JumpHost != "" {
		args = append(args, "-J", ep.JumpHost)
	}
	args = append(args,
		"-L", fmt.Sprintf("127.0.0.1:%d:%s", port, ep.Socket()),
		ep.Destination(),
	)
	return args
}

func (m *Manager) waitReady(ctx context.Context, h *Handle) error {
	pollCtx, cancel := context.WithTimeout(ctx, m.readyTimeout)
	defer cancel()

	// Stop polling as soon as ssh exits
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-pollCtx.Done():
		}
	}()

	policy := retry.NewPolicy(
		retry.WithMaxAttempts(0),
		retry.WithInitialDelay(pollInitialDelay),
		retry.WithMaxDelay(pollMaxDelay),
		retry.WithLogger(m.logger),
	)
	dialer := &net.Dialer{Timeout: 500 * time.Millisecond}
	err := policy.Execute(pollCtx, func(int) error {
		conn, err := dialer.DialContext(pollCtx, "tcp", h.Addr())
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err == nil && !h.Exited() {
		return nil
	}

	// ssh shares the terminal's process group and dies on the same
	// interrupt, so cancellation is checked first
	if ctx.Err() != nil {
		return fmt.Errorf("tunnel to %s interrupted: %w", h.Alias, ctx.Err())
	}
	if h.Exited() {
		stderr := h.Stderr()
		exitErr := h.waitErr
		if exitErr == nil {
			exitErr = errors.New("ssh exited before the tunnel was ready")
		}
		return &Error{Kind: classifyExit(stderr), Alias: h.Alias, Stderr: stderr, Err: exitErr}
	}
	return &Error{
		Kind:   ConnectionTimeout,
		Alias:  h.Alias,
		Stderr: h.Stderr(),
		Err:    fmt.Errorf("port %d not ready after %s", h.LocalPort, m.readyTimeout),
	}
}

// freePort asks the OS for an unused loopback port and releases it
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
