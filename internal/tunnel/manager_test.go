package tunnel

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
	"github.com/babelcloud/gboxctl/internal/hosts"
)

var prod = hosts.Endpoint{
	Alias:        "prod-1",
	SSHUser:      "deploy",
	SSHHostname:  "10.0.0.5",
	SSHPort:      2222,
	IdentityFile: "/keys/prod",
	JumpHost:     "bastion",
}

// fakeSSH records every process it builds and runs substitute instead of ssh
type fakeSSH struct {
	mu         sync.Mutex
	cmds       []*exec.Cmd
	forwards   []string
	substitute func(forward string) *exec.Cmd
}

func (f *fakeSSH) command(name string, args ...string) *exec.Cmd {
	forward := ""
	for i, a := range args {
		if a == "-L" && i+1 < len(args) {
			forward = args[i+1]
		}
	}
	cmd := f.substitute(forward)
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.forwards = append(f.forwards, forward)
	f.mu.Unlock()
	return cmd
}

func forwardedAddr(forward string) string {
	// 127.0.0.1:<port>:<socket>
	parts := strings.SplitN(forward, ":", 3)
	return parts[0] + ":" + parts[1]
}

func requireReaped(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	require.NotNil(t, cmd.ProcessState, "ssh process was not reaped")
}

func TestArgs(t *testing.T) {
	m := NewManager(WithConnectTimeout(7 * time.Second))

	args := m.Args(prod, 41000)

	joined := strings.Join(args, " ")
	assert.Equal(t, "-N", args[0])
	assert.Contains(t, joined, "-o BatchMode=yes")
	assert.Contains(t, joined, "-o StrictHostKeyChecking=accept-new")
	assert.Contains(t, joined, "-o ExitOnForwardFailure=yes")
	assert.Contains(t, joined, "-o ConnectTimeout=7")
	assert.Contains(t, joined, "-p 2222")
	assert.Contains(t, joined, "-i /keys/prod")
	assert.Contains(t, joined, "-J bastion")
	assert.Contains(t, joined, "-L 127.0.0.1:41000:/var/run/docker.sock")
	assert.Equal(t, "deploy@10.0.0.5", args[len(args)-1])
}

func TestArgsMinimal(t *testing.T) {
	m := NewManager()

	args := m.Args(hosts.Endpoint{Alias: "h", SSHHostname: "h.example.com"}, 5000)

	joined := strings.Join(args, " ")
	assert.NotContains(t, joined, "-p ")
	assert.NotContains(t, joined, "-i ")
	assert.NotContains(t, joined, "-J ")
	assert.Equal(t, "h.example.com", args[len(args)-1])
}

func TestOpenSuccessAndClose(t *testing.T) {
	var listener net.Listener
	fake := &fakeSSH{substitute: func(forward string) *exec.Cmd {
		l, err := net.Listen("tcp", forwardedAddr(forward))
		require.NoError(t, err)
		listener = l
		return exec.Command("sleep", "30")
	}}
	t.Cleanup(func() {
		if listener != nil {
			listener.Close()
		}
	})
	m := NewManager(WithCommand(fake.command), WithReadyTimeout(5*time.Second))

	h, err := m.Open(context.Background(), prod)
	require.NoError(t, err)
	require.Len(t, fake.cmds, 1)
	assert.Equal(t, "prod-1", h.Alias)
	assert.Equal(t, "tcp://"+forwardedAddr(fake.forwards[0]), h.DockerHost())
	assert.False(t, h.Exited())

	require.NoError(t, h.Close())
	assert.True(t, h.Exited())
	requireReaped(t, fake.cmds[0])

	// second close is a no-op
	assert.NoError(t, h.Close())
}

func TestOpenAuthenticationFailure(t *testing.T) {
	fake := &fakeSSH{substitute: func(string) *exec.Cmd {
		return exec.Command("sh", "-c", "echo 'deploy@10.0.0.5: Permission denied (publickey).' >&2; exit 255")
	}}
	m := NewManager(WithCommand(fake.command), WithReadyTimeout(5*time.Second))

	start := time.Now()
	h, err := m.Open(context.Background(), prod)

	assert.Nil(t, h)
	var tErr *Error
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, AuthenticationFailed, tErr.Kind)
	assert.Contains(t, tErr.Stderr, "Permission denied")
	assert.Equal(t, commonerrors.FamilyConfiguration, commonerrors.Classify(err))
	assert.Less(t, time.Since(start), 4*time.Second, "early exit should short-circuit the poll")
	requireReaped(t, fake.cmds[0])
}

func TestOpenEarlyExitNetworkFailure(t *testing.T) {
	fake := &fakeSSH{substitute: func(string) *exec.Cmd {
		return exec.Command("sh", "-c", "echo 'ssh: connect to host 10.0.0.5 port 2222: Connection refused' >&2; exit 255")
	}}
	m := NewManager(WithCommand(fake.command))

	_, err := m.Open(context.Background(), prod)

	var tErr *Error
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, ConnectionTimeout, tErr.Kind)
	assert.Equal(t, commonerrors.FamilyTransient, commonerrors.Classify(err))
}

func TestOpenTimeoutKillsProcess(t *testing.T) {
	fake := &fakeSSH{substitute: func(string) *exec.Cmd {
		return exec.Command("sleep", "30")
	}}
	m := NewManager(WithCommand(fake.command), WithReadyTimeout(400*time.Millisecond), WithCloseGrace(time.Second))

	start := time.Now()
	h, err := m.Open(context.Background(), prod)

	assert.Nil(t, h)
	var tErr *Error
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, ConnectionTimeout, tErr.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
	requireReaped(t, fake.cmds[0])
}

func TestOpenSpawnFailure(t *testing.T) {
	m := NewManager(WithSSHPath("/nonexistent/bin/ssh"))

	_, err := m.Open(context.Background(), prod)

	var tErr *Error
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, ProcessSpawnFailed, tErr.Kind)
	assert.Equal(t, commonerrors.FamilyConfiguration, commonerrors.Classify(err))
}

func TestOpenCancelledContextReapsProcess(t *testing.T) {
	fake := &fakeSSH{substitute: func(string) *exec.Cmd {
		return exec.Command("sleep", "30")
	}}
	m := NewManager(WithCommand(fake.command), WithReadyTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := m.Open(ctx, prod)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var tErr *Error
	assert.False(t, errors.As(err, &tErr), "an interrupt is not a tunnel failure")
	assert.NotEqual(t, commonerrors.FamilyTransient, commonerrors.Classify(err))
	requireReaped(t, fake.cmds[0])
}

func TestOpenInterruptedWhileSSHExits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeSSH{substitute: func(string) *exec.Cmd {
		// ssh receives the same SIGINT as the caller
		cancel()
		return exec.Command("sh", "-c", "exit 255")
	}}
	m := NewManager(WithCommand(fake.command), WithReadyTimeout(5*time.Second))

	_, err := m.Open(ctx, prod)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, commonerrors.FamilyUnknown, commonerrors.Classify(err))
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		stderr string
		want   Kind
	}{
		{"Permission denied (publickey,password).", AuthenticationFailed},
		{"Host key verification failed.", AuthenticationFailed},
		{"Received disconnect: Too many authentication failures", AuthenticationFailed},
		{"ssh: connect to host x port 22: Connection timed out", ConnectionTimeout},
		{"ssh: Could not resolve hostname nope", ConnectionTimeout},
		{"Warning: Identity file /keys/prod not accessible: No such file or directory.\nssh: connect to host 10.0.0.5 port 2222: Connection refused", ConnectionTimeout},
		{"Warning: Identity file /keys/prod not accessible: No such file or directory.\ndeploy@10.0.0.5: Permission denied (publickey).", AuthenticationFailed},
		{"no such identity: /keys/prod: No such file or directory\nssh: connect to host x port 22: Connection timed out", ConnectionTimeout},
		{"", ConnectionTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyExit(tt.stderr), tt.stderr)
	}
}
