package tunnel

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Handle owns a running ssh forward. Close terminates and reaps the process;
// it is safe to call more than once.
type Handle struct {
	LocalPort int
	Alias     string

	cmd    *exec.Cmd
	stderr *lockedBuffer
	grace  time.Duration

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

func newHandle(cmd *exec.Cmd, stderr *lockedBuffer, port int, alias string, grace time.Duration) *Handle {
	h := &Handle{
		LocalPort: port,
		Alias:     alias,
		cmd:       cmd,
		stderr:    stderr,
		grace:     grace,
		done:      make(chan struct{}),
	}
	// The reaper is the only caller of Wait
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h
}

// Addr returns the local forwarding address
func (h *Handle) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(h.LocalPort)
}

// DockerHost returns the Docker client host for the forwarded socket
func (h *Handle) DockerHost() string {
	return "tcp://" + h.Addr()
}

// Pid returns the ssh process id
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Exited reports whether the ssh process has been reaped
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed once the ssh process has exited and been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stderr returns what ssh has written to stderr so far
func (h *Handle) Stderr() string {
	return h.stderr.String()
}

// Close sends SIGTERM, waits up to the grace period, then kills.
// It returns once the process has been reaped.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.Exited() {
			return
		}
		if termErr := terminate(h.cmd.Process); termErr != nil && !h.Exited() {
			err = fmt.Errorf("failed to signal ssh process %d: %w", h.cmd.Process.Pid, termErr)
		}

		select {
		case <-h.done:
			return
		case <-time.After(h.grace):
		}

		if killErr := h.cmd.Process.Kill(); killErr != nil && !h.Exited() {
			err = fmt.Errorf("failed to kill ssh process %d: %w", h.cmd.Process.Pid, killErr)
		}
		<-h.done
	})
	return err
}

// lockedBuffer lets the reaper's stderr copy and readers share a buffer
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
