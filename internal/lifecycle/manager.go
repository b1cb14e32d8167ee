package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/errdefs"

	"github.com/babelcloud/gboxctl/internal/confirm"
	"github.com/babelcloud/gboxctl/internal/engine"
	"github.com/babelcloud/gboxctl/pkg/logger"
)

// State is the lifecycle state of the managed container
type State int

const (
	Absent State = iota
	Created
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Info is what the manager knows about an existing container
type Info struct {
	ID    string
	Name  string
	State State
	// ImageID is the image the container runs, Image the reference it was created from
	ImageID string
	Image   string
	// Volumes lists named volumes mounted into the container
	Volumes []string
}

// RemoveOptions controls Remove
type RemoveOptions struct {
	// WithVolumes also destroys named volumes, after a non-bypassable confirmation
	WithVolumes bool
	// Volumes are removed in addition to those found on the container
	Volumes []string
}

// Manager drives the managed container through its states
type Manager struct {
	engine  engine.API
	confirm confirm.Confirmer
	logger  *logger.Logger
}

// NewManager creates a lifecycle manager. confirmer may be nil, in which
// case volume removal is always refused.
func NewManager(api engine.API, confirmer confirm.Confirmer, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{engine: api, confirm: confirmer, logger: log}
}

// Inspect returns the container's info, or nil when it does not exist
func (m *Manager) Inspect(ctx context.Context, id string) (*Info, error) {
	resp, err := m.engine.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	info := &Info{ID: resp.ID, Name: strings.TrimPrefix(resp.Name, "/"), ImageID: resp.Image}
	if resp.Config != nil {
		info.Image = resp.Config.Image
	}
	if resp.State != nil {
		info.State = stateFromStatus(resp.State.Status, resp.State.Running)
	}

	seen := map[string]bool{}
	if resp.HostConfig != nil {
		for _, mnt := range resp.HostConfig.Mounts {
			if mnt.Type == mount.TypeVolume && mnt.Source != "" && !seen[mnt.Source] {
				seen[mnt.Source] = true
				info.Volumes = append(info.Volumes, mnt.Source)
			}
		}
	}
	for _, mp := range resp.Mounts {
		if mp.Type == mount.TypeVolume && mp.Name != "" && !seen[mp.Name] {
			seen[mp.Name] = true
			info.Volumes = append(info.Volumes, mp.Name)
		}
	}
	sort.Strings(info.Volumes)
	return info, nil
}

func stateFromStatus(status string, running bool) State {
	if running {
		return Running
	}
	switch status {
	case "created":
		return Created
	case "running", "restarting", "paused":
		return Running
	default:
		return Stopped
	}
}

// State returns the container's state, Absent when it does not exist
func (m *Manager) State(ctx context.Context, id string) (State, error) {
	info, err := m.Inspect(ctx, id)
	if err != nil || info == nil {
		return Absent, err
	}
	return info.State, nil
}

// IsRunning reports whether the container is running
func (m *Manager) IsRunning(ctx context.Context, id string) (bool, error) {
	state, err := m.State(ctx, id)
	return state == Running, err
}

// Create validates spec and creates the container. The container must not exist.
func (m *Manager) Create(ctx context.Context, spec Spec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}
	mounts, warnings, err := resolveMounts(spec.Name, spec.Volumes)
	if err != nil {
		return "", err
	}
	for _, w := range warnings {
		m.logger.Warn("%s", w)
	}

	state, err := m.State(ctx, spec.Name)
	if err != nil {
		return "", err
	}
	if state != Absent {
		return "", transitionError(spec.Name, state, "create")
	}

	config, hostConfig := spec.containerConfig(mounts)
	resp, err := m.engine.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", &Error{Kind: InvalidTransition, Container: spec.Name, Err: err}
		}
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		m.logger.Warn("%s", w)
	}

	m.logger.Debug("created container %s (%s) from %s", spec.Name, shortID(resp.ID), spec.Image)
	return resp.ID, nil
}

// Start starts a created or stopped container. Starting a running one is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	state, err := m.State(ctx, id)
	if err != nil {
		return err
	}
	switch state {
	case Running:
		return nil
	case Absent:
		return transitionError(id, state, "start")
	}

	if err := m.engine.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if isPortConflict(err) {
			return &Error{Kind: PortConflict, Container: id, Err: err}
		}
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	m.logger.Debug("started container %s", id)
	return nil
}

// Stop stops a running container, waiting up to grace before the daemon
// kills it. Stopping a container that is not running is a no-op.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) error {
	state, err := m.State(ctx, id)
	if err != nil {
		return err
	}
	switch state {
	case Created, Stopped:
		return nil
	case Absent:
		return transitionError(id, state, "stop")
	}

	timeout := stopTimeout(grace)
	if err := m.engine.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	m.logger.Debug("stopped container %s", id)
	return nil
}

// stopTimeout converts grace to the whole seconds the daemon accepts,
// rounding up so a short grace period never becomes an immediate kill
func stopTimeout(grace time.Duration) int {
	if grace <= 0 {
		return 0
	}
	return int((grace + time.Second - 1) / time.Second)
}

// Remove deletes a stopped or created container. Removing an absent
// container is a no-op. Named volumes survive unless opts.WithVolumes is
// set and the removal is confirmed.
func (m *Manager) Remove(ctx context.Context, id string, opts RemoveOptions) error {
	info, err := m.Inspect(ctx, id)
	if err != nil {
		return err
	}
	if info != nil && info.State == Running {
		return transitionError(id, Running, "remove")
	}

	var volumes []string
	if opts.WithVolumes {
		volumes = mergeVolumes(opts.Volumes, info)
		if err := m.confirmVolumeRemoval(ctx, id, volumes); err != nil {
			return err
		}
	}

	if info != nil {
		err := m.engine.ContainerRemove(ctx, info.ID, container.RemoveOptions{RemoveVolumes: false})
		if err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove container %s: %w", id, err)
		}
		m.logger.Debug("removed container %s", id)
	}

	for _, v := range volumes {
		if err := m.engine.VolumeRemove(ctx, v, false); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("failed to remove volume %s: %w", v, err)
		}
		m.logger.Info("removed volume %s", v)
	}
	return nil
}

func (m *Manager) confirmVolumeRemoval(ctx context.Context, name string, volumes []string) error {
	if m.confirm == nil {
		return fmt.Errorf("volume removal for %s: %w", name, confirm.ErrNotConfirmed)
	}
	details := make([]string, 0, len(volumes))
	for _, v := range volumes {
		details = append(details, "volume "+v+" and all data in it")
	}
	return m.confirm.Confirm(ctx, confirm.Request{
		Action:     fmt.Sprintf("Remove container %s together with its volumes", name),
		Details:    details,
		Bypassable: false,
		Token:      name,
	})
}

func mergeVolumes(extra []string, info *Info) []string {
	seen := map[string]bool{}
	var out []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if info != nil {
		for _, v := range info.Volumes {
			add(v)
		}
	}
	for _, v := range extra {
		add(v)
	}
	sort.Strings(out)
	return out
}

func isPortConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
