package lifecycle

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
)

// DefaultBindAddress keeps published ports on loopback
const DefaultBindAddress = "127.0.0.1"

// allowedCapabilities is what the container's init system needs and nothing more
var allowedCapabilities = map[string]bool{
	"AUDIT_WRITE":      true,
	"CHOWN":            true,
	"DAC_OVERRIDE":     true,
	"FOWNER":           true,
	"KILL":             true,
	"NET_BIND_SERVICE": true,
	"SETGID":           true,
	"SETUID":           true,
	"SETPCAP":          true,
	"SYS_NICE":         true,
}

// DefaultCapabilities are granted when none are requested
var DefaultCapabilities = []string{"AUDIT_WRITE"}

// DefaultTmpfs are the tmpfs mounts an init system expects
var DefaultTmpfs = []string{"/run", "/run/lock", "/tmp"}

const defaultTmpfsOptions = "rw,nosuid,nodev"

var volumeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

// PortBinding publishes a container port on a host address
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	// Protocol is tcp when empty
	Protocol string
}

func (p PortBinding) String() string {
	return fmt.Sprintf("%s:%d->%d/%s", p.HostIP, p.HostPort, p.ContainerPort, p.proto())
}

func (p PortBinding) proto() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return strings.ToLower(p.Protocol)
}

// IsPublic reports whether the binding listens on every interface
func (p PortBinding) IsPublic() bool {
	switch p.HostIP {
	case "", "0.0.0.0", "::", "[::]":
		return true
	}
	return false
}

// Volume is either a named volume (Name set) or a bind mount (Source set)
type Volume struct {
	Name     string
	Source   string
	Target   string
	ReadOnly bool
}

// IsBind reports whether the volume is a host bind mount
func (v Volume) IsBind() bool {
	return v.Source != ""
}

// Spec describes the managed container. It is built fresh for every create.
type Spec struct {
	Name         string
	Image        string
	Hostname     string
	Ports        []PortBinding
	Volumes      []Volume
	Capabilities []string
	Tmpfs        []string
	Env          []string
	Labels       map[string]string
	// AllowPublicBind permits bindings on all interfaces
	AllowPublicBind bool
}

// NamedVolumes returns the names of the named volumes
func (s Spec) NamedVolumes() []string {
	var names []string
	for _, v := range s.Volumes {
		if !v.IsBind() {
			names = append(names, v.Name)
		}
	}
	return names
}

// normalizeCapability turns "cap_chown" into "CHOWN"
func normalizeCapability(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	return strings.TrimPrefix(c, "CAP_")
}

func (s Spec) validate() error {
	if s.Name == "" {
		return &Error{Kind: InvalidSpec, Err: fmt.Errorf("container name is required")}
	}
	if s.Image == "" {
		return &Error{Kind: InvalidSpec, Container: s.Name, Err: fmt.Errorf("image is required")}
	}

	for _, p := range s.Ports {
		if p.HostPort < 1 || p.HostPort > 65535 || p.ContainerPort < 1 || p.ContainerPort > 65535 {
			return &Error{Kind: InvalidSpec, Container: s.Name, Err: fmt.Errorf("port out of range in %s", p)}
		}
		if p.proto() != "tcp" && p.proto() != "udp" {
			return &Error{Kind: InvalidSpec, Container: s.Name, Err: fmt.Errorf("unsupported protocol in %s", p)}
		}
		if p.IsPublic() {
			if !s.AllowPublicBind {
				return &Error{
					Kind:      PortPolicy,
					Container: s.Name,
					Err:       fmt.Errorf("%s would listen on all interfaces; bind to %s or allow public binding explicitly", p, DefaultBindAddress),
				}
			}
			continue
		}
		if net.ParseIP(strings.Trim(p.HostIP, "[]")) == nil {
			return &Error{Kind: InvalidSpec, Container: s.Name, Err: fmt.Errorf("invalid host address in %s", p)}
		}
	}

	for _, c := range s.Capabilities {
		if !allowedCapabilities[normalizeCapability(c)] {
			return &Error{
				Kind:      CapabilityDenied,
				Container: s.Name,
				Err:       fmt.Errorf("capability %q is not in the allowed set", c),
			}
		}
	}

	for _, v := range s.Volumes {
		if v.Target == "" || !strings.HasPrefix(v.Target, "/") {
			return &Error{Kind: InvalidSpec, Container: s.Name, Err: fmt.Errorf("volume target %q must be an absolute path", v.Target)}
		}
		if !v.IsBind() && !volumeNamePattern.MatchString(v.Name) {
			return &Error{Kind: InvalidSpec, Container: s.Name, Err: fmt.Errorf("invalid volume name %q", v.Name)}
		}
	}
	return nil
}

// containerConfig converts a validated spec with resolved mounts into Docker API config
func (s Spec) containerConfig(mounts []mount.Mount) (*container.Config, *container.HostConfig) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range s.Ports {
		port := nat.Port(strconv.Itoa(p.ContainerPort) + "/" + p.proto())
		exposed[port] = struct{}{}
		hostIP := p.HostIP
		if hostIP == "" {
			hostIP = "0.0.0.0"
		}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   strings.Trim(hostIP, "[]"),
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	caps := s.Capabilities
	if len(caps) == 0 {
		caps = DefaultCapabilities
	}
	capAdd := make([]string, 0, len(caps))
	for _, c := range caps {
		capAdd = append(capAdd, "CAP_"+normalizeCapability(c))
	}
	sort.Strings(capAdd)

	tmpfsList := s.Tmpfs
	if len(tmpfsList) == 0 {
		tmpfsList = DefaultTmpfs
	}
	tmpfs := make(map[string]string, len(tmpfsList))
	for _, t := range tmpfsList {
		target, opts, found := strings.Cut(t, ":")
		if !found || opts == "" {
			opts = defaultTmpfsOptions
		}
		tmpfs[target] = opts
	}

	labels := map[string]string{}
	for k, v := range s.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        s.Image,
		Hostname:     s.Hostname,
		Env:          s.Env,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings:  bindings,
		Mounts:        mounts,
		CapAdd:        capAdd,
		Tmpfs:         tmpfs,
		Privileged:    false,
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	return config, hostConfig
}
