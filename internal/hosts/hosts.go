package hosts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
)

const (
	// LocalAlias selects the local daemon regardless of any configured default
	LocalAlias = "local"
	// DefaultDockerSocket is the remote socket forwarded when a host sets none
	DefaultDockerSocket = "/var/run/docker.sock"
)

var (
	// ErrHostNotFound is returned when an alias is not in the registry
	ErrHostNotFound = commonerrors.New(commonerrors.FamilyConfiguration, "host not found")
	// ErrInvalidRegistry is returned when the hosts file fails validation
	ErrInvalidRegistry = commonerrors.New(commonerrors.FamilyConfiguration, "invalid hosts file")
)

// Local is the endpoint for the local Docker daemon
var Local = Endpoint{Alias: LocalAlias}

// Endpoint identifies a Docker daemon target. The zero-hostname value with
// alias "local" is the local daemon; everything else is reached over SSH.
type Endpoint struct {
	Alias        string `yaml:"alias" json:"alias"`
	SSHUser      string `yaml:"ssh_user,omitempty" json:"ssh_user,omitempty"`
	SSHHostname  string `yaml:"ssh_hostname" json:"ssh_hostname"`
	SSHPort      int    `yaml:"ssh_port,omitempty" json:"ssh_port,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty" json:"identity_file,omitempty"`
	JumpHost     string `yaml:"jump_host,omitempty" json:"jump_host,omitempty"`
	DockerSocket string `yaml:"docker_socket,omitempty" json:"docker_socket,omitempty"`
	IsDefault    bool   `yaml:"is_default,omitempty" json:"is_default,omitempty"`
}

// IsLocal reports whether the endpoint is the local daemon
func (e Endpoint) IsLocal() bool {
	return e.Alias == LocalAlias && e.SSHHostname == ""
}

// Destination returns the ssh destination, user@host or host
func (e Endpoint) Destination() string {
	if e.SSHUser == "" {
		return e.SSHHostname
	}
	return e.SSHUser + "@" + e.SSHHostname
}

// Socket returns the remote Docker socket path
func (e Endpoint) Socket() string {
	if e.DockerSocket == "" {
		return DefaultDockerSocket
	}
	return e.DockerSocket
}

// Registry is the read-only set of configured remote hosts
type Registry struct {
	hosts map[string]Endpoint
}

type registryFile struct {
	Hosts []Endpoint `yaml:"hosts" json:"hosts"`
}

const registrySchema = `{
  "type": "object",
  "properties": {
    "hosts": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["alias", "ssh_hostname"],
        "properties": {
          "alias": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"},
          "ssh_user": {"type": "string"},
          "ssh_hostname": {"type": "string", "minLength": 1},
          "ssh_port": {"type": "integer", "minimum": 1, "maximum": 65535},
          "identity_file": {"type": "string"},
          "jump_host": {"type": "string"},
          "docker_socket": {"type": "string"},
          "is_default": {"type": "boolean"}
        }
      }
    }
  }
}`

// Load reads the hosts file at path. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{hosts: map[string]Endpoint{}}, nil
		}
		return nil, fmt.Errorf("failed to read hosts file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes a hosts document
func Parse(data []byte) (*Registry, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if raw == nil {
		return &Registry{hosts: map[string]Endpoint{}}, nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(registrySchema),
		gojsonschema.NewGoLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidRegistry, strings.Join(msgs, "; "))
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}

	reg := &Registry{hosts: make(map[string]Endpoint, len(file.Hosts))}
	defaults := 0
	for _, h := range file.Hosts {
		if h.Alias == LocalAlias {
			return nil, fmt.Errorf("%w: alias %q is reserved", ErrInvalidRegistry, LocalAlias)
		}
		if _, dup := reg.hosts[h.Alias]; dup {
			return nil, fmt.Errorf("%w: duplicate alias %q", ErrInvalidRegistry, h.Alias)
		}
		if h.IsDefault {
			defaults++
		}
		h.IdentityFile = expandHome(h.IdentityFile)
		reg.hosts[h.Alias] = h
	}
	if defaults > 1 {
		return nil, fmt.Errorf("%w: more than one default host", ErrInvalidRegistry)
	}
	return reg, nil
}

// Lookup returns the endpoint for alias. "local" always resolves to Local.
func (r *Registry) Lookup(alias string) (Endpoint, error) {
	if alias == LocalAlias {
		return Local, nil
	}
	h, ok := r.hosts[alias]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrHostNotFound, alias)
	}
	return h, nil
}

// Default returns the host flagged as default, if any
func (r *Registry) Default() (Endpoint, bool) {
	for _, h := range r.hosts {
		if h.IsDefault {
			return h, true
		}
	}
	return Endpoint{}, false
}

// List returns all hosts sorted by alias
func (r *Registry) List() []Endpoint {
	list := make([]Endpoint, 0, len(r.hosts))
	for _, h := range r.hosts {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Alias < list[j].Alias
	})
	return list
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
