package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/babelcloud/gboxctl/internal/engine"
	"github.com/babelcloud/gboxctl/internal/image"
	"github.com/babelcloud/gboxctl/internal/lifecycle"
	"github.com/babelcloud/gboxctl/internal/provenance"
)

const appName = "gboxctl"

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("host.default", "GBOXCTL_HOST")
	v.BindEnv("hosts.file", "GBOXCTL_HOSTS_FILE")
	v.BindEnv("docker.host", "DOCKER_HOST")
	v.BindEnv("image.reference", "GBOXCTL_IMAGE")
	v.BindEnv("image.fallback_registry", "GBOXCTL_FALLBACK_REGISTRY")
	v.BindEnv("image.mode", "GBOXCTL_IMAGE_MODE")
	v.BindEnv("container.name", "GBOXCTL_CONTAINER_NAME")
	v.BindEnv("container.bind_address", "GBOXCTL_BIND_ADDRESS")
	v.BindEnv("container.port", "GBOXCTL_PORT")
	v.BindEnv("tunnel.ssh_path", "GBOXCTL_SSH")
	v.BindEnv("provenance.file", "GBOXCTL_PROVENANCE_FILE")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.gboxctl",
		"/etc/gboxctl",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, appName))

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host.default", "")
	v.SetDefault("hosts.file", filepath.Join(xdg.ConfigHome, appName, "hosts.yml"))
	v.SetDefault("docker.host", "")
	v.SetDefault("image.reference", "babelcloud/gbox-playwright:latest")
	v.SetDefault("image.fallback_registry", "ghcr.io")
	v.SetDefault("image.mode", "pull")
	v.SetDefault("container.name", "gbox")
	v.SetDefault("container.hostname", "gbox")
	v.SetDefault("container.bind_address", lifecycle.DefaultBindAddress)
	v.SetDefault("container.port", 28080)
	v.SetDefault("container.container_port", 8080)
	v.SetDefault("container.volumes", []string{"gbox-data:/var/lib/gbox"})
	v.SetDefault("container.allow_public_bind", false)
	v.SetDefault("container.capabilities", lifecycle.DefaultCapabilities)
	v.SetDefault("container.stop_timeout", 30*time.Second)
	v.SetDefault("tunnel.ssh_path", "ssh")
	v.SetDefault("tunnel.connect_timeout", 5*time.Second)
	v.SetDefault("tunnel.ready_timeout", 10*time.Second)
	v.SetDefault("provenance.file", "")
}

// ConfigFile returns the config file in use, empty when defaults apply
func ConfigFile() string {
	return v.ConfigFileUsed()
}

// GetDefaultHost returns the host alias used when --host is not given
func GetDefaultHost() string {
	return v.GetString("host.default")
}

// GetHostsFile returns the path of the host registry
func GetHostsFile() string {
	return expandHome(v.GetString("hosts.file"))
}

// GetDockerHost returns the local Docker daemon address. DOCKER_HOST and
// docker.host win; otherwise the per-user socket is preferred over the
// system one.
func GetDockerHost() string {
	if host := v.GetString("docker.host"); host != "" {
		return host
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userSocket := filepath.Join(homeDir, ".docker", "run", "docker.sock")
		if _, err := os.Stat(userSocket); err == nil {
			return fmt.Sprintf("unix://%s", userSocket)
		}
	}
	return engine.DefaultLocalHost
}

// GetImageReference returns the configured image reference
func GetImageReference() (image.Reference, error) {
	return image.ParseReference(v.GetString("image.reference"))
}

// GetFallbackRegistry returns the registry tried after the primary one
func GetFallbackRegistry() string {
	return v.GetString("image.fallback_registry")
}

// GetImageMode returns the acquisition mode used when no flag is given
func GetImageMode() (image.Mode, error) {
	return image.ParseMode(v.GetString("image.mode"))
}

// GetRegistryCredentials returns credentials keyed by registry host
func GetRegistryCredentials() map[string]image.Credentials {
	out := map[string]image.Credentials{}
	for name := range v.GetStringMap("registries") {
		key := "registries." + name
		out[name] = image.Credentials{
			Username: v.GetString(key + ".username"),
			Password: v.GetString(key + ".password"),
		}
	}
	return out
}

// GetContainerName returns the name of the managed container
func GetContainerName() string {
	return v.GetString("container.name")
}

// GetStopTimeout returns how long the container gets to stop
func GetStopTimeout() time.Duration {
	return v.GetDuration("container.stop_timeout")
}

// GetContainerSpec assembles the container spec from configuration. The
// image is left empty; callers set it to the reference they acquired.
func GetContainerSpec() (lifecycle.Spec, error) {
	spec := lifecycle.Spec{
		Name:     GetContainerName(),
		Hostname: v.GetString("container.hostname"),
		Ports: []lifecycle.PortBinding{{
			HostIP:        v.GetString("container.bind_address"),
			HostPort:      v.GetInt("container.port"),
			ContainerPort: v.GetInt("container.container_port"),
		}},
		Capabilities:    v.GetStringSlice("container.capabilities"),
		Tmpfs:           lifecycle.DefaultTmpfs,
		Env:             v.GetStringSlice("container.env"),
		AllowPublicBind: v.GetBool("container.allow_public_bind"),
		Labels: map[string]string{
			"io.gboxctl.managed": "true",
		},
	}

	for _, raw := range v.GetStringSlice("container.volumes") {
		vol, err := ParseVolume(raw)
		if err != nil {
			return lifecycle.Spec{}, err
		}
		spec.Volumes = append(spec.Volumes, vol)
	}
	return spec, nil
}

// ParseVolume parses "name:/target[:ro]" or "/host/path:/target[:ro]".
// Sources starting with '/', '.' or '~' are bind mounts.
func ParseVolume(raw string) (lifecycle.Volume, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return lifecycle.Volume{}, &lifecycle.Error{
			Kind: lifecycle.InvalidSpec,
			Err:  fmt.Errorf("volume %q: want source:target[:ro]", raw),
		}
	}

	vol := lifecycle.Volume{Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			vol.ReadOnly = true
		case "rw":
		default:
			return lifecycle.Volume{}, &lifecycle.Error{
				Kind: lifecycle.InvalidSpec,
				Err:  fmt.Errorf("volume %q: unknown mode %q", raw, parts[2]),
			}
		}
	}

	switch parts[0][0] {
	case '/', '.', '~':
		vol.Source = expandHome(parts[0])
	default:
		vol.Name = parts[0]
	}
	return vol, nil
}

// GetSSHPath returns the ssh binary used for tunnels
func GetSSHPath() string {
	return v.GetString("tunnel.ssh_path")
}

// GetTunnelConnectTimeout returns ssh's ConnectTimeout
func GetTunnelConnectTimeout() time.Duration {
	return v.GetDuration("tunnel.connect_timeout")
}

// GetTunnelReadyTimeout returns how long a tunnel gets to become ready
func GetTunnelReadyTimeout() time.Duration {
	return v.GetDuration("tunnel.ready_timeout")
}

// GetProvenanceFile returns the provenance file path
func GetProvenanceFile() (string, error) {
	if path := v.GetString("provenance.file"); path != "" {
		return expandHome(path), nil
	}
	return provenance.DefaultPath()
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
