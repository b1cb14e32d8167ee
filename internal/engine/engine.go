package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/babelcloud/gboxctl/internal/version"
)

// DefaultLocalHost is the socket of a local Docker daemon
const DefaultLocalHost = "unix:///var/run/docker.sock"

// API is the subset of the Docker client used by gboxctl.
// *client.Client satisfies it; tests provide fakes.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)

	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error

	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error

	VolumeRemove(ctx context.Context, volumeID string, force bool) error

	Close() error
}

var _ API = (*client.Client)(nil)

// Factory creates an engine client for a daemon address
type Factory func(host string) (API, error)

// NewClient creates a Docker client for the given daemon address with API
// version negotiation enabled
func NewClient(host string) (API, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
		client.WithHTTPHeaders(map[string]string{"User-Agent": version.UserAgent()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}
