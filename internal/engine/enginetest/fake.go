// Package enginetest provides an in-memory engine.API for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/babelcloud/gboxctl/internal/engine"
)

// Container is the fake's view of a container
type Container struct {
	ID         string
	Name       string
	Image      string
	ImageID    string
	Running    bool
	Started    bool
	Config     *container.Config
	HostConfig *container.HostConfig
}

// Engine is a fake Docker daemon. Image references are matched verbatim.
type Engine struct {
	mu sync.Mutex

	// Images maps references to image IDs
	Images map[string]string
	// Known holds every image ID the daemon has stored. Moving a tag off an
	// image leaves it here as a dangling image.
	Known map[string]bool
	// Containers maps names to containers
	Containers map[string]*Container
	// Volumes maps volume names to content markers
	Volumes map[string]string
	// Calls records every API call as "<op> <arg>"
	Calls []string

	PingErr   error
	CreateErr error
	StartErr  error
	// PullFunc overrides ImagePull; the default registers the image
	PullFunc func(ref string) (io.ReadCloser, error)
	// BuildFunc overrides ImageBuild; the default registers the tags
	BuildFunc func(options types.ImageBuildOptions) (types.ImageBuildResponse, error)

	// LastBuildContext holds the bytes of the last build context
	LastBuildContext []byte
	// LastPullOptions holds the options of the last pull
	LastPullOptions types.ImagePullOptions
	// LastBuildOptions holds the options of the last build
	LastBuildOptions types.ImageBuildOptions
	// LastStopOptions holds the options of the last container stop
	LastStopOptions container.StopOptions

	Closed bool
	seq    int
}

var _ engine.API = (*Engine)(nil)

// New creates an empty fake
func New() *Engine {
	return &Engine{
		Images:     map[string]string{},
		Known:      map[string]bool{},
		Containers: map[string]*Container{},
		Volumes:    map[string]string{},
	}
}

func (e *Engine) record(op, arg string) {
	e.Calls = append(e.Calls, op+" "+arg)
}

func (e *Engine) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s%04d", prefix, e.seq)
}

// AddImage registers an image and returns its ID
func (e *Engine) AddImage(ref string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID("sha256:img")
	e.store(ref, id)
	return id
}

// store points ref at id and remembers the image
func (e *Engine) store(ref, id string) {
	e.Images[ref] = id
	e.Known[id] = true
}

// CallsWithPrefix returns recorded calls starting with op
func (e *Engine) CallsWithPrefix(op string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, c := range e.Calls {
		if strings.HasPrefix(c, op+" ") {
			out = append(out, c)
		}
	}
	return out
}

// ImageID returns the ID a reference points at
func (e *Engine) ImageID(ref string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.Images[ref]
	return id, ok
}

func (e *Engine) resolveImage(ref string) (string, bool) {
	if id, ok := e.Images[ref]; ok {
		return id, true
	}
	if e.Known[ref] {
		return ref, true
	}
	return "", false
}

func (e *Engine) findContainer(idOrName string) (*Container, bool) {
	name := strings.TrimPrefix(idOrName, "/")
	if c, ok := e.Containers[name]; ok {
		return c, true
	}
	for _, c := range e.Containers {
		if c.ID == idOrName {
			return c, true
		}
	}
	return nil, false
}

// Ping implements engine.API
func (e *Engine) Ping(ctx context.Context) (types.Ping, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ping", "")
	if e.PingErr != nil {
		return types.Ping{}, e.PingErr
	}
	return types.Ping{APIVersion: "1.44", OSType: "linux"}, nil
}

// ImageInspectWithRaw implements engine.API
func (e *Engine) ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("inspect-image", ref)
	id, ok := e.resolveImage(ref)
	if !ok {
		return types.ImageInspect{}, nil, errdefs.NotFound(fmt.Errorf("No such image: %s", ref))
	}
	var tags []string
	for r, rid := range e.Images {
		if rid == id {
			tags = append(tags, r)
		}
	}
	return types.ImageInspect{ID: id, RepoTags: tags}, nil, nil
}

// ImagePull implements engine.API
func (e *Engine) ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error) {
	e.mu.Lock()
	e.record("pull", ref)
	e.LastPullOptions = options
	pull := e.PullFunc
	e.mu.Unlock()

	if pull != nil {
		return pull(ref)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store(ref, e.nextID("sha256:img"))
	return Stream(
		jsonmessage.JSONMessage{Status: "Pulling from " + ref},
		jsonmessage.JSONMessage{ID: "layer1", Status: "Downloading", Progress: &jsonmessage.JSONProgress{Current: 50, Total: 100}},
		jsonmessage.JSONMessage{ID: "layer1", Status: "Pull complete"},
		jsonmessage.JSONMessage{Status: "Status: Downloaded newer image for " + ref},
	), nil
}

// ImageBuild implements engine.API
func (e *Engine) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	data, err := io.ReadAll(buildContext)
	if err != nil {
		return types.ImageBuildResponse{}, err
	}

	e.mu.Lock()
	e.record("build", strings.Join(options.Tags, ","))
	e.LastBuildContext = data
	e.LastBuildOptions = options
	build := e.BuildFunc
	e.mu.Unlock()

	if build != nil {
		return build(options)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID("sha256:built")
	for _, tag := range options.Tags {
		e.store(tag, id)
	}
	return types.ImageBuildResponse{
		Body: Stream(
			jsonmessage.JSONMessage{Stream: "Step 1/2 : FROM base\n"},
			jsonmessage.JSONMessage{Stream: "Step 2/2 : RUN true\n"},
			jsonmessage.JSONMessage{Stream: "Successfully built " + id + "\n"},
		),
	}, nil
}

// ImageTag implements engine.API
func (e *Engine) ImageTag(ctx context.Context, source, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("tag", source+" "+target)
	id, ok := e.resolveImage(source)
	if !ok {
		return errdefs.NotFound(fmt.Errorf("No such image: %s", source))
	}
	e.store(target, id)
	return nil
}

// ContainerInspect implements engine.API
func (e *Engine) ContainerInspect(ctx context.Context, idOrName string) (types.ContainerJSON, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("inspect-container", idOrName)
	c, ok := e.findContainer(idOrName)
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(fmt.Errorf("No such container: %s", idOrName))
	}

	status := "created"
	if c.Running {
		status = "running"
	} else if c.Started {
		status = "exited"
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:         c.ID,
			Name:       "/" + c.Name,
			Image:      c.ImageID,
			HostConfig: c.HostConfig,
			State: &types.ContainerState{
				Status:  status,
				Running: c.Running,
			},
		},
		Config: c.Config,
	}, nil
}

// ContainerCreate implements engine.API
func (e *Engine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create", name)
	if e.CreateErr != nil {
		return container.CreateResponse{}, e.CreateErr
	}
	if _, exists := e.Containers[name]; exists {
		return container.CreateResponse{}, errdefs.Conflict(fmt.Errorf("Conflict. The container name %q is already in use", "/"+name))
	}
	imageID, ok := e.resolveImage(config.Image)
	if !ok {
		return container.CreateResponse{}, errdefs.NotFound(fmt.Errorf("No such image: %s", config.Image))
	}
	if hostConfig != nil {
		for _, m := range hostConfig.Mounts {
			if m.Type == "volume" {
				if _, ok := e.Volumes[m.Source]; !ok {
					e.Volumes[m.Source] = ""
				}
			}
		}
	}

	c := &Container{
		ID:         e.nextID("c"),
		Name:       name,
		Image:      config.Image,
		ImageID:    imageID,
		Config:     config,
		HostConfig: hostConfig,
	}
	e.Containers[name] = c
	return container.CreateResponse{ID: c.ID}, nil
}

// ContainerStart implements engine.API
func (e *Engine) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("start", id)
	c, ok := e.findContainer(id)
	if !ok {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	if e.StartErr != nil {
		return e.StartErr
	}
	c.Running = true
	c.Started = true
	return nil
}

// ContainerStop implements engine.API
func (e *Engine) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("stop", id)
	e.LastStopOptions = options
	c, ok := e.findContainer(id)
	if !ok {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	c.Running = false
	return nil
}

// ContainerRemove implements engine.API
func (e *Engine) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("remove", id)
	c, ok := e.findContainer(id)
	if !ok {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	if c.Running && !options.Force {
		return errdefs.Conflict(fmt.Errorf("You cannot remove a running container %s", c.ID))
	}
	delete(e.Containers, c.Name)
	return nil
}

// VolumeRemove implements engine.API
func (e *Engine) VolumeRemove(ctx context.Context, name string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("volume-remove", name)
	if _, ok := e.Volumes[name]; !ok {
		return errdefs.NotFound(fmt.Errorf("get %s: no such volume", name))
	}
	delete(e.Volumes, name)
	return nil
}

// Close implements engine.API
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed = true
	return nil
}

// Stream encodes messages as a daemon JSON stream
func Stream(msgs ...jsonmessage.JSONMessage) io.ReadCloser {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	for _, m := range msgs {
		_ = enc.Encode(m)
	}
	return io.NopCloser(strings.NewReader(b.String()))
}
