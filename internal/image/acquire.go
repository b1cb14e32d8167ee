package image

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/errdefs"

	"github.com/babelcloud/gboxctl/internal/engine"
	"github.com/babelcloud/gboxctl/internal/image/definition"
	"github.com/babelcloud/gboxctl/internal/progress"
	"github.com/babelcloud/gboxctl/internal/provenance"
	"github.com/babelcloud/gboxctl/internal/retry"
	"github.com/babelcloud/gboxctl/pkg/logger"
)

const (
	// attemptsPerRegistry bounds pulls per registry before moving on
	attemptsPerRegistry = 3
	pullInitialDelay    = time.Second
)

// Recorder persists provenance. *provenance.Ledger satisfies it.
type Recorder interface {
	Write(rec provenance.Record) error
}

// Credentials authenticate against one registry
type Credentials struct {
	Username string
	Password string
}

// Request describes one acquisition
type Request struct {
	Reference Reference
	Mode      Mode
	// AlwaysPull skips the local-image shortcut of pull mode
	AlwaysPull bool
}

// Acquirer obtains images by pulling or building
type Acquirer struct {
	engine   engine.API
	ledger   Recorder
	fallback string
	auth     map[string]Credentials
	labels   map[string]string
	retry    []retry.Option
	logger   *logger.Logger
}

// Option configures an Acquirer
type Option func(*Acquirer)

// WithFallbackRegistry sets the registry tried after the primary one
func WithFallbackRegistry(registry string) Option {
	return func(a *Acquirer) {
		a.fallback = registry
	}
}

// WithCredentials sets credentials per registry host
func WithCredentials(auth map[string]Credentials) Option {
	return func(a *Acquirer) {
		a.auth = auth
	}
}

// WithLabels sets labels applied to built images
func WithLabels(labels map[string]string) Option {
	return func(a *Acquirer) {
		a.labels = labels
	}
}

// WithRetryOptions adjusts the per-registry retry policy
func WithRetryOptions(opts ...retry.Option) Option {
	return func(a *Acquirer) {
		a.retry = append(a.retry, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(a *Acquirer) {
		a.logger = l
	}
}

// NewAcquirer creates an acquirer. ledger may be nil.
func NewAcquirer(api engine.API, ledger Recorder, opts ...Option) *Acquirer {
	a := &Acquirer{
		engine: api,
		ledger: ledger,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire makes req.Reference available on the daemon and records its
// provenance. The returned reference names the registry that served it.
func (a *Acquirer) Acquire(ctx context.Context, req Request, sink progress.Sink) (Reference, error) {
	if sink == nil {
		sink = progress.Discard
	}
	switch req.Mode {
	case ModePull:
		return a.pull(ctx, req, sink)
	case ModeBuildCached, ModeBuildFresh:
		return a.build(ctx, req, sink)
	default:
		return Reference{}, &Error{Kind: InvalidMode, Reference: req.Reference.String(), Err: fmt.Errorf("unsupported mode %s", req.Mode)}
	}
}

// Present returns the local image ID for ref, or "" when it is not present
func (a *Acquirer) Present(ctx context.Context, ref Reference) (string, error) {
	return Lookup(ctx, a.engine, ref.String())
}

// Lookup returns the image ID for ref, or "" when the daemon does not have it
func Lookup(ctx context.Context, api engine.API, ref string) (string, error) {
	inspect, _, err := api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return inspect.ID, nil
}

func (a *Acquirer) pull(ctx context.Context, req Request, sink progress.Sink) (Reference, error) {
	ref := req.Reference

	if !req.AlwaysPull {
		id, err := a.Present(ctx, ref)
		if err != nil {
			return Reference{}, err
		}
		if id != "" {
			a.logger.Debug("image %s already present (%s)", ref.Familiar(), id)
			if err := a.record(ref, provenance.SourcePrebuilt, &ref.Registry, id); err != nil {
				return Reference{}, err
			}
			return ref, nil
		}
	}

	registries := []string{ref.Registry}
	if a.fallback != "" && a.fallback != ref.Registry {
		registries = append(registries, a.fallback)
	}

	var attempts []Attempt
	for _, reg := range registries {
		candidate := ref.WithRegistry(reg)
		policy := retry.NewPolicy(append([]retry.Option{
			retry.WithMaxAttempts(attemptsPerRegistry),
			retry.WithInitialDelay(pullInitialDelay),
			retry.WithLogger(a.logger),
		}, a.retry...)...)

		err := policy.Execute(ctx, func(n int) error {
			sink.Step(fmt.Sprintf("Pulling %s (attempt %d/%d)", candidate.Familiar(), n, attemptsPerRegistry))
			err := a.pullOnce(ctx, candidate, sink)
			if err != nil {
				a.logger.Warn("pull of %s failed: %v", candidate.Familiar(), err)
				attempts = append(attempts, Attempt{Registry: reg, Number: n, Err: err})
			}
			return err
		})
		if err == nil {
			return a.pulled(ctx, ref, candidate)
		}
		if ctx.Err() != nil {
			return Reference{}, fmt.Errorf("pull of %s interrupted: %w", ref.Familiar(), ctx.Err())
		}
	}

	return Reference{}, &Error{Kind: RegistriesExhausted, Reference: ref.String(), Attempts: attempts}
}

// pulled tags a fallback pull under the primary name and records provenance
func (a *Acquirer) pulled(ctx context.Context, ref, served Reference) (Reference, error) {
	if served.Registry != ref.Registry {
		if err := a.engine.ImageTag(ctx, served.String(), ref.String()); err != nil {
			return Reference{}, fmt.Errorf("failed to tag %s as %s: %w", served.String(), ref.String(), err)
		}
	}
	id, err := a.Present(ctx, ref)
	if err != nil {
		return Reference{}, err
	}
	registryName := served.Registry
	if err := a.record(ref, provenance.SourcePrebuilt, &registryName, id); err != nil {
		return Reference{}, err
	}
	return served, nil
}

func (a *Acquirer) pullOnce(ctx context.Context, ref Reference, sink progress.Sink) error {
	opts := types.ImagePullOptions{}
	if creds, ok := a.auth[ref.Registry]; ok {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      creds.Username,
			Password:      creds.Password,
			ServerAddress: ref.Registry,
		})
		if err != nil {
			return fmt.Errorf("failed to encode registry credentials: %w", err)
		}
		opts.RegistryAuth = encoded
	}

	body, err := a.engine.ImagePull(ctx, ref.String(), opts)
	if err != nil {
		return err
	}
	defer body.Close()

	return progress.TrackPull(body, ref.Familiar(), sink)
}

func (a *Acquirer) build(ctx context.Context, req Request, sink progress.Sink) (Reference, error) {
	ref := req.Reference
	fresh := req.Mode == ModeBuildFresh

	buildContext, err := definition.Context()
	if err != nil {
		return Reference{}, &Error{Kind: BuildFailed, Reference: ref.String(), Err: err}
	}

	if fresh {
		sink.Step(fmt.Sprintf("Building %s without cache", ref.Familiar()))
	} else {
		sink.Step(fmt.Sprintf("Building %s", ref.Familiar()))
	}

	resp, err := a.engine.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{ref.String()},
		Dockerfile:  definition.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		NoCache:     fresh,
		PullParent:  fresh,
		Labels:      a.labels,
	})
	if err != nil {
		return Reference{}, &Error{Kind: BuildFailed, Reference: ref.String(), Err: err}
	}
	defer resp.Body.Close()

	id, err := progress.TrackBuild(resp.Body, sink)
	if err != nil {
		var streamErr *progress.StreamError
		if errors.As(err, &streamErr) || ctx.Err() == nil {
			return Reference{}, &Error{Kind: BuildFailed, Reference: ref.String(), Err: err}
		}
		return Reference{}, fmt.Errorf("build of %s interrupted: %w", ref.Familiar(), ctx.Err())
	}
	if id == "" {
		if id, err = a.Present(ctx, ref); err != nil {
			return Reference{}, err
		}
	}

	if err := a.record(ref, provenance.SourceBuilt, nil, id); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

func (a *Acquirer) record(ref Reference, source provenance.Source, registryName *string, imageID string) error {
	if a.ledger == nil {
		return nil
	}
	err := a.ledger.Write(provenance.Record{
		Version:    ref.Tag,
		Source:     source,
		Registry:   registryName,
		AcquiredAt: time.Now().UTC(),
		ImageID:    imageID,
	})
	if err != nil {
		return fmt.Errorf("failed to record provenance: %w", err)
	}
	return nil
}
