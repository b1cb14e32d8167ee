package image

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
	"github.com/babelcloud/gboxctl/internal/engine/enginetest"
	"github.com/babelcloud/gboxctl/internal/progress"
	"github.com/babelcloud/gboxctl/internal/provenance"
	"github.com/babelcloud/gboxctl/internal/retry"
)

const fallbackRegistry = "ghcr.io"

type fixture struct {
	fake   *enginetest.Engine
	ledger *provenance.Ledger
	sleeps []time.Duration
	acq    *Acquirer
	ref    Reference
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		fake:   enginetest.New(),
		ledger: provenance.NewLedger(filepath.Join(t.TempDir(), "provenance.json")),
	}
	ref, err := ParseReference("babelcloud/gbox-playwright:1.4")
	require.NoError(t, err)
	f.ref = ref

	opts = append([]Option{
		WithFallbackRegistry(fallbackRegistry),
		WithRetryOptions(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		})),
	}, opts...)
	f.acq = NewAcquirer(f.fake, f.ledger, opts...)
	return f
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		in                   string
		registry, repo, tag  string
		familiar, normalized string
	}{
		{"gbox", "docker.io", "library/gbox", "latest", "gbox:latest", "docker.io/library/gbox:latest"},
		{"babelcloud/gbox-playwright:1.4", "docker.io", "babelcloud/gbox-playwright", "1.4", "babelcloud/gbox-playwright:1.4", "docker.io/babelcloud/gbox-playwright:1.4"},
		{"ghcr.io/babelcloud/gbox:dev", "ghcr.io", "babelcloud/gbox", "dev", "ghcr.io/babelcloud/gbox:dev", "ghcr.io/babelcloud/gbox:dev"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseReference(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.registry, ref.Registry)
			assert.Equal(t, tt.repo, ref.Repository)
			assert.Equal(t, tt.tag, ref.Tag)
			assert.Equal(t, tt.normalized, ref.String())
			assert.Equal(t, tt.familiar, ref.Familiar())
		})
	}

	ref, err := ParseReference("babelcloud/gbox:1")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/babelcloud/gbox:previous", ref.Previous().String())
	assert.Equal(t, "ghcr.io/babelcloud/gbox:1", ref.WithRegistry("ghcr.io").String())
}

func TestParseReferenceInvalid(t *testing.T) {
	for _, in := range []string{"", "gbox/UPPER", "bad::ref", "gbox@sha256:" + strings.Repeat("a", 64)} {
		_, err := ParseReference(in)
		var iErr *Error
		require.True(t, errors.As(err, &iErr), in)
		assert.Equal(t, InvalidReference, iErr.Kind)
	}
}

func TestModeFromFlags(t *testing.T) {
	tests := []struct {
		name                 string
		pull, build, rebuild bool
		fallback             Mode
		want                 Mode
		conflict             bool
	}{
		{"none uses configured default", false, false, false, ModeBuildCached, ModeBuildCached, false},
		{"pull", true, false, false, ModeBuildCached, ModePull, false},
		{"build", false, true, false, ModePull, ModeBuildCached, false},
		{"rebuild", false, false, true, ModePull, ModeBuildFresh, false},
		{"pull and rebuild", true, false, true, ModePull, ModePull, true},
		{"build and rebuild", false, true, true, ModePull, ModePull, true},
		{"all three", true, true, true, ModePull, ModePull, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := ModeFromFlags(tt.pull, tt.build, tt.rebuild, tt.fallback)
			if !tt.conflict {
				require.NoError(t, err)
				assert.Equal(t, tt.want, mode)
				return
			}
			var iErr *Error
			require.True(t, errors.As(err, &iErr))
			assert.Equal(t, ConflictingModes, iErr.Kind)
			assert.Equal(t, commonerrors.FamilyConfiguration, commonerrors.Classify(err))
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Rebuild")
	require.NoError(t, err)
	assert.Equal(t, ModeBuildFresh, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePull, m)

	_, err = ParseMode("download")
	assert.Error(t, err)
}

func TestPullLocalHitSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	id := f.fake.AddImage(f.ref.String())

	got, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModePull}, nil)

	require.NoError(t, err)
	assert.Equal(t, f.ref, got)
	assert.Empty(t, f.fake.CallsWithPrefix("pull"))

	rec, err := f.ledger.Read()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, provenance.SourcePrebuilt, rec.Source)
	assert.Equal(t, "1.4", rec.Version)
	assert.Equal(t, id, rec.ImageID)
}

func TestPullAlwaysPullIgnoresLocalImage(t *testing.T) {
	f := newFixture(t)
	f.fake.AddImage(f.ref.String())
	rec := &progress.Recorder{}

	got, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModePull, AlwaysPull: true}, rec)

	require.NoError(t, err)
	assert.Equal(t, "docker.io", got.Registry)
	assert.Equal(t, []string{"pull " + f.ref.String()}, f.fake.CallsWithPrefix("pull"))
	assert.NotEmpty(t, rec.Snapshots)
	assert.Equal(t, "Pulling babelcloud/gbox-playwright:1.4 (attempt 1/3)", rec.Steps[0])
}

func TestPullExhaustsPrimaryThenFallback(t *testing.T) {
	f := newFixture(t)
	f.fake.PullFunc = func(ref string) (io.ReadCloser, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}

	_, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModePull}, nil)

	var iErr *Error
	require.True(t, errors.As(err, &iErr))
	assert.Equal(t, RegistriesExhausted, iErr.Kind)
	assert.Equal(t, commonerrors.FamilyTransient, commonerrors.Classify(err))
	require.Len(t, iErr.Attempts, 6)
	assert.Len(t, iErr.AttemptsFor("docker.io"), 3)
	assert.Len(t, iErr.AttemptsFor(fallbackRegistry), 3)

	primary := "pull docker.io/babelcloud/gbox-playwright:1.4"
	fallback := "pull ghcr.io/babelcloud/gbox-playwright:1.4"
	assert.Equal(t, []string{primary, primary, primary, fallback, fallback, fallback}, f.fake.CallsWithPrefix("pull"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second, 2 * time.Second}, f.sleeps)
	assert.Contains(t, err.Error(), "after 6 attempts")

	rec, err := f.ledger.Read()
	require.NoError(t, err)
	assert.Nil(t, rec, "failed acquisitions must not touch provenance")
}

func TestPullFallbackServesAndIsTaggedWithPrimaryName(t *testing.T) {
	f := newFixture(t)
	f.fake.PullFunc = func(ref string) (io.ReadCloser, error) {
		if strings.HasPrefix(ref, "docker.io/") {
			return nil, errors.New("toomanyrequests: rate limit")
		}
		f.fake.AddImage(ref)
		return enginetest.Stream(jsonmessage.JSONMessage{ID: "l1", Status: "Pull complete"}), nil
	}

	got, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModePull}, nil)

	require.NoError(t, err)
	assert.Equal(t, fallbackRegistry, got.Registry)
	assert.Equal(t, []string{"tag ghcr.io/babelcloud/gbox-playwright:1.4 docker.io/babelcloud/gbox-playwright:1.4"}, f.fake.CallsWithPrefix("tag"))
	_, ok := f.fake.ImageID(f.ref.String())
	assert.True(t, ok)

	rec, err := f.ledger.Read()
	require.NoError(t, err)
	assert.Equal(t, fallbackRegistry, rec.RegistryName())
}

func TestPullStreamErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.fake.PullFunc = func(ref string) (io.ReadCloser, error) {
		calls++
		if calls == 1 {
			return enginetest.Stream(jsonmessage.JSONMessage{Error: &jsonmessage.JSONError{Message: "unexpected EOF"}}), nil
		}
		f.fake.AddImage(ref)
		return enginetest.Stream(), nil
	}

	got, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModePull, AlwaysPull: true}, nil)

	require.NoError(t, err)
	assert.Equal(t, "docker.io", got.Registry)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps)
}

func TestPullSendsRegistryCredentials(t *testing.T) {
	f := newFixture(t, WithCredentials(map[string]Credentials{
		"docker.io": {Username: "robot", Password: "s3cret"},
	}))

	_, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModePull}, nil)
	require.NoError(t, err)

	raw, err := base64.URLEncoding.DecodeString(f.fake.LastPullOptions.RegistryAuth)
	require.NoError(t, err)
	var auth registry.AuthConfig
	require.NoError(t, json.Unmarshal(raw, &auth))
	assert.Equal(t, "robot", auth.Username)
	assert.Equal(t, "docker.io", auth.ServerAddress)
}

func TestBuildCached(t *testing.T) {
	f := newFixture(t, WithLabels(map[string]string{"gbox.managed-by": "gboxctl"}))
	rec := &progress.Recorder{}

	got, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModeBuildCached}, rec)

	require.NoError(t, err)
	assert.Equal(t, f.ref, got)
	opts := f.fake.LastBuildOptions
	assert.Equal(t, []string{f.ref.String()}, opts.Tags)
	assert.False(t, opts.NoCache)
	assert.False(t, opts.PullParent)
	assert.Equal(t, "gboxctl", opts.Labels["gbox.managed-by"])
	assert.NotEmpty(t, rec.BuildLines)
	assert.Empty(t, f.fake.CallsWithPrefix("pull"))

	names := tarNames(t, f.fake.LastBuildContext)
	assert.Contains(t, names, "Dockerfile")

	ledger, err := f.ledger.Read()
	require.NoError(t, err)
	assert.Equal(t, provenance.SourceBuilt, ledger.Source)
	assert.Nil(t, ledger.Registry)
}

func TestBuildFreshBypassesCache(t *testing.T) {
	f := newFixture(t)

	_, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModeBuildFresh}, nil)

	require.NoError(t, err)
	assert.True(t, f.fake.LastBuildOptions.NoCache)
	assert.True(t, f.fake.LastBuildOptions.PullParent)
}

func TestBuildFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.BuildFunc = func(types.ImageBuildOptions) (types.ImageBuildResponse, error) {
		return types.ImageBuildResponse{Body: enginetest.Stream(
			jsonmessage.JSONMessage{Stream: "Step 1/2 : RUN apt-get update\n"},
			jsonmessage.JSONMessage{Error: &jsonmessage.JSONError{Message: "returned a non-zero code: 100"}},
		)}, nil
	}

	_, err := f.acq.Acquire(context.Background(), Request{Reference: f.ref, Mode: ModeBuildCached}, nil)

	var iErr *Error
	require.True(t, errors.As(err, &iErr))
	assert.Equal(t, BuildFailed, iErr.Kind)
	assert.Equal(t, commonerrors.FamilyConfiguration, commonerrors.Classify(err))

	rec, err := f.ledger.Read()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func tarNames(t *testing.T, data []byte) []string {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(data))
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
}
