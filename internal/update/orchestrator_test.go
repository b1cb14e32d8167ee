package update

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
	"github.com/babelcloud/gboxctl/internal/confirm"
	"github.com/babelcloud/gboxctl/internal/engine/enginetest"
	"github.com/babelcloud/gboxctl/internal/image"
	"github.com/babelcloud/gboxctl/internal/lifecycle"
	"github.com/babelcloud/gboxctl/internal/progress"
	"github.com/babelcloud/gboxctl/internal/provenance"
	"github.com/babelcloud/gboxctl/internal/retry"
)

type recordingReconciler struct {
	ids []string
	err error
}

func (r *recordingReconciler) Reconcile(ctx context.Context, id string) error {
	r.ids = append(r.ids, id)
	return r.err
}

type env struct {
	fake       *enginetest.Engine
	ledger     *provenance.Ledger
	containers *lifecycle.Manager
	reconciler *recordingReconciler
	asked      []confirm.Request
	answer     error
	orch       *Orchestrator
	ref        image.Reference
	spec       lifecycle.Spec
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		fake:       enginetest.New(),
		ledger:     provenance.NewLedger(filepath.Join(t.TempDir(), "provenance.json")),
		reconciler: &recordingReconciler{},
	}
	ref, err := image.ParseReference("babelcloud/gbox-playwright:latest")
	require.NoError(t, err)
	e.ref = ref
	e.spec = lifecycle.Spec{
		Name:    "gbox",
		Ports:   []lifecycle.PortBinding{{HostIP: "127.0.0.1", HostPort: 28080, ContainerPort: 8080}},
		Volumes: []lifecycle.Volume{{Name: "gbox-data", Target: "/var/lib/gbox"}},
	}

	acq := image.NewAcquirer(e.fake, e.ledger,
		image.WithFallbackRegistry("ghcr.io"),
		image.WithRetryOptions(retry.WithSleep(func(ctx context.Context, d time.Duration) error { return nil })),
	)
	e.containers = lifecycle.NewManager(e.fake, nil, nil)
	confirmer := confirm.Func(func(ctx context.Context, req confirm.Request) error {
		e.asked = append(e.asked, req)
		return e.answer
	})
	e.orch = NewOrchestrator(e.fake, acq, e.containers, e.ledger, confirmer,
		WithReconciler(e.reconciler),
		WithStopGrace(time.Second),
	)
	return e
}

// install creates and starts the container from the current image and
// records its provenance
func (e *env) install(t *testing.T) string {
	t.Helper()
	id := e.fake.AddImage(e.ref.String())
	registry := "docker.io"
	require.NoError(t, e.ledger.Write(provenance.Record{Version: "latest", Source: provenance.SourcePrebuilt, Registry: &registry, ImageID: id}))

	spec := e.spec
	spec.Image = e.ref.String()
	cid, err := e.containers.Create(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, e.containers.Start(context.Background(), cid))
	e.fake.Volumes["gbox-data"] = "user data"
	return id
}

func (e *env) running(t *testing.T) *lifecycle.Info {
	t.Helper()
	info, err := e.containers.Inspect(context.Background(), "gbox")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, lifecycle.Running, info.State)
	return info
}

func TestUpdateKeepsPreviousImageAndVolumes(t *testing.T) {
	e := newEnv(t)
	oldID := e.install(t)
	sink := &progress.Recorder{}

	res, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, sink)
	require.NoError(t, err)

	prevID, ok := e.fake.ImageID(e.ref.Previous().String())
	require.True(t, ok, "previous tag must exist after update")
	assert.Equal(t, oldID, prevID)
	assert.Equal(t, e.ref.Previous().String(), res.PreviousImage)

	newID, _ := e.fake.ImageID(e.ref.String())
	assert.NotEqual(t, oldID, newID)
	info := e.running(t)
	assert.Equal(t, newID, info.ImageID)
	assert.Equal(t, res.ContainerID, info.ID)

	assert.Equal(t, "user data", e.fake.Volumes["gbox-data"])
	assert.Empty(t, e.fake.CallsWithPrefix("volume-remove"))
	assert.Equal(t, []string{res.ContainerID}, e.reconciler.ids)

	require.Len(t, e.asked, 1)
	assert.True(t, e.asked[0].Bypassable)
	assert.NotEmpty(t, sink.Steps)

	rec, err := e.ledger.Read()
	require.NoError(t, err)
	assert.Equal(t, newID, rec.ImageID)
}

func TestUpdateAcquiresBeforeStopping(t *testing.T) {
	e := newEnv(t)
	e.install(t)

	_, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, nil)
	require.NoError(t, err)

	var pullAt, tagAt, stopAt int
	for i, c := range e.fake.Calls {
		switch {
		case pullAt == 0 && strings.HasPrefix(c, "pull "):
			pullAt = i
		case tagAt == 0 && strings.HasPrefix(c, "tag "):
			tagAt = i
		case stopAt == 0 && strings.HasPrefix(c, "stop "):
			stopAt = i
		}
	}
	assert.Less(t, pullAt, tagAt)
	assert.Less(t, tagAt, stopAt)
}

func TestUpdateFreshInstallSkipsPreviousTag(t *testing.T) {
	e := newEnv(t)

	res, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, nil)

	require.NoError(t, err)
	assert.Empty(t, res.PreviousImage)
	assert.Empty(t, e.fake.CallsWithPrefix("tag"))
	_, ok := e.fake.ImageID(e.ref.Previous().String())
	assert.False(t, ok)
	e.running(t)
}

func TestUpdateAcquisitionFailureLeavesStateUntouched(t *testing.T) {
	e := newEnv(t)
	oldID := e.install(t)
	before := e.running(t)
	e.fake.PullFunc = func(string) (io.ReadCloser, error) {
		return nil, errors.New("no route to host")
	}

	_, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, nil)

	var uErr *Error
	require.True(t, errors.As(err, &uErr))
	assert.Equal(t, StageAcquire, uErr.Stage)
	assert.False(t, uErr.ContainerReplaced())
	var iErr *image.Error
	require.True(t, errors.As(err, &iErr))
	assert.Equal(t, image.RegistriesExhausted, iErr.Kind)
	assert.Equal(t, commonerrors.FamilyTransient, commonerrors.Classify(err))

	after := e.running(t)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, oldID, after.ImageID)
	assert.Empty(t, e.fake.CallsWithPrefix("stop"))
	assert.Empty(t, e.fake.CallsWithPrefix("remove"))
	_, ok := e.fake.ImageID(e.ref.Previous().String())
	assert.False(t, ok, "previous tag must not be touched")
}

func TestUpdateNotConfirmed(t *testing.T) {
	e := newEnv(t)
	e.install(t)
	e.answer = confirm.ErrNotConfirmed

	_, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, nil)

	assert.ErrorIs(t, err, confirm.ErrNotConfirmed)
	assert.Equal(t, commonerrors.FamilyUnconfirmed, commonerrors.Classify(err))
	assert.Empty(t, e.fake.CallsWithPrefix("pull"))
	assert.Empty(t, e.fake.CallsWithPrefix("stop"))
}

func TestUpdateReconcileFailure(t *testing.T) {
	e := newEnv(t)
	e.install(t)
	e.reconciler.err = errors.New("useradd failed")

	_, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModeBuildCached}, nil)

	var uErr *Error
	require.True(t, errors.As(err, &uErr))
	assert.Equal(t, StageReconcile, uErr.Stage)
	assert.True(t, uErr.ContainerReplaced())
}

func TestRollbackRestoresPreviousImage(t *testing.T) {
	e := newEnv(t)
	oldID := e.install(t)
	_, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, nil)
	require.NoError(t, err)
	e.asked = nil

	res, err := e.orch.Rollback(context.Background(), e.spec, e.ref, nil)
	require.NoError(t, err)

	info := e.running(t)
	assert.Equal(t, oldID, info.ImageID)
	assert.Equal(t, res.ContainerID, info.ID)
	current, _ := e.fake.ImageID(e.ref.String())
	assert.Equal(t, oldID, current)
	assert.Equal(t, "user data", e.fake.Volumes["gbox-data"])
	assert.Len(t, e.reconciler.ids, 2)
	require.Len(t, e.asked, 1)

	rec, err := e.ledger.Read()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, oldID, rec.ImageID)
}

func TestUpdateWithUnchangedImageKeepsRollbackTarget(t *testing.T) {
	e := newEnv(t)
	oldID := e.install(t)
	_, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, nil)
	require.NoError(t, err)
	updated := e.running(t)

	// the registry has nothing newer
	e.fake.PullFunc = func(string) (io.ReadCloser, error) {
		return enginetest.Stream(jsonmessage.JSONMessage{Status: "Status: Image is up to date"}), nil
	}
	stops := len(e.fake.CallsWithPrefix("stop"))

	res, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, nil)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Empty(t, res.PreviousImage)
	assert.Equal(t, updated.ID, res.ContainerID)
	assert.Len(t, e.fake.CallsWithPrefix("stop"), stops, "container is left running")
	prevID, _ := e.fake.ImageID(e.ref.Previous().String())
	assert.Equal(t, oldID, prevID)

	_, err = e.orch.Rollback(context.Background(), e.spec, e.ref, nil)
	require.NoError(t, err)

	info := e.running(t)
	assert.Equal(t, oldID, info.ImageID)
	rec, err := e.ledger.Read()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, info.ImageID, rec.ImageID, "provenance describes the running image")
}

func TestUpdateReplacedImageStaysUsable(t *testing.T) {
	e := newEnv(t)
	oldID := e.install(t)

	_, err := e.orch.Update(context.Background(), Request{Spec: e.spec, Reference: e.ref, Mode: image.ModePull}, nil)
	require.NoError(t, err)

	tags := e.fake.CallsWithPrefix("tag")
	require.Len(t, tags, 1)
	assert.Equal(t, "tag "+oldID+" "+e.ref.Previous().String(), tags[0])
}

func TestRollbackWithoutPreviousImage(t *testing.T) {
	e := newEnv(t)
	e.install(t)

	_, err := e.orch.Rollback(context.Background(), e.spec, e.ref, nil)

	assert.ErrorIs(t, err, ErrNoPreviousImage)
	assert.Equal(t, commonerrors.FamilyConfiguration, commonerrors.Classify(err))
	assert.Empty(t, e.asked, "fails before asking")
	assert.Empty(t, e.fake.CallsWithPrefix("stop"))
	e.running(t)
}

func TestRollbackWithoutContainer(t *testing.T) {
	e := newEnv(t)
	id := e.fake.AddImage(e.ref.Previous().String())

	res, err := e.orch.Rollback(context.Background(), e.spec, e.ref, nil)

	require.NoError(t, err)
	info := e.running(t)
	assert.Equal(t, id, info.ImageID)
	assert.Equal(t, e.ref, res.NewImage)

	rec, err := e.ledger.Read()
	require.NoError(t, err)
	assert.Nil(t, rec, "provenance is unknown without a previous record")
}
