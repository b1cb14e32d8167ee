package update

import (
	"context"
	"fmt"
	"time"

	"github.com/babelcloud/gboxctl/internal/confirm"
	"github.com/babelcloud/gboxctl/internal/engine"
	"github.com/babelcloud/gboxctl/internal/image"
	"github.com/babelcloud/gboxctl/internal/lifecycle"
	"github.com/babelcloud/gboxctl/internal/progress"
	"github.com/babelcloud/gboxctl/pkg/logger"
)

const defaultStopGrace = 30 * time.Second

// Reconciler restores in-container state that does not survive a recreate,
// such as user accounts
type Reconciler interface {
	Reconcile(ctx context.Context, containerID string) error
}

// NopReconciler does nothing
type NopReconciler struct{}

// Reconcile implements Reconciler
func (NopReconciler) Reconcile(context.Context, string) error { return nil }

// Restorer rolls provenance back. *provenance.Ledger satisfies it.
type Restorer interface {
	Restore() error
}

// Request describes an update
type Request struct {
	// Spec is the container spec; its Image is replaced by Reference
	Spec      lifecycle.Spec
	Reference image.Reference
	Mode      image.Mode
}

// Result describes a completed update or rollback
type Result struct {
	// PreviousImage is the rollback anchor written or consumed, empty if none
	PreviousImage string
	NewImage      image.Reference
	ContainerID   string
	// Unchanged is set when the acquired image is the one already running
	// and the container was left alone
	Unchanged bool
}

// Orchestrator sequences acquisition and lifecycle for updates and rollbacks
type Orchestrator struct {
	engine     engine.API
	images     *image.Acquirer
	containers *lifecycle.Manager
	ledger     Restorer
	confirm    confirm.Confirmer
	reconciler Reconciler
	stopGrace  time.Duration
	logger     *logger.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithReconciler sets the account reconciler
func WithReconciler(r Reconciler) Option {
	return func(o *Orchestrator) {
		o.reconciler = r
	}
}

// WithStopGrace sets how long the old container gets to stop
func WithStopGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.stopGrace = d
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator creates an orchestrator. ledger may be nil.
func NewOrchestrator(api engine.API, images *image.Acquirer, containers *lifecycle.Manager, ledger Restorer, confirmer confirm.Confirmer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:     api,
		images:     images,
		containers: containers,
		ledger:     ledger,
		confirm:    confirmer,
		reconciler: NopReconciler{},
		stopGrace:  defaultStopGrace,
		logger:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Update replaces the container with one running a freshly acquired image.
// The new image is acquired before anything is stopped, so a failed
// acquisition leaves the running container and the previous tag untouched.
func (o *Orchestrator) Update(ctx context.Context, req Request, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	const op = "update"
	ref := req.Reference
	name := req.Spec.Name

	if err := o.ask(ctx, confirm.Request{
		Action: fmt.Sprintf("Update %s to %s (%s)", name, ref.Familiar(), req.Mode),
		Details: []string{
			"the new image is acquired first",
			fmt.Sprintf("the current image is kept as %s", ref.Previous().Familiar()),
			"the container is recreated; named volumes are kept",
		},
		Bypassable: true,
	}); err != nil {
		return nil, err
	}

	sink.Step(fmt.Sprintf("Inspecting %s", name))
	current, err := o.containers.Inspect(ctx, name)
	if err != nil {
		return nil, &Error{Op: op, Stage: StageInspect, Err: err}
	}
	currentImage := ""
	if current != nil {
		currentImage = current.ImageID
	} else {
		currentImage, err = image.Lookup(ctx, o.engine, ref.String())
		if err != nil {
			return nil, &Error{Op: op, Stage: StageInspect, Err: err}
		}
	}

	sink.Step(fmt.Sprintf("Acquiring %s (%s)", ref.Familiar(), req.Mode))
	served, err := o.images.Acquire(ctx, image.Request{Reference: ref, Mode: req.Mode, AlwaysPull: true}, sink)
	if err != nil {
		return nil, &Error{Op: op, Stage: StageAcquire, Err: err}
	}

	acquired, err := image.Lookup(ctx, o.engine, ref.String())
	if err != nil {
		return nil, &Error{Op: op, Stage: StageInspect, Err: err}
	}

	result := &Result{NewImage: served}
	unchanged := acquired != "" && acquired == currentImage
	switch {
	case unchanged && current != nil:
		// previous keeps naming the last different image
		sink.Step(fmt.Sprintf("%s already runs the latest %s", name, ref.Familiar()))
		result.Unchanged = true
		result.ContainerID = current.ID
		return result, nil
	case unchanged:
		o.logger.Debug("image %s unchanged, keeping %s tag", acquired, image.PreviousTag)
	case currentImage != "":
		anchor := ref.Previous()
		sink.Step(fmt.Sprintf("Tagging current image as %s", anchor.Familiar()))
		if err := o.engine.ImageTag(ctx, currentImage, anchor.String()); err != nil {
			return nil, &Error{Op: op, Stage: StageTag, Err: err}
		}
		result.PreviousImage = anchor.String()
	default:
		o.logger.Debug("no current image, skipping %s tag", image.PreviousTag)
	}

	if current != nil {
		if err := o.retire(ctx, op, current.ID, sink); err != nil {
			return nil, err
		}
	}

	spec := req.Spec
	spec.Image = ref.String()
	id, err := o.launch(ctx, op, spec, sink)
	if err != nil {
		return nil, err
	}
	result.ContainerID = id
	return result, nil
}

// Rollback recreates the container from the previous image
func (o *Orchestrator) Rollback(ctx context.Context, spec lifecycle.Spec, ref image.Reference, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	const op = "rollback"
	anchor := ref.Previous()

	anchorID, err := image.Lookup(ctx, o.engine, anchor.String())
	if err != nil {
		return nil, &Error{Op: op, Stage: StageInspect, Err: err}
	}
	if anchorID == "" {
		return nil, fmt.Errorf("%s: %s not found: %w", op, anchor.Familiar(), ErrNoPreviousImage)
	}

	if err := o.ask(ctx, confirm.Request{
		Action: fmt.Sprintf("Roll %s back to %s", spec.Name, anchor.Familiar()),
		Details: []string{
			"the current container is stopped and removed; named volumes are kept",
			fmt.Sprintf("%s is re-tagged as %s", anchor.Familiar(), ref.Familiar()),
		},
		Bypassable: true,
	}); err != nil {
		return nil, err
	}

	current, err := o.containers.Inspect(ctx, spec.Name)
	if err != nil {
		return nil, &Error{Op: op, Stage: StageInspect, Err: err}
	}
	if current != nil {
		if err := o.retire(ctx, op, current.ID, sink); err != nil {
			return nil, err
		}
	}

	sink.Step(fmt.Sprintf("Tagging %s as %s", anchor.Familiar(), ref.Familiar()))
	if err := o.engine.ImageTag(ctx, anchorID, ref.String()); err != nil {
		return nil, &Error{Op: op, Stage: StageTag, Err: err}
	}

	spec.Image = ref.String()
	id, err := o.launch(ctx, op, spec, sink)
	if err != nil {
		return nil, err
	}

	if o.ledger != nil {
		if err := o.ledger.Restore(); err != nil {
			return nil, &Error{Op: op, Stage: StageRecord, Err: err}
		}
	}
	return &Result{PreviousImage: anchor.String(), NewImage: ref, ContainerID: id}, nil
}

func (o *Orchestrator) ask(ctx context.Context, req confirm.Request) error {
	if o.confirm == nil {
		return nil
	}
	return o.confirm.Confirm(ctx, req)
}

// retire stops and removes the old container, keeping its volumes
func (o *Orchestrator) retire(ctx context.Context, op, id string, sink progress.Sink) error {
	sink.Step("Stopping the current container")
	if err := o.containers.Stop(ctx, id, o.stopGrace); err != nil {
		return &Error{Op: op, Stage: StageStop, Err: err}
	}
	sink.Step("Removing the current container (volumes are kept)")
	if err := o.containers.Remove(ctx, id, lifecycle.RemoveOptions{}); err != nil {
		return &Error{Op: op, Stage: StageRemove, Err: err}
	}
	return nil
}

// launch creates and starts the container and reconciles accounts
func (o *Orchestrator) launch(ctx context.Context, op string, spec lifecycle.Spec, sink progress.Sink) (string, error) {
	sink.Step(fmt.Sprintf("Creating %s from %s", spec.Name, spec.Image))
	id, err := o.containers.Create(ctx, spec)
	if err != nil {
		return "", &Error{Op: op, Stage: StageCreate, Err: err}
	}
	sink.Step(fmt.Sprintf("Starting %s", spec.Name))
	if err := o.containers.Start(ctx, id); err != nil {
		return "", &Error{Op: op, Stage: StageStart, Err: err}
	}
	sink.Step("Reconciling user accounts")
	if err := o.reconciler.Reconcile(ctx, id); err != nil {
		return "", &Error{Op: op, Stage: StageReconcile, Err: err}
	}
	return id, nil
}
