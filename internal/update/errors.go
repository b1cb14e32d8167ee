package update

import (
	"fmt"

	commonerrors "github.com/babelcloud/gboxctl/internal/common/errors"
)

// ErrNoPreviousImage is returned by Rollback when no rollback anchor exists
var ErrNoPreviousImage = commonerrors.New(commonerrors.FamilyConfiguration, "no previous image to roll back to")

// Stage names the step an update or rollback failed in
type Stage string

const (
	StageInspect   Stage = "inspect"
	StageAcquire   Stage = "acquire"
	StageTag       Stage = "tag"
	StageStop      Stage = "stop"
	StageRemove    Stage = "remove"
	StageCreate    Stage = "create"
	StageStart     Stage = "start"
	StageReconcile Stage = "reconcile"
	StageRecord    Stage = "record"
)

// Error wraps the failure of one stage
type Error struct {
	Op    string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed at %s: %v", e.Op, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Family implements commonerrors.Classified using the underlying failure
func (e *Error) Family() commonerrors.Family {
	if f := commonerrors.Classify(e.Err); f != commonerrors.FamilyUnknown {
		return f
	}
	return commonerrors.FamilyTransient
}

// ContainerReplaced reports whether the old container was already gone when
// the failure happened
func (e *Error) ContainerReplaced() bool {
	switch e.Stage {
	case StageCreate, StageStart, StageReconcile, StageRecord:
		return true
	}
	return false
}
