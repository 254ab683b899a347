package model

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientData    = errors.New("insufficient training data")
	ErrSchemaMismatch      = errors.New("feature schema mismatch")
	ErrWeightNormalization = errors.New("spatial weights do not sum to one")
	ErrDegenerateSeries    = errors.New("series sums to zero")
	ErrInvalidTarget       = errors.New("invalid annual target")
	ErrNotFound            = errors.New("not found")
	ErrMisaligned          = errors.New("series are not hour-aligned")
	ErrMissingTarget       = errors.New("no annual target")
)

// Stage names a step of training or forward execution.
type Stage string

const (
	StageTrain        Stage = "TRAIN"
	StagePersist      Stage = "PERSIST"
	StageLoadFeatures Stage = "LOAD_FEATURES"
	StagePredict      Stage = "PREDICT"
	StageAllocate     Stage = "ALLOCATE"
	StageAggregate    Stage = "AGGREGATE"
	StageScale        Stage = "SCALE"
	StageEmit         Stage = "EMIT"
)

// EntityError attaches the failing entity and stage to an underlying cause.
type EntityError struct {
	Entity string
	Stage  Stage
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Entity, e.Stage, e.Err)
}

func (e *EntityError) Unwrap() error { return e.Err }

// Fail wraps err for entity at stage. A nil err stays nil.
func Fail(entity string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var ee *EntityError
	if errors.As(err, &ee) && ee.Entity == entity {
		return err
	}
	return &EntityError{Entity: entity, Stage: stage, Err: err}
}

// Failure is the record a batch keeps for an entity that did not complete.
type Failure struct {
	Entity string
	Stage  Stage
	Err    error
}

func FailureOf(err error, fallbackEntity string, fallbackStage Stage) Failure {
	var ee *EntityError
	if errors.As(err, &ee) {
		return Failure{Entity: ee.Entity, Stage: ee.Stage, Err: ee.Err}
	}
	return Failure{Entity: fallbackEntity, Stage: fallbackStage, Err: err}
}

func (f Failure) String() string {
	return fmt.Sprintf("%s [%s]: %v", f.Entity, f.Stage, f.Err)
}
