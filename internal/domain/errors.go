package domain

import (
	"errors"
	"fmt"
)

// Input errors: returned to the caller, no state mutation.
var (
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInsufficientHistory  = errors.New("insufficient history")
	ErrConfirmationRequired = errors.New("confirmation required")
)

// Data errors: transient kinds are retried at the adapter boundary.
var (
	ErrUpstreamTransient = errors.New("upstream transient failure")
	ErrUpstreamPermanent = errors.New("upstream permanent failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrAuth              = errors.New("authentication failure")
)

// Model errors: exclude the offending model from the current call.
var (
	ErrInsufficientData = errors.New("insufficient training data")
	ErrTrainingFailed   = errors.New("training failed")
	ErrTrainingTimedOut = errors.New("training timed out")
	ErrPredictionFailed = errors.New("prediction failed")
	ErrSchemaMismatch   = errors.New("feature schema mismatch")
)

// Consistency errors: programmer errors, fail loudly.
var (
	ErrStaleWrite         = errors.New("stale write")
	ErrRegistryCorruption = errors.New("registry corruption")
	ErrInvalidLevels      = errors.New("invalid trading levels")
)

// Resource errors.
var (
	ErrNoActivePredictors  = errors.New("no active predictors")
	ErrInsufficientSamples = errors.New("insufficient samples")
	ErrNotFound            = errors.New("not found")
	ErrNotReady            = errors.New("not ready")
)

// ModelError attaches model and stage context to a model-class failure.
type ModelError struct {
	ModelID string
	Stage   string
	Err     error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s(model_id=%s, stage=%s)", e.Err.Error(), e.ModelID, e.Stage)
}

func (e *ModelError) Unwrap() error { return e.Err }

// NewModelError wraps err with model diagnostics.
func NewModelError(modelID, stage string, err error) *ModelError {
	return &ModelError{ModelID: modelID, Stage: stage, Err: err}
}
