package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a provisioning failure.
type Kind string

// Failure kinds. DeliveryFailure never appears here: webhook trouble is
// a soft warning on a successful outcome, not a failed run.
const (
	KindNoSession      Kind = "no_session"
	KindInvalidInput   Kind = "invalid_input"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindQuotaRaceLost  Kind = "quota_race_lost"
	KindWorkerTimeout  Kind = "worker_timeout"
	KindWorkerFailure  Kind = "worker_failure"
	KindStorageFailure Kind = "storage_failure"
	KindNotFound       Kind = "not_found"
)

// Stage names the pipeline stage a request was in when it failed.
type Stage string

// Pipeline stages, in order.
const (
	StageValidating Stage = "validating"
	StageReserving  Stage = "reserving"
	StageExecuting  Stage = "executing"
	StageExtracting Stage = "extracting"
	StageCommitting Stage = "committing"
)

// Failure is a classified provisioning error. Quota failures carry the
// numbers needed for a precise user-facing message.
type Failure struct {
	kind  Kind
	stage Stage
	err   error

	// Populated for quota failures.
	Current   int
	Remaining int
	Requested int
}

func newFailure(kind Kind, stage Stage, err error) *Failure {
	return &Failure{kind: kind, stage: stage, err: err}
}

// Kind returns the failure classification.
func (f *Failure) KindOf() Kind {
	if f == nil {
		return ""
	}
	return f.kind
}

// StageOf returns the stage the failure occurred in.
func (f *Failure) StageOf() Stage {
	if f == nil {
		return ""
	}
	return f.stage
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.err != nil {
		return fmt.Sprintf("provision %s (%s): %v", f.stage, f.kind, f.err)
	}
	return fmt.Sprintf("provision %s (%s)", f.stage, f.kind)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.err
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
