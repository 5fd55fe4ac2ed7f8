package workflow

import (
	"errors"
	"fmt"
)

// Idempotency stops. Both mean "nothing to do", not failure: the caller
// still acknowledges the event.
var (
	ErrAlreadyDone = errors.New("ingestion already complete")
	ErrInFlight    = errors.New("ingestion already in flight")
)

// Pipeline stages for typed failures.
const (
	StageASR         = "asr"
	StageAnnotation  = "annotation"
	StagePersistence = "persistence"
	StageFinalize    = "finalize"
)

// PipelineError is a fatal failure of one pipeline stage. It marks the
// job and video as failed and is surfaced through a notification.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
