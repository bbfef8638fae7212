package ingestion

import (
	"errors"
	"fmt"
)

// Error kinds a delivery can fail with. All of them end in a nack without
// requeue; they differ only in how they are logged and counted.
var (
	ErrParse         = errors.New("parse event")
	ErrFetch         = errors.New("fetch object")
	ErrWrite         = errors.New("write object")
	ErrConfigRewrite = errors.New("rewrite downstream config")
)

// Stage names the pipeline step a delivery failed in.
type Stage string

const (
	StageParse    Stage = "parse"
	StageFetch    Stage = "fetch"
	StageWrite    Stage = "write"
	StageFinalize Stage = "finalize"
)

// StageError carries the object coordinates so that a failed delivery can be
// replayed by hand from the log line alone.
type StageError struct {
	Stage  Stage
	Bucket string
	Key    string
	Err    error
}

func (e *StageError) Error() string {
	if e.Bucket == "" && e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s s3://%s/%s: %v", e.Stage, e.Bucket, e.Key, e.Err)
}

// Unwrap exposes both the kind for the stage and the cause.
func (e *StageError) Unwrap() []error {
	return []error{e.Stage.kind(), e.Err}
}

func (s Stage) kind() error {
	switch s {
	case StageParse:
		return ErrParse
	case StageFetch:
		return ErrFetch
	case StageWrite:
		return ErrWrite
	default:
		return ErrConfigRewrite
	}
}

func stageError(stage Stage, ev ObjectEvent, err error) error {
	return &StageError{Stage: stage, Bucket: ev.Bucket, Key: ev.Key, Err: err}
}

// StageOf reports the stage err belongs to, or "" for foreign errors.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	switch {
	case errors.Is(err, ErrParse):
		return StageParse
	case errors.Is(err, ErrFetch):
		return StageFetch
	case errors.Is(err, ErrWrite):
		return StageWrite
	case errors.Is(err, ErrConfigRewrite):
		return StageFinalize
	}
	return ""
}
