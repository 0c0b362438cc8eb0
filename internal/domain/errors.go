package domain

import (
	"errors"
	"fmt"
)

var (
	ErrManifestFetch   = errors.New("manifest fetch failed")
	ErrManifestParse   = errors.New("manifest parse failed")
	ErrNoStreams       = errors.New("no streams found")
	ErrSelectionEmpty  = errors.New("selection is empty")
	ErrSegmentDownload = errors.New("segment download failed")
	ErrDRMResolution   = errors.New("drm key resolution failed")
	ErrLicenseRejected = errors.New("license request rejected")
	ErrDecryption      = errors.New("decryption failed")
	ErrCancelled       = errors.New("job cancelled")
)

// StageError ties an error to the orchestrator state in which it happened
type StageError struct {
	Stage JobState
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with the stage it originated from
func NewStageError(stage JobState, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the originating stage of err, if any
func StageOf(err error) (JobState, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}
