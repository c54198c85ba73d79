// Package errors defines the sentinel errors shared across the index engine.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexAbsent signals that no valid index generation exists for a
	// corpus root. It is a normal state, not a fault: the caller recovers by
	// running a full build.
	ErrIndexAbsent = errors.New("index absent or invalid")

	// ErrBuildInProgress is returned when a second exclusive build is
	// requested for the same store while one is already running.
	ErrBuildInProgress = errors.New("index build already in progress")

	// ErrPublishContention is returned after the bounded retry budget for
	// atomically replacing the manifest/blob pair is exhausted.
	ErrPublishContention = errors.New("index publication contended")

	// ErrCorpusMissing is returned when neither side directory of the corpus
	// exists.
	ErrCorpusMissing = errors.New("corpus directories missing")
)

// BuildError wraps a failure of one build phase with enough context to tell
// which phase gave up.
type BuildError struct {
	Phase string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build phase %s: %s", e.Phase, e.Err.Error())
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// NewBuildError wraps err with the build phase it occurred in.
func NewBuildError(phase string, err error) *BuildError {
	return &BuildError{Phase: phase, Err: err}
}
