package snappea

import (
	"errors"
	"fmt"

	"github.com/hojjatabdollahi/snappea-sub000/internal/capture"
	"github.com/hojjatabdollahi/snappea-sub000/internal/encoder"
	"github.com/hojjatabdollahi/snappea-sub000/internal/wayland"
)

// ErrorClass tells how far a recording got before an error ended it and
// what that means for the output file.
type ErrorClass int

const (
	// ClassStartupFatal errors abort before any frame was captured. There
	// is no output to clean up.
	ClassStartupFatal ErrorClass = iota
	// ClassSteadyStateTransient covers single capture or push failures.
	// They are retried and only surface in logs.
	ClassSteadyStateTransient
	// ClassSteadyStateFatal means the consecutive failure ceiling was hit.
	// Finalization was still attempted.
	ClassSteadyStateFatal
	// ClassFinalizeFatal means the output could not be finalized. Frames
	// already written are not invalidated but the container may be
	// unreadable.
	ClassFinalizeFatal
	// ClassLifecycleFile covers state file and lock failures.
	ClassLifecycleFile
)

func (c ErrorClass) String() string {
	switch c {
	case ClassStartupFatal:
		return "startup_fatal"
	case ClassSteadyStateTransient:
		return "steady_state_transient"
	case ClassSteadyStateFatal:
		return "steady_state_fatal"
	case ClassFinalizeFatal:
		return "finalize_fatal"
	case ClassLifecycleFile:
		return "lifecycle_file"
	default:
		return "unknown"
	}
}

// RecordError is an error tagged with its class.
type RecordError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// ClassOf returns the class of the first RecordError in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var recErr *RecordError
	if errors.As(err, &recErr) {
		return recErr.Class, true
	}
	return 0, false
}

var (
	// ErrNoActiveRecording is returned by Stop when no state file exists.
	ErrNoActiveRecording = errors.New("no active recording")

	// ErrAlreadyRecording is returned when another recorder holds the
	// recording lock.
	ErrAlreadyRecording = errors.New("a recording is already active")

	ErrNoEncoders         = encoder.ErrNoEncoders
	ErrEncoderUnavailable = encoder.ErrEncoderUnavailable
	ErrFinalizeTimeout    = encoder.ErrFinalizeTimeout
	ErrOutputNotFound     = wayland.ErrOutputNotFound
	ErrNegotiateTimeout   = capture.ErrNegotiateTimeout
	ErrCaptureTimeout     = capture.ErrCaptureTimeout
	ErrTooManyFailures    = capture.ErrTooManyFailures
)
