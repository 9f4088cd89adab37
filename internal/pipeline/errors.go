package pipeline

import (
	"errors"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/hojjatabdollahi/snappea-sub000/internal/encoder"
)

var (
	// ErrCapsMismatch is returned when a frame does not match the caps the
	// source stage was configured with.
	ErrCapsMismatch = errors.New("frame does not match pipeline caps")

	// ErrFinalizeTimeout is returned when neither EOS nor an error arrived
	// within the drain bound.
	ErrFinalizeTimeout = encoder.ErrFinalizeTimeout

	// ErrNotStarted is returned by PushFrame before Start.
	ErrNotStarted = errors.New("pipeline not started")

	// ErrFinished is returned by PushFrame after Finish.
	ErrFinished = errors.New("pipeline already finished")
)

// ErrorCategory classifies GStreamer errors for logs and metrics.
type ErrorCategory int

const (
	// ErrCategoryResource covers file sink and device failures (disk full,
	// permission denied, missing GPU).
	ErrCategoryResource ErrorCategory = iota
	// ErrCategoryCodec covers encoder failures.
	ErrCategoryCodec
	// ErrCategoryNegotiation covers caps negotiation failures between stages.
	ErrCategoryNegotiation
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryNegotiation:
		return "negotiation"
	default:
		return "unknown"
	}
}

// BusError is an error message read from the pipeline bus.
type BusError struct {
	Category ErrorCategory
	Message  string
	Debug    string
}

func (e *BusError) Error() string {
	return "pipeline error [" + e.Category.String() + "]: " + e.Message
}

func newBusError(gerr *gst.GError) *BusError {
	if gerr == nil {
		return &BusError{Category: ErrCategoryUnknown, Message: "unknown error"}
	}
	return &BusError{
		Category: ClassifyError(gerr.Error(), gerr.DebugString()),
		Message:  gerr.Error(),
		Debug:    gerr.DebugString(),
	}
}

// ClassifyError categorizes a GStreamer error from its message and debug
// string. go-gst's GError does not expose the error domain, so this relies
// on keyword matching. Negotiation is checked first since its messages also
// mention formats.
func ClassifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, negotiationKeywords):
		return ErrCategoryNegotiation
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	}
	return ErrCategoryUnknown
}

var negotiationKeywords = []string{
	"not negotiated",
	"negotiation",
	"caps",
	"no common format",
}

var codecKeywords = []string{
	"encode",
	"encoder",
	"codec",
	"nvenc",
	"va-api",
	"vaapi",
	"x264",
	"missing plugin",
}

var resourceKeywords = []string{
	"could not open",
	"could not write",
	"no space left",
	"permission denied",
	"resource",
	"file",
	"device",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
