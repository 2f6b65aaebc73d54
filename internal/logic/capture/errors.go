package capture

import (
	"context"
	"errors"

	"github.com/cjeanneret/HdrGo/internal/hw/camera"
)

var (
	// ErrCaptureRequestFailed means the hardware rejected or failed a request
	// of the current sequence. The photo has to be restarted from preview.
	ErrCaptureRequestFailed = errors.New("capture: request failed")
	// ErrStaleNotification marks a notification for a sequence that already
	// ended. It is logged and dropped, never returned to callers.
	ErrStaleNotification = errors.New("capture: stale notification")
	// ErrBracketingUnsupported is returned when HDR is requested on a device
	// that cannot take per-request exposure settings.
	ErrBracketingUnsupported = errors.New("capture: device cannot bracket exposures")
	// ErrSequenceInProgress is returned by TakePicture while another photo is in flight.
	ErrSequenceInProgress = errors.New("capture: a sequence is already in progress")
	// ErrControllerStopped is returned once the controller's worker has exited.
	ErrControllerStopped = errors.New("capture: controller stopped")
)

// Failure is the single user-facing outcome of an aborted sequence.
type Failure int

const (
	FailureNone Failure = iota
	// FailureDeviceUnavailable: the device is busy, gone or refused; retry later.
	FailureDeviceUnavailable
	// FailureCaptureFailed: the photo failed; restart it.
	FailureCaptureFailed
	// FailureCanceled: the caller gave up.
	FailureCanceled
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureDeviceUnavailable:
		return "device_unavailable"
	case FailureCaptureFailed:
		return "capture_failed"
	case FailureCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by the controller to its Failure kind.
func Classify(err error) Failure {
	switch {
	case err == nil:
		return FailureNone
	case camera.IsDeviceUnavailable(err):
		return FailureDeviceUnavailable
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	default:
		return FailureCaptureFailed
	}
}
