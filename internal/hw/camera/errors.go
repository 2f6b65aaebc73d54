package camera

import "errors"

// Device-level failures. Callers match them with errors.Is.
var (
	ErrDeviceBusy         = errors.New("camera: device busy")
	ErrDeviceTimeout      = errors.New("camera: device open timed out")
	ErrDeviceAccessDenied = errors.New("camera: device access denied")
	ErrDeviceDisconnected = errors.New("camera: device disconnected")
	ErrUnknownDevice      = errors.New("camera: unknown device")
	ErrSessionClosed      = errors.New("camera: capture session closed")
)

// IsDeviceUnavailable reports whether err means the device itself cannot be
// used right now (retry later) rather than a single capture failing.
func IsDeviceUnavailable(err error) bool {
	return errors.Is(err, ErrDeviceBusy) ||
		errors.Is(err, ErrDeviceTimeout) ||
		errors.Is(err, ErrDeviceAccessDenied) ||
		errors.Is(err, ErrDeviceDisconnected) ||
		errors.Is(err, ErrUnknownDevice)
}
