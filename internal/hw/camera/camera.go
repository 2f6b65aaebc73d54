package camera

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Provider is the hardware-abstraction layer used by the rest of the application.
// It represents a set of physical cameras, regardless of how they are driven
// (simulated, GPIO remote release, platform camera stack, etc.).
type Provider interface {
	// Enumerate lists the devices currently known to the provider.
	Enumerate(ctx context.Context) ([]DeviceID, error)
	// Capabilities returns a read-only snapshot of a device's capabilities.
	Capabilities(ctx context.Context, id DeviceID) (Capabilities, error)
	// Open starts opening a device. It returns ErrDeviceAccessDenied when the
	// platform refuses access; otherwise the outcome is reported to the listener.
	Open(id DeviceID, listener StateListener) error
}

// Handle is an opened device.
type Handle interface {
	ID() DeviceID
	CreateSession(output Size) (CaptureSession, error)
	Close() error
}

// CaptureSession accepts capture requests and reports their outcome on Events.
type CaptureSession interface {
	Submit(req Request) error
	SubmitBurst(reqs []Request) error
	SetRepeating(req Request) error
	StopRepeating() error
	Events() <-chan Event
	Close() error
}

// DeviceID identifies a physical camera.
type DeviceID string

// DeviceState is reported to a StateListener while a device is open.
type DeviceState int

const (
	StateOpened DeviceState = iota
	StateDisconnected
	StateError
)

func (s DeviceState) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// StateListener receives device lifecycle changes. h is nil unless st is StateOpened.
type StateListener func(h Handle, st DeviceState, err error)

// Size is an output resolution in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns width*height without overflowing on 32-bit platforms.
func (s Size) Area() int64 {
	return int64(s.Width) * int64(s.Height)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ParseSize parses "WxH".
func ParseSize(v string) (Size, error) {
	var s Size
	if _, err := fmt.Sscanf(v, "%dx%d", &s.Width, &s.Height); err != nil {
		return Size{}, fmt.Errorf("parse size %q: %w", v, err)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return Size{}, fmt.Errorf("parse size %q: dimensions must be > 0", v)
	}
	return s, nil
}

// ExposureRange is the supported sensor exposure-time interval.
type ExposureRange struct {
	Lower time.Duration `json:"lower"`
	Upper time.Duration `json:"upper"`
}

// Contains reports whether d lies in [Lower, Upper].
func (r ExposureRange) Contains(d time.Duration) bool {
	return d >= r.Lower && d <= r.Upper
}

// Clamp returns d limited to [Lower, Upper].
func (r ExposureRange) Clamp(d time.Duration) time.Duration {
	if d < r.Lower {
		return r.Lower
	}
	if d > r.Upper {
		return r.Upper
	}
	return d
}

// ISORange is the supported sensor sensitivity interval.
type ISORange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Capabilities is a read-only snapshot of what a device supports.
// It is queried once per session.
type Capabilities struct {
	ID            DeviceID      `json:"id"`
	Name          string        `json:"name"`
	ExposureRange ExposureRange `json:"exposure_range"`
	ISORange      ISORange      `json:"iso_range"`
	AutoFocus     bool          `json:"auto_focus"`
	Flash         bool          `json:"flash"`
	// ManualSensor is true when exposure time and ISO can be set per request.
	// Bracketing is impossible without it.
	ManualSensor bool   `json:"manual_sensor"`
	OutputSizes  []Size `json:"output_sizes"`
}

// LargestSize returns the supported output size with the largest area.
func (c Capabilities) LargestSize() (Size, bool) {
	if len(c.OutputSizes) == 0 {
		return Size{}, false
	}
	sizes := append([]Size(nil), c.OutputSizes...)
	sort.SliceStable(sizes, func(i, j int) bool {
		return sizes[i].Area() > sizes[j].Area()
	})
	return sizes[0], true
}

// ChooseSize returns preferred if the device supports it, otherwise the largest size.
func (c Capabilities) ChooseSize(preferred *Size) (Size, error) {
	if preferred != nil {
		for _, s := range c.OutputSizes {
			if s == *preferred {
				return s, nil
			}
		}
	}
	s, ok := c.LargestSize()
	if !ok {
		return Size{}, fmt.Errorf("device %s reports no output sizes", c.ID)
	}
	return s, nil
}

// AFState is the autofocus state reported in capture results.
// The zero value means the device did not report it.
type AFState uint8

const (
	AFAbsent AFState = iota
	AFInactive
	AFPassiveScan
	AFPassiveFocused
	AFPassiveUnfocused
	AFActiveScan
	AFFocusedLocked
	AFNotFocusedLocked
)

var afNames = map[AFState]string{
	AFAbsent:           "absent",
	AFInactive:         "inactive",
	AFPassiveScan:      "passive_scan",
	AFPassiveFocused:   "passive_focused",
	AFPassiveUnfocused: "passive_unfocused",
	AFActiveScan:       "active_scan",
	AFFocusedLocked:    "focused_locked",
	AFNotFocusedLocked: "not_focused_locked",
}

func (s AFState) String() string {
	if n, ok := afNames[s]; ok {
		return n
	}
	return fmt.Sprintf("AFState(%d)", int(s))
}

// AEState is the auto-exposure state reported in capture results.
// The zero value means the device did not report it.
type AEState uint8

const (
	AEAbsent AEState = iota
	AEInactive
	AESearching
	AEConverged
	AELocked
	AEFlashRequired
	AEPrecapture
)

var aeNames = map[AEState]string{
	AEAbsent:        "absent",
	AEInactive:      "inactive",
	AESearching:     "searching",
	AEConverged:     "converged",
	AELocked:        "locked",
	AEFlashRequired: "flash_required",
	AEPrecapture:    "precapture",
}

func (s AEState) String() string {
	if n, ok := aeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("AEState(%d)", int(s))
}

// Template selects the device-side request defaults.
type Template uint8

const (
	TemplatePreview Template = iota
	TemplateStillCapture
)

// AFTrigger asks the device to start or cancel an autofocus scan.
type AFTrigger uint8

const (
	AFTriggerIdle AFTrigger = iota
	AFTriggerStart
	AFTriggerCancel
)

// AFMode selects the autofocus behaviour for a request.
type AFMode uint8

const (
	AFModeOff AFMode = iota
	AFModeContinuousPicture
)

// AEMode selects the auto-exposure behaviour for a request.
type AEMode uint8

const (
	AEModeOn AEMode = iota
	AEModeOff
	AEModeOnAutoFlash
)

// Purpose tells which phase of a sequence issued a request.
type Purpose uint8

const (
	PurposePreview Purpose = iota // repeating preview and 3A triggers
	PurposeStill                  // metering still
	PurposeBracket                // one frame of a bracketed burst
)

func (p Purpose) String() string {
	switch p {
	case PurposePreview:
		return "preview"
	case PurposeStill:
		return "still"
	case PurposeBracket:
		return "bracket"
	default:
		return fmt.Sprintf("Purpose(%d)", int(p))
	}
}

// Tag travels with a request and comes back on every notification it causes.
type Tag struct {
	Purpose  Purpose
	Sequence uint64 // metering sequence or burst identifier
	Index    int    // ordinal position inside a burst, 0 otherwise
}

func (t Tag) String() string {
	return fmt.Sprintf("%s#%d[%d]", t.Purpose, t.Sequence, t.Index)
}

// Request is one capture request.
type Request struct {
	Template            Template
	Tag                 Tag
	AFTrigger           AFTrigger
	AEPrecaptureTrigger bool
	AFMode              AFMode
	AEMode              AEMode
	ExposureTime        time.Duration // used when AEMode is AEModeOff
	ISO                 int           // used when AEMode is AEModeOff
}

// Result is the metadata of a partial or final capture result.
type Result struct {
	Tag          Tag
	Partial      bool
	AF           AFState
	AE           AEState
	ExposureTime time.Duration // zero when not reported
	ISO          int           // zero when not reported
	FrameNumber  int64
}

// EventKind enumerates the notifications delivered on CaptureSession.Events.
type EventKind uint8

const (
	EventProgressed EventKind = iota
	EventCompleted
	EventImage
	EventFailed
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventProgressed:
		return "progressed"
	case EventCompleted:
		return "completed"
	case EventImage:
		return "image"
	case EventFailed:
		return "failed"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a single hardware notification.
// Image events from devices that cannot associate a payload with its
// request have Tagged == false.
type Event struct {
	Kind   EventKind
	Tag    Tag
	Tagged bool
	Result Result
	Data   []byte
	Err    error
}
