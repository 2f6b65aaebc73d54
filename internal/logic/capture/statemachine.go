package capture

import (
	"fmt"

	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/metrics"
)

// State is the metering sequence state.
type State int

const (
	StatePreview State = iota
	StateWaitingFocusLock
	StateWaitingPrecapture
	StateWaitingNonPrecapture
	StatePictureTaken
)

func (s State) String() string {
	switch s {
	case StatePreview:
		return "preview"
	case StateWaitingFocusLock:
		return "waiting_focus_lock"
	case StateWaitingPrecapture:
		return "waiting_precapture"
	case StateWaitingNonPrecapture:
		return "waiting_non_precapture"
	case StatePictureTaken:
		return "picture_taken"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Action is what the controller must do after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionLockFocus
	ActionStartPrecapture
	ActionCaptureStill
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionLockFocus:
		return "lock_focus"
	case ActionStartPrecapture:
		return "start_precapture"
	case ActionCaptureStill:
		return "capture_still"
	case ActionAbort:
		return "abort"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// StateMachine drives AF lock, AE precapture and the metering still.
// It is a pure reducer over capture results; it is not safe for concurrent use.
type StateMachine struct {
	state       State
	afSupported bool
	// OnTransition, if set, is called for every state change.
	OnTransition func(from, to State)
}

// NewStateMachine returns a machine in StatePreview.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// State returns the current state.
func (m *StateMachine) State() State { return m.state }

// Active reports whether a metering sequence is waiting on results.
func (m *StateMachine) Active() bool {
	return m.state != StatePreview && m.state != StatePictureTaken
}

func (m *StateMachine) set(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	metrics.IncStateTransition(from.String(), to.String())
	if m.OnTransition != nil {
		m.OnTransition(from, to)
	}
}

// Start begins a metering sequence. The controller answers ActionLockFocus
// with a preview request carrying the AF trigger when afSupported. Without
// AF the first result resolves focus whatever AF state it reports.
func (m *StateMachine) Start(afSupported bool) Action {
	m.afSupported = afSupported
	m.set(StateWaitingFocusLock)
	return ActionLockFocus
}

// Advance consumes one partial or final result.
func (m *StateMachine) Advance(res camera.Result) Action {
	switch m.state {
	case StateWaitingFocusLock:
		if m.afSupported && !focusResolved(res.AF) {
			return ActionNone
		}
		if res.AE == camera.AEAbsent || res.AE == camera.AEConverged {
			m.set(StatePictureTaken)
			return ActionCaptureStill
		}
		m.set(StateWaitingPrecapture)
		return ActionStartPrecapture

	case StateWaitingPrecapture:
		switch res.AE {
		case camera.AEAbsent, camera.AEPrecapture, camera.AEFlashRequired:
			m.set(StateWaitingNonPrecapture)
		}
		return ActionNone

	case StateWaitingNonPrecapture:
		if res.AE != camera.AEPrecapture {
			m.set(StatePictureTaken)
			return ActionCaptureStill
		}
		return ActionNone
	}
	// Preview and PictureTaken ignore results.
	return ActionNone
}

// focusResolved: absent AF state covers devices without autofocus.
func focusResolved(af camera.AFState) bool {
	switch af {
	case camera.AFAbsent, camera.AFFocusedLocked, camera.AFNotFocusedLocked,
		camera.AFInactive, camera.AFPassiveFocused:
		return true
	}
	return false
}

// Fail aborts the sequence from any state.
func (m *StateMachine) Fail() Action {
	m.set(StatePreview)
	return ActionAbort
}

// Reset returns to StatePreview once the still (and burst) completed.
func (m *StateMachine) Reset() {
	m.set(StatePreview)
}
