package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/logic/exposure"
)

// recordingSession captures submitted requests and never emits events.
type recordingSession struct {
	mu     sync.Mutex
	bursts [][]camera.Request
	fail   error
}

func (s *recordingSession) Submit(camera.Request) error { return s.fail }
func (s *recordingSession) SubmitBurst(reqs []camera.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.bursts = append(s.bursts, reqs)
	return nil
}
func (s *recordingSession) SetRepeating(camera.Request) error { return nil }
func (s *recordingSession) StopRepeating() error              { return nil }
func (s *recordingSession) Events() <-chan camera.Event       { return nil }
func (s *recordingSession) Close() error                      { return nil }

var testCaps = camera.Capabilities{
	ID:            "test",
	ExposureRange: camera.ExposureRange{Lower: time.Millisecond, Upper: time.Second},
	ISORange:      camera.ISORange{Min: 100, Max: 1600},
	AutoFocus:     true,
	ManualSensor:  true,
}

var testPlan = exposure.Plan{10 * time.Millisecond, 20 * time.Millisecond, 5 * time.Millisecond}

func bracketEvent(kind camera.EventKind, id uint64, i int) camera.Event {
	ev := camera.Event{
		Kind:   kind,
		Tag:    camera.Tag{Purpose: camera.PurposeBracket, Sequence: id, Index: i},
		Tagged: true,
	}
	switch kind {
	case camera.EventImage:
		ev.Data = payload(i)
	case camera.EventFailed:
		ev.Err = errors.New("boom")
	}
	return ev
}

func TestBurst_RequestsAreTaggedAndManual(t *testing.T) {
	cs := &recordingSession{}
	s := NewBurstSequencer(cs, testCaps, zerolog.Nop())
	_, err := s.CaptureBurst(testPlan)
	require.NoError(t, err)
	require.Len(t, cs.bursts, 1)

	reqs := cs.bursts[0]
	require.Len(t, reqs, len(testPlan))
	for i, r := range reqs {
		assert.Equal(t, camera.TemplateStillCapture, r.Template)
		assert.Equal(t, camera.Tag{Purpose: camera.PurposeBracket, Sequence: 1, Index: i}, r.Tag)
		assert.Equal(t, camera.AEModeOff, r.AEMode)
		assert.Equal(t, camera.AFModeContinuousPicture, r.AFMode)
		assert.Equal(t, testPlan[i], r.ExposureTime)
		assert.Equal(t, 100, r.ISO)
	}
}

func TestBurst_CompletesOutOfOrder(t *testing.T) {
	s := NewBurstSequencer(&recordingSession{}, testCaps, zerolog.Nop())
	ch, err := s.CaptureBurst(testPlan)
	require.NoError(t, err)

	for _, i := range []int{2, 0, 1} {
		assert.True(t, s.HandleEvent(bracketEvent(camera.EventImage, 1, i)))
	}
	// Images alone do not finish the burst.
	assert.True(t, s.Active())
	for _, i := range []int{1, 2, 0} {
		ev := bracketEvent(camera.EventCompleted, 1, i)
		if i == 1 {
			ev.Result.ExposureTime = 19 * time.Millisecond
		}
		s.HandleEvent(ev)
	}
	assert.False(t, s.Active())

	res := <-ch
	require.NoError(t, res.Err)
	want := []Slot{
		{Index: 0, Data: payload(0), Exposure: 10 * time.Millisecond},
		{Index: 1, Data: payload(1), Exposure: 19 * time.Millisecond},
		{Index: 2, Data: payload(2), Exposure: 5 * time.Millisecond},
	}
	if diff := cmp.Diff(want, res.Frames); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	_, open := <-ch
	assert.False(t, open, "result channel must close after one result")
}

func TestBurst_FailureFailsWholeBurst(t *testing.T) {
	s := NewBurstSequencer(&recordingSession{}, testCaps, zerolog.Nop())
	ch, err := s.CaptureBurst(testPlan)
	require.NoError(t, err)

	s.HandleEvent(bracketEvent(camera.EventCompleted, 1, 0))
	s.HandleEvent(bracketEvent(camera.EventFailed, 1, 1))
	res := <-ch
	require.ErrorIs(t, res.Err, ErrCaptureRequestFailed)
	assert.Nil(t, res.Frames)

	// The rest of the burst is stale.
	assert.True(t, s.HandleEvent(bracketEvent(camera.EventCompleted, 1, 2)))
	assert.False(t, s.Active())
}

func TestBurst_StaleAndForeignEvents(t *testing.T) {
	s := NewBurstSequencer(&recordingSession{}, testCaps, zerolog.Nop())
	// No burst yet: bracket events are consumed as stale.
	assert.True(t, s.HandleEvent(bracketEvent(camera.EventImage, 9, 0)))
	// Non-bracket events are not ours.
	assert.False(t, s.HandleEvent(camera.Event{Kind: camera.EventCompleted, Tagged: true, Tag: camera.Tag{Purpose: camera.PurposePreview}}))
	assert.False(t, s.HandleEvent(camera.Event{Kind: camera.EventImage}))

	_, err := s.CaptureBurst(testPlan)
	require.NoError(t, err)
	// Frames of another burst never land in this one.
	s.HandleEvent(bracketEvent(camera.EventImage, 7, 0))
	assert.Equal(t, 0, s.active.collector.Counter())
}

func TestBurst_NextBurstIgnoresPreviousFrames(t *testing.T) {
	s := NewBurstSequencer(&recordingSession{}, testCaps, zerolog.Nop())
	first, err := s.CaptureBurst(testPlan)
	require.NoError(t, err)
	s.Abort(errors.New("cancelled"))
	require.Error(t, (<-first).Err)

	second, err := s.CaptureBurst(testPlan)
	require.NoError(t, err)
	for i := range testPlan {
		s.HandleEvent(bracketEvent(camera.EventImage, 1, i))
		s.HandleEvent(bracketEvent(camera.EventCompleted, 1, i))
	}
	assert.True(t, s.Active())
	for i := range testPlan {
		s.HandleEvent(bracketEvent(camera.EventImage, 2, i))
		s.HandleEvent(bracketEvent(camera.EventCompleted, 2, i))
	}
	res := <-second
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(2), res.ID)
	assert.Len(t, res.Frames, len(testPlan))
}

func TestBurst_Untagged(t *testing.T) {
	s := NewBurstSequencer(&recordingSession{}, testCaps, zerolog.Nop())
	assert.False(t, s.AddUntagged([]byte("x")), "no burst active")

	ch, err := s.CaptureBurst(testPlan)
	require.NoError(t, err)
	for i := range testPlan {
		s.HandleEvent(bracketEvent(camera.EventCompleted, 1, i))
		assert.True(t, s.AddUntagged(payload(i)))
	}
	res := <-ch
	require.NoError(t, res.Err)
	for i, f := range res.Frames {
		assert.Equal(t, payload(i), f.Data)
	}
}

func TestBurst_SubmitErrorAndBusy(t *testing.T) {
	s := NewBurstSequencer(&recordingSession{fail: camera.ErrDeviceDisconnected}, testCaps, zerolog.Nop())
	_, err := s.CaptureBurst(testPlan)
	require.ErrorIs(t, err, ErrCaptureRequestFailed)
	require.ErrorIs(t, err, camera.ErrDeviceDisconnected)
	assert.False(t, s.Active())

	s = NewBurstSequencer(&recordingSession{}, testCaps, zerolog.Nop())
	_, err = s.CaptureBurst(testPlan)
	require.NoError(t, err)
	_, err = s.CaptureBurst(testPlan)
	require.ErrorIs(t, err, ErrSequenceInProgress)

	_, err = NewBurstSequencer(&recordingSession{}, testCaps, zerolog.Nop()).CaptureBurst(nil)
	require.ErrorIs(t, err, exposure.ErrInvalidPlan)
}
