package camera

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openSim(t *testing.T, opts SimOptions) (*SimProvider, Handle, CaptureSession) {
	t.Helper()
	p := NewSimProvider(opts, zerolog.Nop())
	opened := make(chan Handle, 1)
	require.NoError(t, p.Open(p.opts.ID, func(h Handle, st DeviceState, err error) {
		if st == StateOpened {
			opened <- h
		}
	}))
	var h Handle
	select {
	case h = <-opened:
	case <-time.After(time.Second):
		t.Fatal("sim never opened")
	}
	cs, err := h.CreateSession(Size{640, 480})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return p, h, cs
}

func burstRequests(id uint64, n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{
			Template:     TemplateStillCapture,
			Tag:          Tag{Purpose: PurposeBracket, Sequence: id, Index: i},
			AEMode:       AEModeOff,
			ExposureTime: time.Duration(i+1) * time.Millisecond,
			ISO:          100,
		}
	}
	return reqs
}

func TestSim_Capabilities(t *testing.T) {
	p := NewSimProvider(SimOptions{AutoFocus: true}, zerolog.Nop())
	ids, err := p.Enumerate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []DeviceID{"sim0"}, ids)

	caps, err := p.Capabilities(context.Background(), "sim0")
	require.NoError(t, err)
	assert.True(t, caps.AutoFocus)
	assert.True(t, caps.ManualSensor)
	assert.Equal(t, 100, caps.ISORange.Min)

	_, err = p.Capabilities(context.Background(), "other")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSim_DenyAccess(t *testing.T) {
	p := NewSimProvider(SimOptions{DenyAccess: true}, zerolog.Nop())
	err := p.Open("sim0", func(Handle, DeviceState, error) {})
	assert.ErrorIs(t, err, ErrDeviceAccessDenied)
}

func TestSim_BurstInRequestOrder(t *testing.T) {
	_, _, cs := openSim(t, SimOptions{})
	require.NoError(t, cs.SubmitBurst(burstRequests(7, 3)))

	var completed, images []int
	for len(images) < 3 {
		ev := nextEvent(t, cs.Events())
		switch ev.Kind {
		case EventCompleted:
			completed = append(completed, ev.Tag.Index)
			assert.Equal(t, time.Duration(ev.Tag.Index+1)*time.Millisecond, ev.Result.ExposureTime)
		case EventImage:
			require.True(t, ev.Tagged)
			images = append(images, ev.Tag.Index)
			_, err := jpeg.Decode(bytes.NewReader(ev.Data))
			assert.NoError(t, err, "payload should be a JPEG")
		}
	}
	assert.Equal(t, []int{0, 1, 2}, completed)
	assert.Equal(t, []int{0, 1, 2}, images)
}

func TestSim_BurstShuffled(t *testing.T) {
	_, _, cs := openSim(t, SimOptions{ShuffleSeed: 3})
	require.NoError(t, cs.SubmitBurst(burstRequests(1, 5)))

	seen := map[int]bool{}
	for len(seen) < 5 {
		ev := nextEvent(t, cs.Events())
		if ev.Kind == EventImage {
			assert.Equal(t, uint64(1), ev.Tag.Sequence)
			seen[ev.Tag.Index] = true
		}
	}
	assert.Len(t, seen, 5)
}

func TestSim_BurstFailure(t *testing.T) {
	_, _, cs := openSim(t, SimOptions{FailBurst: true, FailIndex: 1})
	require.NoError(t, cs.SubmitBurst(burstRequests(2, 3)))

	var failed *Event
	images := 0
	for images < 2 {
		ev := nextEvent(t, cs.Events())
		switch ev.Kind {
		case EventFailed:
			e := ev
			failed = &e
		case EventImage:
			images++
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, 1, failed.Tag.Index)
	assert.Error(t, failed.Err)
}

func TestSim_UntaggedImages(t *testing.T) {
	_, _, cs := openSim(t, SimOptions{UntaggedImages: true})
	require.NoError(t, cs.Submit(Request{Template: TemplateStillCapture, Tag: Tag{Purpose: PurposeStill, Sequence: 1}}))
	for {
		ev := nextEvent(t, cs.Events())
		if ev.Kind == EventImage {
			assert.False(t, ev.Tagged)
			return
		}
	}
}

func TestSim_AutofocusLocksAfterTrigger(t *testing.T) {
	_, _, cs := openSim(t, SimOptions{AutoFocus: true, ReportAE: true, AFFrames: 2})
	preview := Request{Template: TemplatePreview, AFMode: AFModeContinuousPicture}
	require.NoError(t, cs.SetRepeating(preview))

	trigger := preview
	trigger.AFTrigger = AFTriggerStart
	trigger.Tag = Tag{Purpose: PurposePreview, Sequence: 5}
	require.NoError(t, cs.Submit(trigger))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-cs.Events():
			if ev.Kind == EventCompleted && ev.Result.AF == AFFocusedLocked {
				return
			}
		case <-deadline:
			t.Fatal("AF never locked")
		}
	}
}

func TestSim_PrecaptureConverges(t *testing.T) {
	_, _, cs := openSim(t, SimOptions{ReportAE: true, AEFrames: 1000, PrecaptureFrames: 2})
	preview := Request{Template: TemplatePreview}
	require.NoError(t, cs.SetRepeating(preview))

	trigger := preview
	trigger.AEPrecaptureTrigger = true
	require.NoError(t, cs.Submit(trigger))

	sawPrecapture := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-cs.Events():
			switch ev.Result.AE {
			case AEPrecapture:
				sawPrecapture = true
			case AEConverged:
				assert.True(t, sawPrecapture, "converged before precapture")
				return
			}
		case <-deadline:
			t.Fatal("AE never converged")
		}
	}
}

func TestSim_DisconnectNotifies(t *testing.T) {
	p := NewSimProvider(SimOptions{}, zerolog.Nop())
	states := make(chan DeviceState, 4)
	opened := make(chan Handle, 1)
	require.NoError(t, p.Open("sim0", func(h Handle, st DeviceState, err error) {
		states <- st
		if st == StateOpened {
			opened <- h
		}
	}))
	h := <-opened
	defer h.Close()
	cs, err := h.CreateSession(Size{640, 480})
	require.NoError(t, err)

	p.Disconnect("sim0")

	for {
		ev := nextEvent(t, cs.Events())
		if ev.Kind == EventDisconnected {
			assert.ErrorIs(t, ev.Err, ErrDeviceDisconnected)
			break
		}
	}
	assert.Equal(t, StateOpened, <-states)
	assert.Equal(t, StateDisconnected, <-states)
	assert.True(t, errors.Is(cs.Submit(Request{}), ErrDeviceDisconnected))
}

func TestSim_CloseClosesEvents(t *testing.T) {
	_, _, cs := openSim(t, SimOptions{})
	require.NoError(t, cs.Close())
	require.NoError(t, cs.Close())
	for range cs.Events() {
	}
	assert.ErrorIs(t, cs.Submit(Request{}), ErrSessionClosed)
}
