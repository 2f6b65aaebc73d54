package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cjeanneret/HdrGo/internal/config"
	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/journal"
	"github.com/cjeanneret/HdrGo/internal/logic/capture"
	"github.com/cjeanneret/HdrGo/internal/merge"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Output.Dir = filepath.Join(dir, "photos")
	cfg.Journal.Path = filepath.Join(dir, "history.db")
	cfg.HDR.SaveIntermediate = true
	return cfg
}

// concat joins the frames in order so tests can check the merge input.
var concat = merge.BackendFunc(func(_ context.Context, frames []merge.Frame, _ merge.Options) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f.Image)
	}
	return buf.Bytes(), nil
})

func newApp(t *testing.T, cfg *config.Config, opts Options) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestApp_ShootHDR(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg, Options{Backend: concat})

	shot, err := a.Shoot(context.Background(), Overrides{})
	require.NoError(t, err)
	require.True(t, shot.MergeQueued)
	assert.FileExists(t, shot.ReferencePath)
	require.Len(t, shot.FramePaths, 3)
	for _, p := range shot.FramePaths {
		assert.FileExists(t, p)
	}

	id := shot.Sequence.ID.String()
	var rec journal.Record
	require.Eventually(t, func() bool {
		recs, err := a.History(context.Background(), 10)
		if err != nil || len(recs) != 1 {
			return false
		}
		rec = recs[0]
		return rec.MergeStatus == journal.MergeDone
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "hdr", rec.Mode)
	assert.Equal(t, "success", rec.Status)
	assert.Equal(t, []time.Duration(shot.Sequence.Plan), rec.Exposures)

	merged, err := os.ReadFile(rec.MergedPath)
	require.NoError(t, err)
	var want []byte
	for _, f := range shot.Sequence.Frames {
		want = append(want, f.Data...)
	}
	assert.Equal(t, want, merged)
}

func TestApp_WaitMerges(t *testing.T) {
	a := newApp(t, testConfig(t), Options{Backend: concat})

	shot, err := a.Shoot(context.Background(), Overrides{})
	require.NoError(t, err)
	require.True(t, shot.MergeQueued)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.WaitMerges(ctx))

	recs, err := a.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, journal.MergeDone, recs[0].MergeStatus)
	assert.FileExists(t, recs[0].MergedPath)
}

func TestApp_ShootSingleOverride(t *testing.T) {
	a := newApp(t, testConfig(t), Options{Backend: concat})

	off := false
	shot, err := a.Shoot(context.Background(), Overrides{HDR: &off})
	require.NoError(t, err)
	assert.False(t, shot.MergeQueued)
	assert.Empty(t, shot.FramePaths)
	assert.Equal(t, "single", shot.Sequence.Mode())

	recs, err := a.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, journal.MergeNone, recs[0].MergeStatus)
}

func TestApp_BracketOverride(t *testing.T) {
	a := newApp(t, testConfig(t), Options{})

	shot, err := a.Shoot(context.Background(), Overrides{BracketCount: 5, ExposureStep: 3})
	require.NoError(t, err)
	assert.Len(t, shot.Sequence.Frames, 5)
	assert.False(t, shot.MergeQueued, "no backend configured")

	_, err = a.Shoot(context.Background(), Overrides{BracketCount: 12})
	require.Error(t, err)
	_, err = a.Shoot(context.Background(), Overrides{ExposureStep: 7})
	require.Error(t, err)
}

func TestApp_FailedSequenceIsJournaled(t *testing.T) {
	cfg := testConfig(t)
	p := camera.NewSimProvider(camera.SimOptions{FailStill: true}, zerolog.Nop())
	a := newApp(t, cfg, Options{Provider: p})

	_, err := a.Shoot(context.Background(), Overrides{})
	require.ErrorIs(t, err, capture.ErrCaptureRequestFailed)

	recs, err := a.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "capture_failed", recs[0].Status)
	assert.NotEmpty(t, recs[0].Error)
}

func TestApp_CloseReleasesDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = ""
	cfg.Device.OpenTimeoutMs = 100
	p := camera.NewSimProvider(camera.SimOptions{}, zerolog.Nop())

	a, err := New(context.Background(), cfg, Options{Provider: p}, zerolog.Nop())
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, Options{Provider: p}, zerolog.Nop())
	require.ErrorIs(t, err, camera.ErrDeviceBusy)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "Close is idempotent")

	b, err := New(context.Background(), cfg, Options{Provider: p}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestApp_UnknownDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device.ID = "nope"
	_, err := New(context.Background(), cfg, Options{}, zerolog.Nop())
	require.ErrorIs(t, err, camera.ErrUnknownDevice)
}

func TestApp_BracketingUnsupported(t *testing.T) {
	p := camera.NewSimProvider(camera.SimOptions{NoManualSensor: true}, zerolog.Nop())
	_, err := New(context.Background(), testConfig(t), Options{Provider: p}, zerolog.Nop())
	require.ErrorIs(t, err, capture.ErrBracketingUnsupported)
}

func TestCaptureSettings(t *testing.T) {
	s, err := CaptureSettings(config.Settings{HDR: true, BracketCount: 3, ExposureStep: 2})
	require.NoError(t, err)
	assert.Equal(t, capture.Settings{HDR: true, BracketCount: 3, StepUp: 1.6, StepDown: 0.64}, s)

	s, err = CaptureSettings(config.Settings{HDR: true, BracketCount: 5, ExposureStep: 1, StepUp: 3, StepDown: 0.25})
	require.NoError(t, err)
	assert.Equal(t, 3.0, s.StepUp)
	assert.Equal(t, 0.25, s.StepDown)

	_, err = CaptureSettings(config.Settings{ExposureStep: 0})
	require.Error(t, err)
}

func TestFrames(t *testing.T) {
	got := Frames([]capture.Slot{
		{Index: 0, Data: []byte("a"), Exposure: time.Millisecond},
		{Index: 1, Data: []byte("b"), Exposure: 2 * time.Millisecond},
	})
	assert.Equal(t, []merge.Frame{
		{Image: []byte("a"), Exposure: time.Millisecond},
		{Image: []byte("b"), Exposure: 2 * time.Millisecond},
	}, got)
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default()
	p, release, err := NewProvider(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, release())
	ids, err := p.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []camera.DeviceID{"sim0"}, ids)

	cfg.Device.Driver = config.DriverRemoteGPIO
	cfg.Defaults.MockGPIO = true
	cfg.RemoteGPIO.FocusPin = 23
	cfg.RemoteGPIO.ShutterPin = 24
	cfg.RemoteGPIO.TetherDir = t.TempDir()
	cfg.RemoteGPIO.ISO = 200
	cfg.RemoteGPIO.MinExposureMs = 1
	cfg.RemoteGPIO.MaxExposureMs = 30000
	p, release, err = NewProvider(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer release()
	caps, err := p.Capabilities(context.Background(), "remote0")
	require.NoError(t, err)
	assert.Equal(t, camera.ISORange{Min: 200, Max: 200}, caps.ISORange)
	assert.Equal(t, 30*time.Second, caps.ExposureRange.Upper)
	assert.False(t, caps.AutoFocus)

	cfg.Device.Driver = "usb"
	_, _, err = NewProvider(cfg, zerolog.Nop())
	require.Error(t, err)
}
