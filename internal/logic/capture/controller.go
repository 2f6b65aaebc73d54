package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/logic/exposure"
	"github.com/cjeanneret/HdrGo/internal/metrics"
)

var tracer = otel.Tracer("github.com/cjeanneret/HdrGo/internal/logic/capture")

// Device is an opened camera with its capture session, as handed out by
// session.Manager.
type Device interface {
	ID() camera.DeviceID
	Capabilities() camera.Capabilities
	Capture() camera.CaptureSession
	Lost() <-chan struct{}
	Err() error
	Close() error
}

// Settings is the read-only bracketing configuration of one photo.
type Settings struct {
	HDR          bool
	BracketCount int
	StepUp       float64
	StepDown     float64
}

// Sequence is one finished photo: the metering still and, with HDR, the
// ordered bracketed frames.
type Sequence struct {
	ID              uuid.UUID
	Number          uint64
	Device          camera.DeviceID
	HDR             bool
	Reference       []byte
	MeteredExposure time.Duration
	MeteredISO      int
	Plan            exposure.Plan
	Frames          []Slot
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Mode is "hdr" or "single", the label used in metrics and history.
func (s *Sequence) Mode() string {
	if s.HDR {
		return "hdr"
	}
	return "single"
}

type shot struct {
	ctx      context.Context
	settings Settings
	reply    chan shotResult
}

type shotResult struct {
	seq *Sequence
	err error
}

// pending is the sequence the worker is driving.
type pending struct {
	shot           shot
	ctx            context.Context
	span           trace.Span
	burstSpan      trace.Span
	seq            *Sequence
	stillSubmitted bool
	stillDone      bool
	burstCh        <-chan BurstResult
	burstDone      bool
}

// Controller runs photo sequences on one device. All capture state is owned
// by the goroutine executing Run; TakePicture posts to it and waits.
type Controller struct {
	dev      Device
	caps     camera.Capabilities
	cs       camera.CaptureSession
	settings Settings
	log      zerolog.Logger

	shots   chan shot
	stopped chan struct{}
	runErr  error // what Run returned; read only after stopped is closed

	// Owned by Run.
	sm     *StateMachine
	burst  *BurstSequencer
	cur    *pending
	number uint64
}

// NewController binds a controller to dev. It fails with
// ErrBracketingUnsupported when settings ask for HDR on a device without
// manual sensor control.
func NewController(dev Device, settings Settings, log zerolog.Logger) (*Controller, error) {
	caps := dev.Capabilities()
	if err := checkSettings(caps, settings); err != nil {
		return nil, err
	}
	log = log.With().Str("device", string(dev.ID())).Logger()
	c := &Controller{
		dev:      dev,
		caps:     caps,
		cs:       dev.Capture(),
		settings: settings,
		log:      log,
		shots:    make(chan shot),
		stopped:  make(chan struct{}),
		sm:       NewStateMachine(),
		burst:    NewBurstSequencer(dev.Capture(), caps, log),
	}
	c.sm.OnTransition = func(from, to State) {
		c.log.Debug().Uint64("sequence", c.number).Str("from", from.String()).Str("state", to.String()).Msg("state")
	}
	return c, nil
}

func checkSettings(caps camera.Capabilities, s Settings) error {
	if !s.HDR {
		return nil
	}
	if !caps.ManualSensor {
		return fmt.Errorf("%w: %s", ErrBracketingUnsupported, caps.ID)
	}
	if s.BracketCount < 1 {
		return fmt.Errorf("%w: bracket count %d", exposure.ErrInvalidPlan, s.BracketCount)
	}
	return nil
}

// Settings returns the controller's default settings.
func (c *Controller) Settings() Settings { return c.settings }

// Capabilities returns the device snapshot taken at open.
func (c *Controller) Capabilities() camera.Capabilities { return c.caps }

// TakePicture runs one sequence with the default settings.
func (c *Controller) TakePicture(ctx context.Context) (*Sequence, error) {
	return c.TakePictureWith(ctx, c.settings)
}

// TakePictureWith runs one sequence with s and blocks until it ends. ctx
// bounds the whole sequence. It returns ErrSequenceInProgress when a photo
// is already being taken.
func (c *Controller) TakePictureWith(ctx context.Context, s Settings) (*Sequence, error) {
	if err := checkSettings(c.caps, s); err != nil {
		return nil, err
	}
	sh := shot{ctx: ctx, settings: s, reply: make(chan shotResult, 1)}
	select {
	case c.shots <- sh:
	case <-c.stopped:
		return nil, c.stoppedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-sh.reply:
		return r.seq, r.err
	case <-c.stopped:
		select {
		case r := <-sh.reply:
			return r.seq, r.err
		default:
		}
		return nil, c.stoppedErr()
	}
}

// stoppedErr wraps the error Run stopped with, so callers can still tell a
// lost device from a shutdown.
func (c *Controller) stoppedErr() error {
	if c.runErr != nil {
		return fmt.Errorf("%w: %w", ErrControllerStopped, c.runErr)
	}
	return ErrControllerStopped
}

// Stopped is closed once Run has returned.
func (c *Controller) Stopped() <-chan struct{} { return c.stopped }

// Run is the capture worker. It returns nil when ctx is cancelled,
// camera.ErrSessionClosed when the capture session is closed under it, and
// the device error when the camera is lost, after closing the device.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer func() {
		c.runErr = err
		close(c.stopped)
	}()

	if err := c.cs.SetRepeating(c.previewRequest(0)); err != nil {
		return c.deviceError(fmt.Errorf("start preview: %w", err))
	}
	c.log.Info().Bool("hdr", c.settings.HDR).Int("bracket_count", c.settings.BracketCount).Msg("capture worker started")

	events := c.cs.Events()
	for {
		var (
			burstCh <-chan BurstResult
			seqDone <-chan struct{}
		)
		if p := c.cur; p != nil {
			burstCh = p.burstCh
			seqDone = p.ctx.Done()
		}

		select {
		case <-ctx.Done():
			c.fail(ctx.Err())
			return nil

		case <-c.dev.Lost():
			err := c.dev.Err()
			if err == nil {
				err = camera.ErrDeviceDisconnected
			}
			return c.deviceError(err)

		case sh := <-c.shots:
			if c.cur != nil {
				sh.reply <- shotResult{err: ErrSequenceInProgress}
				continue
			}
			c.begin(sh)

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					c.fail(ctx.Err())
					return nil
				}
				c.fail(camera.ErrSessionClosed)
				return camera.ErrSessionClosed
			}
			if ev.Kind == camera.EventDisconnected {
				err := ev.Err
				if err == nil {
					err = camera.ErrDeviceDisconnected
				}
				return c.deviceError(err)
			}
			c.handle(ev)

		case res := <-burstCh:
			c.onBurst(res)

		case <-seqDone:
			c.fail(c.cur.ctx.Err())
		}
	}
}

// deviceError aborts the running sequence and closes the device, which
// releases its lock. The device is never reopened here.
func (c *Controller) deviceError(err error) error {
	c.fail(err)
	c.log.Error().Err(err).Msg("device error, closing session")
	if cerr := c.dev.Close(); cerr != nil {
		c.log.Warn().Err(cerr).Msg("close after device error")
	}
	return err
}

func (c *Controller) begin(sh shot) {
	c.number++
	seq := &Sequence{
		ID:        uuid.New(),
		Number:    c.number,
		Device:    c.dev.ID(),
		HDR:       sh.settings.HDR,
		StartedAt: time.Now(),
	}
	ctx, span := tracer.Start(sh.ctx, "capture.sequence")
	span.SetAttributes(
		attribute.String("sequence.id", seq.ID.String()),
		attribute.String("device", string(seq.Device)),
		attribute.Bool("hdr", seq.HDR),
		attribute.Int("bracket_count", sh.settings.BracketCount),
	)
	c.cur = &pending{shot: sh, ctx: ctx, span: span, seq: seq}
	c.log.Info().Str("id", seq.ID.String()).Uint64("sequence", seq.Number).Bool("hdr", seq.HDR).Msg("sequence started")

	c.perform(c.sm.Start(c.caps.AutoFocus))
}

func (c *Controller) previewRequest(n uint64) camera.Request {
	req := camera.Request{
		Template: camera.TemplatePreview,
		Tag:      camera.Tag{Purpose: camera.PurposePreview, Sequence: n},
	}
	if c.caps.AutoFocus {
		req.AFMode = camera.AFModeContinuousPicture
	}
	return req
}

func (c *Controller) perform(a Action) {
	p := c.cur
	if p == nil {
		return
	}
	n := p.seq.Number
	var err error
	switch a {
	case ActionNone:
		return

	case ActionLockFocus:
		req := c.previewRequest(n)
		if c.caps.AutoFocus {
			req.AFTrigger = camera.AFTriggerStart
		}
		if err = c.cs.Submit(req); err == nil {
			// Results of this sequence keep flowing from the repeating stream.
			err = c.cs.SetRepeating(c.previewRequest(n))
		}

	case ActionStartPrecapture:
		req := c.previewRequest(n)
		req.AEPrecaptureTrigger = true
		err = c.cs.Submit(req)

	case ActionCaptureStill:
		if err = c.cs.StopRepeating(); err != nil {
			break
		}
		req := camera.Request{
			Template: camera.TemplateStillCapture,
			Tag:      camera.Tag{Purpose: camera.PurposeStill, Sequence: n},
		}
		if c.caps.AutoFocus {
			req.AFMode = camera.AFModeContinuousPicture
		}
		if !p.seq.HDR && c.caps.Flash {
			req.AEMode = camera.AEModeOnAutoFlash
		}
		err = c.cs.Submit(req)
		p.stillSubmitted = err == nil

	case ActionAbort:
		return
	}
	if err != nil {
		c.fail(fmt.Errorf("%w: %s: %w", ErrCaptureRequestFailed, a, err))
	}
}

func (c *Controller) handle(ev camera.Event) {
	if c.burst.HandleEvent(ev) {
		return
	}
	if !ev.Tagged {
		if ev.Kind == camera.EventImage {
			c.untaggedImage(ev.Data)
		}
		return
	}

	p := c.cur
	if p == nil || ev.Tag.Sequence != p.seq.Number {
		// Sequence 0 is the idle preview stream.
		if ev.Tag.Sequence != 0 {
			metrics.IncStaleNotification(ev.Kind.String())
			c.log.Debug().Err(ErrStaleNotification).Str("tag", ev.Tag.String()).Str("kind", ev.Kind.String()).Msg("dropped")
		}
		return
	}

	if ev.Kind == camera.EventFailed {
		c.fail(fmt.Errorf("%w: %s: %w", ErrCaptureRequestFailed, ev.Tag.Purpose, errOrUnknown(ev.Err)))
		return
	}

	switch ev.Tag.Purpose {
	case camera.PurposePreview:
		if c.sm.Active() && (ev.Kind == camera.EventProgressed || ev.Kind == camera.EventCompleted) {
			c.log.Trace().Str("af", ev.Result.AF.String()).Str("ae", ev.Result.AE.String()).Bool("partial", ev.Result.Partial).Msg("3A")
			c.perform(c.sm.Advance(ev.Result))
		}

	case camera.PurposeStill:
		switch ev.Kind {
		case camera.EventCompleted:
			c.onStillCompleted(ev.Result)
		case camera.EventImage:
			if p.seq.Reference == nil {
				p.seq.Reference = ev.Data
				c.maybeFinish()
			}
		}
	}
}

func (c *Controller) untaggedImage(data []byte) {
	p := c.cur
	if p != nil && p.stillSubmitted && p.seq.Reference == nil {
		p.seq.Reference = data
		c.maybeFinish()
		return
	}
	if c.burst.AddUntagged(data) {
		return
	}
	metrics.IncStaleNotification(camera.EventImage.String())
	c.log.Debug().Err(ErrStaleNotification).Msg("untagged image dropped")
}

func (c *Controller) onStillCompleted(res camera.Result) {
	p := c.cur
	if p.stillDone {
		return
	}
	p.stillDone = true
	p.seq.MeteredExposure = res.ExposureTime
	p.seq.MeteredISO = res.ISO
	c.log.Info().Dur("exposure", res.ExposureTime).Int("iso", res.ISO).Msg("metering still complete")

	c.unlockFocus()
	if p.seq.HDR {
		c.startBurst()
		if c.cur != p {
			return
		}
	}
	c.maybeFinish()
}

// unlockFocus cancels the AF lock and resumes the idle preview stream.
func (c *Controller) unlockFocus() {
	if c.caps.AutoFocus {
		req := c.previewRequest(c.cur.seq.Number)
		req.AFTrigger = camera.AFTriggerCancel
		if err := c.cs.Submit(req); err != nil {
			c.log.Warn().Err(err).Msg("cancel focus lock")
		}
	}
	if err := c.cs.SetRepeating(c.previewRequest(0)); err != nil {
		c.log.Warn().Err(err).Msg("resume preview")
	}
}

func (c *Controller) startBurst() {
	p := c.cur
	s := p.shot.settings
	if p.seq.MeteredExposure <= 0 {
		c.fail(fmt.Errorf("%w: device reported no metered exposure", ErrCaptureRequestFailed))
		return
	}
	best := exposure.EquivalentExposure(p.seq.MeteredExposure, p.seq.MeteredISO, c.caps.ISORange.Min)
	best = c.caps.ExposureRange.Clamp(best)
	plan, err := exposure.NewPlan(best, s.BracketCount, s.StepUp, s.StepDown,
		exposure.Range{Lower: c.caps.ExposureRange.Lower, Upper: c.caps.ExposureRange.Upper})
	if err != nil {
		c.fail(fmt.Errorf("plan burst: %w", err))
		return
	}
	p.seq.Plan = plan

	_, span := tracer.Start(p.ctx, "capture.burst")
	span.SetAttributes(
		attribute.Int("frames", len(plan)),
		attribute.String("plan", plan.String()),
	)
	ch, err := c.burst.CaptureBurst(plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.fail(err)
		return
	}
	p.burstSpan = span
	p.burstCh = ch
}

func (c *Controller) onBurst(res BurstResult) {
	p := c.cur
	p.burstCh = nil
	if span := p.burstSpan; span != nil {
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		p.burstSpan = nil
	}
	if res.Err != nil {
		c.fail(res.Err)
		return
	}
	p.burstDone = true
	p.seq.Frames = res.Frames
	c.maybeFinish()
}

func (c *Controller) maybeFinish() {
	p := c.cur
	if p == nil || !p.stillDone || p.seq.Reference == nil {
		return
	}
	if p.seq.HDR && !p.burstDone {
		return
	}
	c.sm.Reset()
	c.finish(nil)
}

// fail aborts the running sequence, if any, and restores the idle preview.
func (c *Controller) fail(err error) {
	if c.cur == nil {
		return
	}
	c.sm.Fail()
	c.burst.Abort(err)
	c.finish(err)
	if c.dev.Err() == nil && !errors.Is(err, camera.ErrSessionClosed) {
		if rerr := c.cs.SetRepeating(c.previewRequest(0)); rerr != nil {
			c.log.Debug().Err(rerr).Msg("restore preview")
		}
	}
}

func (c *Controller) finish(err error) {
	p := c.cur
	c.cur = nil
	p.seq.FinishedAt = time.Now()
	took := p.seq.FinishedAt.Sub(p.seq.StartedAt)

	outcome := "success"
	if err != nil {
		outcome = Classify(err).String()
	}
	metrics.RecordSequence(p.seq.Mode(), outcome, took)

	if p.burstSpan != nil {
		p.burstSpan.End()
	}
	if err != nil {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
		c.log.Warn().Err(err).Uint64("sequence", p.seq.Number).Str("failure", outcome).Msg("sequence aborted")
		p.shot.reply <- shotResult{seq: p.seq, err: err}
	} else {
		p.span.SetStatus(codes.Ok, "")
		c.log.Info().Uint64("sequence", p.seq.Number).Int("frames", len(p.seq.Frames)).Dur("took", took).Msg("sequence complete")
		p.shot.reply <- shotResult{seq: p.seq}
	}
	p.span.End()
}
