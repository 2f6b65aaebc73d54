package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SimOptions configures the simulated camera.
type SimOptions struct {
	ID             DeviceID
	AutoFocus      bool // device has AF and reports its state
	ReportAE       bool // device reports AE state
	Flash          bool
	NoManualSensor bool // device cannot take per-request exposure settings
	FrameInterval  time.Duration

	// 3A model, in preview frames.
	AFFrames         int // active scan length after an AF trigger
	AEFrames         int // frames before AE converges on its own
	PrecaptureFrames int // precapture sequence length

	MeteredExposure time.Duration
	MeteredISO      int

	// ShuffleSeed != 0 delivers burst completions and images in a seeded
	// random order instead of request order.
	ShuffleSeed    int64
	UntaggedImages bool // images carry no request tag

	FailBurst  bool // the burst request at FailIndex fails
	FailIndex  int
	FailStill  bool // the metering still fails
	DenyAccess bool
	OpenDelay  time.Duration
	NeverOpen  bool
}

func (o *SimOptions) setDefaults() {
	if o.ID == "" {
		o.ID = "sim0"
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = 5 * time.Millisecond
	}
	if o.AFFrames <= 0 {
		o.AFFrames = 3
	}
	if o.AEFrames <= 0 {
		o.AEFrames = 2
	}
	if o.PrecaptureFrames <= 0 {
		o.PrecaptureFrames = 2
	}
	if o.MeteredExposure <= 0 {
		o.MeteredExposure = 10 * time.Millisecond
	}
	if o.MeteredISO <= 0 {
		o.MeteredISO = 400
	}
}

// SimProvider is an in-process camera for development and tests.
type SimProvider struct {
	opts SimOptions
	caps Capabilities
	log  zerolog.Logger

	mu      sync.Mutex
	handles map[DeviceID]*simHandle
}

// NewSimProvider returns a provider exposing a single simulated device.
func NewSimProvider(opts SimOptions, log zerolog.Logger) *SimProvider {
	opts.setDefaults()
	return &SimProvider{
		opts: opts,
		caps: Capabilities{
			ID:            opts.ID,
			Name:          "Simulated camera",
			ExposureRange: ExposureRange{Lower: 100 * time.Microsecond, Upper: time.Second},
			ISORange:      ISORange{Min: 100, Max: 3200},
			AutoFocus:     opts.AutoFocus,
			Flash:         opts.Flash,
			ManualSensor:  !opts.NoManualSensor,
			OutputSizes: []Size{
				{Width: 640, Height: 480},
				{Width: 4032, Height: 3024},
				{Width: 1920, Height: 1080},
			},
		},
		log:     log.With().Str("driver", "sim").Logger(),
		handles: make(map[DeviceID]*simHandle),
	}
}

func (p *SimProvider) Enumerate(ctx context.Context) ([]DeviceID, error) {
	return []DeviceID{p.opts.ID}, nil
}

func (p *SimProvider) Capabilities(ctx context.Context, id DeviceID) (Capabilities, error) {
	if id != p.opts.ID {
		return Capabilities{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	c := p.caps
	c.OutputSizes = append([]Size(nil), p.caps.OutputSizes...)
	return c, nil
}

func (p *SimProvider) Open(id DeviceID, listener StateListener) error {
	if id != p.opts.ID {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if p.opts.DenyAccess {
		return ErrDeviceAccessDenied
	}
	if p.opts.NeverOpen {
		return nil
	}
	h := &simHandle{p: p, id: id, listener: listener}
	go func() {
		if p.opts.OpenDelay > 0 {
			time.Sleep(p.opts.OpenDelay)
		}
		p.mu.Lock()
		p.handles[id] = h
		p.mu.Unlock()
		listener(h, StateOpened, nil)
	}()
	return nil
}

// Disconnect simulates the device being unplugged.
func (p *SimProvider) Disconnect(id DeviceID) {
	p.mu.Lock()
	h := p.handles[id]
	p.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()
	if s != nil {
		s.disconnect()
	}
	h.listener(nil, StateDisconnected, nil)
}

type simHandle struct {
	p        *SimProvider
	id       DeviceID
	listener StateListener

	mu      sync.Mutex
	session *simSession
	closed  bool
}

func (h *simHandle) ID() DeviceID { return h.id }

func (h *simHandle) CreateSession(output Size) (CaptureSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrSessionClosed
	}
	if h.session != nil {
		_ = h.session.Close()
	}
	s := newSimSession(h.p.opts, h.p.caps, output, h.p.log)
	h.session = s
	return s, nil
}

func (h *simHandle) Close() error {
	h.mu.Lock()
	s := h.session
	h.closed = true
	h.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
	h.p.mu.Lock()
	if h.p.handles[h.id] == h {
		delete(h.p.handles, h.id)
	}
	h.p.mu.Unlock()
	return nil
}

// simSession processes requests on its own goroutine, which owns the events
// channel and closes it on exit.
type simSession struct {
	opts SimOptions
	caps Capabilities
	size Size
	log  zerolog.Logger
	rng  *rand.Rand

	events chan Event
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}

	mu           sync.Mutex
	queue        [][]Request
	repeating    *Request
	closed       bool
	disconnected bool
	once         sync.Once

	// 3A model, owned by run.
	frame      int64
	af         AFState
	afLeft     int
	ae         AEState
	aeLeft     int
	precapLeft int
}

func newSimSession(opts SimOptions, caps Capabilities, size Size, log zerolog.Logger) *simSession {
	s := &simSession{
		opts:   opts,
		caps:   caps,
		size:   size,
		log:    log,
		events: make(chan Event, 64),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		af:     AFPassiveScan,
		afLeft: opts.AFFrames,
		ae:     AESearching,
		aeLeft: opts.AEFrames,
	}
	if opts.ShuffleSeed != 0 {
		s.rng = rand.New(rand.NewSource(opts.ShuffleSeed))
	}
	go s.run()
	return s
}

func (s *simSession) enqueue(reqs []Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.disconnected:
		return ErrDeviceDisconnected
	}
	s.queue = append(s.queue, reqs)
	s.poke()
	return nil
}

func (s *simSession) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *simSession) Submit(req Request) error { return s.enqueue([]Request{req}) }

func (s *simSession) SubmitBurst(reqs []Request) error {
	if len(reqs) == 0 {
		return fmt.Errorf("sim: empty burst")
	}
	return s.enqueue(append([]Request(nil), reqs...))
}

func (s *simSession) SetRepeating(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.disconnected:
		return ErrDeviceDisconnected
	}
	s.repeating = &req
	return nil
}

func (s *simSession) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.repeating = nil
	return nil
}

func (s *simSession) Events() <-chan Event { return s.events }

func (s *simSession) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		<-s.exited
	})
	return nil
}

func (s *simSession) disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.queue = nil
	s.repeating = nil
	s.mu.Unlock()
	s.poke()
}

func (s *simSession) run() {
	defer close(s.exited)
	defer close(s.events)

	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()

	announced := false
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-ticker.C:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		var rep *Request
		if s.repeating != nil {
			r := *s.repeating
			rep = &r
		}
		gone := s.disconnected
		s.mu.Unlock()

		if gone {
			if !announced {
				announced = true
				s.emit(Event{Kind: EventDisconnected, Err: ErrDeviceDisconnected})
			}
			continue
		}

		for _, reqs := range batch {
			if len(reqs) > 1 || reqs[0].Tag.Purpose == PurposeBracket {
				if !s.burst(reqs) {
					return
				}
				continue
			}
			if !s.single(reqs[0]) {
				return
			}
		}
		if len(batch) == 0 && rep != nil {
			if !s.single(*rep) {
				return
			}
		}
	}
}

// emit reports false once the session is closing.
func (s *simSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *simSession) single(req Request) bool {
	if req.Template == TemplateStillCapture {
		return s.still(req)
	}

	switch req.AFTrigger {
	case AFTriggerStart:
		s.af = AFActiveScan
		s.afLeft = s.opts.AFFrames
	case AFTriggerCancel:
		s.af = AFInactive
	}
	if req.AEPrecaptureTrigger {
		s.ae = AEPrecapture
		s.precapLeft = s.opts.PrecaptureFrames
	}

	res := s.result(req.Tag)
	res.Partial = true
	if !s.emit(Event{Kind: EventProgressed, Tag: req.Tag, Tagged: true, Result: res}) {
		return false
	}
	res.Partial = false
	if !s.emit(Event{Kind: EventCompleted, Tag: req.Tag, Tagged: true, Result: res}) {
		return false
	}
	s.step3A()
	return true
}

func (s *simSession) still(req Request) bool {
	if s.opts.FailStill {
		return s.emit(Event{Kind: EventFailed, Tag: req.Tag, Tagged: true, Err: fmt.Errorf("sim: still capture failed")})
	}
	res := s.result(req.Tag)
	res.ExposureTime, res.ISO = s.exposureFor(req)
	if !s.emit(Event{Kind: EventCompleted, Tag: req.Tag, Tagged: true, Result: res}) {
		return false
	}
	return s.emit(s.image(req, res))
}

func (s *simSession) burst(reqs []Request) bool {
	completions := s.order(len(reqs))
	images := s.order(len(reqs))

	failed := -1
	if s.opts.FailBurst && s.opts.FailIndex >= 0 && s.opts.FailIndex < len(reqs) {
		failed = s.opts.FailIndex
	}

	results := make([]Result, len(reqs))
	for _, i := range completions {
		req := reqs[i]
		if i == failed {
			if !s.emit(Event{Kind: EventFailed, Tag: req.Tag, Tagged: true, Err: fmt.Errorf("sim: request %d failed", i)}) {
				return false
			}
			continue
		}
		res := s.result(req.Tag)
		res.ExposureTime, res.ISO = s.exposureFor(req)
		results[i] = res
		if !s.emit(Event{Kind: EventCompleted, Tag: req.Tag, Tagged: true, Result: res}) {
			return false
		}
	}
	for _, i := range images {
		if i == failed {
			continue
		}
		if !s.emit(s.image(reqs[i], results[i])) {
			return false
		}
	}
	return true
}

func (s *simSession) order(n int) []int {
	if s.rng == nil {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	return s.rng.Perm(n)
}

func (s *simSession) exposureFor(req Request) (time.Duration, int) {
	if req.AEMode == AEModeOff && req.ExposureTime > 0 {
		iso := req.ISO
		if iso <= 0 {
			iso = s.caps.ISORange.Min
		}
		return s.caps.ExposureRange.Clamp(req.ExposureTime), iso
	}
	return s.opts.MeteredExposure, s.opts.MeteredISO
}

func (s *simSession) result(tag Tag) Result {
	s.frame++
	res := Result{Tag: tag, FrameNumber: s.frame}
	if s.opts.AutoFocus {
		res.AF = s.af
	}
	if s.opts.ReportAE {
		res.AE = s.ae
	}
	return res
}

// step3A advances the autofocus and auto-exposure model by one frame.
func (s *simSession) step3A() {
	switch s.af {
	case AFActiveScan:
		if s.afLeft--; s.afLeft <= 0 {
			s.af = AFFocusedLocked
		}
	case AFPassiveScan:
		if s.afLeft--; s.afLeft <= 0 {
			s.af = AFPassiveFocused
		}
	}
	switch s.ae {
	case AESearching:
		if s.aeLeft--; s.aeLeft <= 0 {
			s.ae = AEConverged
		}
	case AEPrecapture:
		if s.precapLeft--; s.precapLeft <= 0 {
			s.ae = AEConverged
		}
	}
}

func (s *simSession) image(req Request, res Result) Event {
	data, err := syntheticJPEG(res.ExposureTime, res.ISO, s.opts.MeteredExposure, s.opts.MeteredISO)
	if err != nil {
		s.log.Error().Err(err).Msg("encode synthetic frame")
	}
	ev := Event{Kind: EventImage, Data: data, Result: res}
	if !s.opts.UntaggedImages {
		ev.Tag = req.Tag
		ev.Tagged = true
	}
	return ev
}

const thumbW, thumbH = 32, 24

// syntheticJPEG renders a small gradient whose brightness follows the
// exposure relative to the metered one.
func syntheticJPEG(exposure time.Duration, iso int, metered time.Duration, meteredISO int) ([]byte, error) {
	gain := 1.0
	if metered > 0 && meteredISO > 0 && iso > 0 {
		gain = float64(exposure) * float64(iso) / (float64(metered) * float64(meteredISO))
	}
	img := image.NewGray(image.Rect(0, 0, thumbW, thumbH))
	for y := 0; y < thumbH; y++ {
		for x := 0; x < thumbW; x++ {
			v := gain * float64(16+x*6)
			if v > 255 {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
