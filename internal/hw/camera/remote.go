package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cjeanneret/HdrGo/internal/debug"
	"github.com/cjeanneret/HdrGo/internal/hw/gpio"
)

// RemoteOptions describes a DSLR wired to the GPIO header through its
// 3-pin remote connector:
//   - GND: connected to Raspberry Pi ground
//   - FOCUS: autofocus (activate by setting to LOW)
//   - SHUTTER: trigger (activate by setting to LOW)
//
// The body is set to bulb mode so the shutter stays open while SHUTTER is
// held LOW. A tether tool drops every image into TetherDir.
type RemoteOptions struct {
	ID              DeviceID
	Name            string
	FocusPin        int
	ShutterPin      int
	FocusDelay      time.Duration // time for autofocus
	PostShotDelay   time.Duration // time for the body to write the frame
	TetherDir       string
	Settle          time.Duration // quiet period before a tethered file is read
	MeteredExposure time.Duration // used for requests with auto exposure
	Range           ExposureRange
	ISO             int
	Resolution      Size
}

// RemoteProvider drives a single remote-release camera.
// It reports no AF or AE state and delivers images without request tags.
type RemoteProvider struct {
	gpio gpio.Driver
	opts RemoteOptions
	log  zerolog.Logger
}

// NewRemoteProvider returns a provider for the camera described by opts.
func NewRemoteProvider(g gpio.Driver, opts RemoteOptions, log zerolog.Logger) *RemoteProvider {
	if opts.ID == "" {
		opts.ID = "remote0"
	}
	if opts.Name == "" {
		opts.Name = "Remote release DSLR"
	}
	if opts.Settle <= 0 {
		opts.Settle = 250 * time.Millisecond
	}
	return &RemoteProvider{gpio: g, opts: opts, log: log.With().Str("driver", "remote_gpio").Logger()}
}

func (p *RemoteProvider) Enumerate(ctx context.Context) ([]DeviceID, error) {
	return []DeviceID{p.opts.ID}, nil
}

func (p *RemoteProvider) Capabilities(ctx context.Context, id DeviceID) (Capabilities, error) {
	if id != p.opts.ID {
		return Capabilities{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return Capabilities{
		ID:            p.opts.ID,
		Name:          p.opts.Name,
		ExposureRange: p.opts.Range,
		ISORange:      ISORange{Min: p.opts.ISO, Max: p.opts.ISO},
		ManualSensor:  true,
		OutputSizes:   []Size{p.opts.Resolution},
	}, nil
}

// Open configures the release lines and checks the tether directory.
func (p *RemoteProvider) Open(id DeviceID, listener StateListener) error {
	if id != p.opts.ID {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if err := p.releaseLines(); err != nil {
		return err
	}
	if _, err := os.ReadDir(p.opts.TetherDir); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrDeviceAccessDenied, err)
		}
		return fmt.Errorf("tether dir: %w", err)
	}
	h := &remoteHandle{p: p}
	go listener(h, StateOpened, nil)
	return nil
}

// releaseLines configures both pins as outputs in their inactive (HIGH) state.
func (p *RemoteProvider) releaseLines() error {
	for _, pin := range []int{p.opts.FocusPin, p.opts.ShutterPin} {
		if err := p.gpio.SetupPin(pin, gpio.Output); err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return fmt.Errorf("%w: %v", ErrDeviceAccessDenied, err)
			}
			return fmt.Errorf("setup pin %d: %w", pin, err)
		}
		if err := p.gpio.WritePin(pin, gpio.High); err != nil {
			return fmt.Errorf("release pin %d: %w", pin, err)
		}
	}
	return nil
}

// shoot triggers one frame.
// Sequence: FOCUS -> wait for AF -> SHUTTER -> hold for the exposure -> release
func (p *RemoteProvider) shoot(exposure time.Duration, wait func(time.Duration) bool) error {
	debug.Verbose("Camera: activating FOCUS (pin %d -> LOW)", p.opts.FocusPin)
	if err := p.gpio.WritePin(p.opts.FocusPin, gpio.Low); err != nil {
		return err
	}
	if !wait(p.opts.FocusDelay) {
		_ = p.releaseLines()
		return ErrSessionClosed
	}

	debug.Verbose("Camera: activating SHUTTER (pin %d -> LOW) for %v", p.opts.ShutterPin, exposure)
	if err := p.gpio.WritePin(p.opts.ShutterPin, gpio.Low); err != nil {
		// Release FOCUS on error
		_ = p.gpio.WritePin(p.opts.FocusPin, gpio.High)
		return err
	}
	held := wait(exposure)

	debug.Verbose("Camera: releasing SHUTTER then FOCUS")
	if err := p.gpio.WritePin(p.opts.ShutterPin, gpio.High); err != nil {
		return err
	}
	if err := p.gpio.WritePin(p.opts.FocusPin, gpio.High); err != nil {
		return err
	}
	if !held || !wait(p.opts.PostShotDelay) {
		return ErrSessionClosed
	}
	return nil
}

type remoteHandle struct {
	p *RemoteProvider

	mu      sync.Mutex
	session *remoteSession
}

func (h *remoteHandle) ID() DeviceID { return h.p.opts.ID }

func (h *remoteHandle) CreateSession(output Size) (CaptureSession, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tether watcher: %w", err)
	}
	if err := w.Add(h.p.opts.TetherDir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", h.p.opts.TetherDir, err)
	}
	s := newRemoteSession(h.p, w)

	h.mu.Lock()
	prev := h.session
	h.session = s
	h.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return s, nil
}

func (h *remoteHandle) Close() error {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
	return h.p.releaseLines()
}

// remoteSession shoots queued requests on one goroutine and picks up
// tethered files on another; both emit on events, closed once both exit.
type remoteSession struct {
	p       *RemoteProvider
	watcher *fsnotify.Watcher

	events chan Event
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	queue  []Request
	closed bool
}

func newRemoteSession(p *RemoteProvider, w *fsnotify.Watcher) *remoteSession {
	s := &remoteSession{
		p:       p,
		watcher: w,
		events:  make(chan Event, 64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.shooter()
	go s.tether()
	go func() {
		s.wg.Wait()
		close(s.events)
	}()
	return s
}

func (s *remoteSession) enqueue(reqs ...Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.queue = append(s.queue, reqs...)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *remoteSession) Submit(req Request) error { return s.enqueue(req) }

func (s *remoteSession) SubmitBurst(reqs []Request) error {
	if len(reqs) == 0 {
		return fmt.Errorf("remote: empty burst")
	}
	return s.enqueue(reqs...)
}

// SetRepeating is accepted but produces no frames: the body has no live view
// over the remote connector.
func (s *remoteSession) SetRepeating(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *remoteSession) StopRepeating() error { return nil }

func (s *remoteSession) Events() <-chan Event { return s.events }

func (s *remoteSession) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *remoteSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *remoteSession) wait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.done:
		return false
	}
}

func (s *remoteSession) shooter() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, req := range batch {
			if !s.process(req) {
				return
			}
		}
	}
}

func (s *remoteSession) process(req Request) bool {
	res := Result{Tag: req.Tag}
	if req.Template != TemplateStillCapture {
		// 3A happens in the body; nothing is reported.
		return s.emit(Event{Kind: EventCompleted, Tag: req.Tag, Tagged: true, Result: res})
	}

	exposure := s.p.opts.MeteredExposure
	if req.AEMode == AEModeOff && req.ExposureTime > 0 {
		exposure = s.p.opts.Range.Clamp(req.ExposureTime)
	}
	s.p.log.Debug().Str("tag", req.Tag.String()).Dur("exposure", exposure).Msg("shooting")
	if err := s.p.shoot(exposure, s.wait); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return false
		}
		return s.emit(Event{Kind: EventFailed, Tag: req.Tag, Tagged: true, Err: fmt.Errorf("remote release: %w", err)})
	}
	res.ExposureTime = exposure
	res.ISO = s.p.opts.ISO
	return s.emit(Event{Kind: EventCompleted, Tag: req.Tag, Tagged: true, Result: res})
}

func (s *remoteSession) tether() {
	defer s.wg.Done()
	settle := s.p.opts.Settle
	tick := time.NewTicker(settle / 2)
	defer tick.Stop()

	pending := make(map[string]*tetherFile)
	seq := 0
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) && isTetheredImage(ev.Name) {
				f, seen := pending[ev.Name]
				if !seen {
					seq++
					f = &tetherFile{name: ev.Name, seq: seq}
					pending[ev.Name] = f
				}
				f.last = time.Now()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.p.log.Warn().Err(err).Msg("tether watcher")
		case now := <-tick.C:
			var ready []*tetherFile
			for name, f := range pending {
				if now.Sub(f.last) >= settle {
					ready = append(ready, f)
					delete(pending, name)
				}
			}
			// Shot order is file creation order.
			sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
			for _, f := range ready {
				data, err := os.ReadFile(f.name)
				if err != nil {
					s.p.log.Warn().Err(err).Str("file", f.name).Msg("read tethered image")
					continue
				}
				s.p.log.Debug().Str("file", filepath.Base(f.name)).Int("bytes", len(data)).Msg("tethered image")
				if !s.emit(Event{Kind: EventImage, Data: data}) {
					return
				}
			}
		}
	}
}

type tetherFile struct {
	name string
	seq  int
	last time.Time
}

func isTetheredImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}
