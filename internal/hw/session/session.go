// Package session owns exclusive access to camera devices.
//
// A Manager hands out at most one live Session per device ID. Opening waits
// on a per-device lock with a bounded budget; every failure path, and Close,
// releases that lock. An open that times out keeps the lock until the late
// handle is closed, so two handles for one device are never live together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/metrics"
)

// DefaultOpenTimeout bounds lock acquisition plus device open.
const DefaultOpenTimeout = 2500 * time.Millisecond

// Options configures a Manager.
type Options struct {
	OpenTimeout time.Duration
	// LateOpenGrace is how long a timed-out open keeps the device lock while
	// waiting for a late handle. Zero means OpenTimeout.
	LateOpenGrace time.Duration
	// Resolution is the preferred output size; nil or unsupported selects the largest.
	Resolution *camera.Size
}

// Manager opens devices through a camera.Provider.
type Manager struct {
	provider camera.Provider
	opts     Options
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[camera.DeviceID]*semaphore.Weighted
}

// NewManager returns a Manager for provider.
func NewManager(provider camera.Provider, opts Options, log zerolog.Logger) *Manager {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.LateOpenGrace <= 0 {
		opts.LateOpenGrace = opts.OpenTimeout
	}
	return &Manager{
		provider: provider,
		opts:     opts,
		log:      log,
		locks:    make(map[camera.DeviceID]*semaphore.Weighted),
	}
}

// Provider returns the underlying hardware provider.
func (m *Manager) Provider() camera.Provider { return m.provider }

func (m *Manager) lockFor(id camera.DeviceID) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = semaphore.NewWeighted(1)
		m.locks[id] = l
	}
	return l
}

type phase int

const (
	phaseOpening phase = iota
	phaseOpen
	phaseAbandoned
	phaseParked // gave up with no handle, still holding the lock
	phaseClosed
)

// Session is an opened device with its capture session.
type Session struct {
	id      camera.DeviceID
	caps    camera.Capabilities
	size    camera.Size
	lock    *semaphore.Weighted
	log     zerolog.Logger
	handle  camera.Handle
	capture camera.CaptureSession

	mu       sync.Mutex
	phase    phase
	openedCh chan camera.Handle
	failCh   chan error
	lost     chan struct{}
	lostErr  error

	closeOnce sync.Once
	closeErr  error

	grace       *time.Timer
	releaseOnce sync.Once
}

// Open acquires the device lock and opens id. When the lock is not free within
// the open budget the error matches both camera.ErrDeviceBusy and
// camera.ErrDeviceTimeout. It returns camera.ErrDeviceAccessDenied when the
// platform refuses access and camera.ErrDeviceTimeout alone when the device
// does not report opened in time.
func (m *Manager) Open(ctx context.Context, id camera.DeviceID) (*Session, error) {
	start := time.Now()
	octx, cancel := context.WithTimeout(ctx, m.opts.OpenTimeout)
	defer cancel()

	log := m.log.With().Str("device", string(id)).Logger()
	lock := m.lockFor(id)
	if err := lock.Acquire(octx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RecordDeviceOpen("busy", time.Since(start))
		log.Warn().Dur("waited", time.Since(start)).Msg("device lock not available")
		return nil, fmt.Errorf("open %s: %w: %w", id, camera.ErrDeviceBusy, camera.ErrDeviceTimeout)
	}

	s, err := m.open(octx, id, lock, log)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, camera.ErrDeviceAccessDenied):
			metrics.RecordDeviceOpen("denied", time.Since(start))
		case errors.Is(err, camera.ErrDeviceTimeout):
			metrics.RecordDeviceOpen("timeout", time.Since(start))
		default:
			metrics.RecordDeviceOpen("error", time.Since(start))
		}
		log.Error().Err(err).Msg("open failed")
		return nil, fmt.Errorf("open %s: %w", id, err)
	}

	metrics.RecordDeviceOpen("success", time.Since(start))
	metrics.IncSessionsActive()
	log.Info().Str("size", s.size.String()).Dur("took", time.Since(start)).Msg("session opened")
	return s, nil
}

// open runs with the lock held and releases it on error, except when the
// device may still report opened; then the abandoned session keeps the lock
// until the late handle is closed or the grace period ends.
func (m *Manager) open(ctx context.Context, id camera.DeviceID, lock *semaphore.Weighted, log zerolog.Logger) (*Session, error) {
	caps, err := m.provider.Capabilities(ctx, id)
	if err != nil {
		lock.Release(1)
		return nil, fmt.Errorf("capabilities: %w", err)
	}
	size, err := caps.ChooseSize(m.opts.Resolution)
	if err != nil {
		lock.Release(1)
		return nil, err
	}

	s := &Session{
		id:       id,
		caps:     caps,
		size:     size,
		lock:     lock,
		log:      log,
		openedCh: make(chan camera.Handle, 1),
		failCh:   make(chan error, 1),
		lost:     make(chan struct{}),
	}

	if err := m.provider.Open(id, s.onState); err != nil {
		lock.Release(1)
		return nil, err
	}

	var h camera.Handle
	select {
	case h = <-s.openedCh:
	case err := <-s.failCh:
		if h := s.abandon(); h != nil {
			_ = h.Close()
		}
		lock.Release(1)
		return nil, err
	case <-ctx.Done():
		if h = s.park(m.opts.LateOpenGrace); h == nil {
			return nil, camera.ErrDeviceTimeout
		}
	}

	cs, err := h.CreateSession(size)
	if err != nil {
		_ = h.Close()
		s.markAbandoned()
		lock.Release(1)
		return nil, fmt.Errorf("create capture session: %w", err)
	}

	s.mu.Lock()
	s.handle = h
	s.capture = cs
	if s.phase == phaseOpening {
		s.phase = phaseOpen
	}
	s.mu.Unlock()
	return s, nil
}

// abandon stops waiting for the device. A handle that raced in is returned
// for use; otherwise later arrivals are closed by onState.
func (s *Session) abandon() camera.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case h := <-s.openedCh:
		return h
	default:
	}
	s.phase = phaseAbandoned
	return nil
}

// park is abandon for a timed-out open: with no handle yet, the session keeps
// the device lock until the late handle is closed, a late failure arrives, or
// grace runs out.
func (s *Session) park(grace time.Duration) camera.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case h := <-s.openedCh:
		return h
	default:
	}
	s.phase = phaseParked
	s.grace = time.AfterFunc(grace, func() {
		s.log.Warn().Dur("grace", grace).Msg("device never reported after open gave up, releasing lock")
		s.releaseParked()
	})
	return nil
}

// releaseParked hands back the lock held by a parked session, once.
func (s *Session) releaseParked() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		if s.grace != nil {
			s.grace.Stop()
		}
		s.mu.Unlock()
		s.lock.Release(1)
	})
}

func (s *Session) markAbandoned() {
	s.mu.Lock()
	s.phase = phaseAbandoned
	s.mu.Unlock()
}

// onState is the StateListener handed to the provider.
func (s *Session) onState(h camera.Handle, st camera.DeviceState, err error) {
	s.mu.Lock()
	ph := s.phase
	if ph == phaseParked || (st == camera.StateOpened && ph != phaseOpening) {
		s.mu.Unlock()
		s.late(h, st, ph == phaseParked)
		return
	}
	defer s.mu.Unlock()

	switch st {
	case camera.StateOpened:
		select {
		case s.openedCh <- h:
		default:
		}
	case camera.StateDisconnected, camera.StateError:
		cause := camera.ErrDeviceDisconnected
		if err != nil {
			cause = fmt.Errorf("%w: %w", camera.ErrDeviceDisconnected, err)
		}
		switch s.phase {
		case phaseOpening:
			select {
			case s.failCh <- cause:
			default:
			}
		case phaseOpen:
			if s.lostErr == nil {
				s.lostErr = cause
				close(s.lost)
				s.log.Warn().Err(cause).Msg("device lost")
			}
		}
	}
}

// late handles a state report that arrives after open gave up. A late handle
// is closed before a parked session gives back the device lock.
func (s *Session) late(h camera.Handle, st camera.DeviceState, parked bool) {
	if st == camera.StateOpened && h != nil {
		s.log.Warn().Str("phase", "late").Msg("device opened after open gave up, closing")
		if err := h.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close late device")
		}
	}
	if parked {
		s.releaseParked()
	}
}

// ID returns the device identifier.
func (s *Session) ID() camera.DeviceID { return s.id }

// Capabilities returns the snapshot taken at open.
func (s *Session) Capabilities() camera.Capabilities { return s.caps }

// OutputSize returns the negotiated output size.
func (s *Session) OutputSize() camera.Size { return s.size }

// Capture returns the live capture session.
func (s *Session) Capture() camera.CaptureSession { return s.capture }

// Lost is closed when the device disconnects or reports an error after open.
func (s *Session) Lost() <-chan struct{} { return s.lost }

// Err returns why the device was lost, nil while it is healthy.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostErr
}

// Close tears down the capture session and the device, then releases the
// device lock. It is idempotent; the lock is released even when the
// hardware reports an error while closing.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.phase = phaseClosed
		cs, h := s.capture, s.handle
		s.mu.Unlock()

		var errs []error
		if cs != nil {
			if err := cs.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close capture session: %w", err))
			}
		}
		if h != nil {
			if err := h.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close device: %w", err))
			}
		}
		s.lock.Release(1)
		metrics.DecSessionsActive()
		s.closeErr = errors.Join(errs...)
		s.log.Info().Err(s.closeErr).Msg("session closed")
	})
	return s.closeErr
}
