package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/logic/exposure"
	"github.com/cjeanneret/HdrGo/internal/metrics"
)

// BurstResult is the single outcome of a burst.
type BurstResult struct {
	ID     uint64
	Frames []Slot
	Err    error
}

// BurstSequencer issues bracketed bursts and routes their notifications to a
// per-burst Collector. At most one burst is active. Not safe for concurrent
// use; the controller's worker owns it.
type BurstSequencer struct {
	session camera.CaptureSession
	caps    camera.Capabilities
	log     zerolog.Logger

	lastID uint64
	active *burst
}

type burst struct {
	id        uint64
	plan      exposure.Plan
	collector *Collector
	completed []bool
	ncomplete int
	frames    []Slot
	started   time.Time
	result    chan BurstResult
}

// NewBurstSequencer submits bursts on session.
func NewBurstSequencer(session camera.CaptureSession, caps camera.Capabilities, log zerolog.Logger) *BurstSequencer {
	return &BurstSequencer{session: session, caps: caps, log: log}
}

// Active reports whether a burst is in flight.
func (s *BurstSequencer) Active() bool { return s.active != nil }

// Requests builds the tagged requests of burst id: still template, auto
// exposure off, minimum ISO and continuous AF where supported.
func (s *BurstSequencer) Requests(id uint64, plan exposure.Plan) []camera.Request {
	reqs := make([]camera.Request, len(plan))
	for i, d := range plan {
		req := camera.Request{
			Template:     camera.TemplateStillCapture,
			Tag:          camera.Tag{Purpose: camera.PurposeBracket, Sequence: id, Index: i},
			AEMode:       camera.AEModeOff,
			ExposureTime: d,
			ISO:          s.caps.ISORange.Min,
		}
		if s.caps.AutoFocus {
			req.AFMode = camera.AFModeContinuousPicture
		}
		reqs[i] = req
	}
	return reqs
}

// CaptureBurst submits one request per plan entry in a single batch. The
// returned channel yields exactly one BurstResult, then closes.
func (s *BurstSequencer) CaptureBurst(plan exposure.Plan) (<-chan BurstResult, error) {
	if s.active != nil {
		return nil, ErrSequenceInProgress
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: empty plan", exposure.ErrInvalidPlan)
	}
	s.lastID++
	id := s.lastID

	if err := s.session.SubmitBurst(s.Requests(id, plan)); err != nil {
		return nil, fmt.Errorf("%w: submit burst: %w", ErrCaptureRequestFailed, err)
	}

	b := &burst{
		id:        id,
		plan:      plan,
		collector: NewCollector(plan, s.log.With().Uint64("burst", id).Logger()),
		completed: make([]bool, len(plan)),
		started:   time.Now(),
		result:    make(chan BurstResult, 1),
	}
	s.active = b
	s.log.Info().Uint64("burst", id).Str("plan", plan.String()).Msg("burst submitted")
	return b.result, nil
}

// HandleEvent consumes bracket notifications. It returns false for events
// that do not belong to a burst. Events of a finished or unknown burst are
// dropped as stale.
func (s *BurstSequencer) HandleEvent(ev camera.Event) bool {
	if !ev.Tagged || ev.Tag.Purpose != camera.PurposeBracket {
		return false
	}
	b := s.active
	if b == nil || ev.Tag.Sequence != b.id {
		s.stale(ev)
		return true
	}

	switch ev.Kind {
	case camera.EventCompleted:
		i := ev.Tag.Index
		if i >= 0 && i < len(b.completed) && !b.completed[i] {
			b.completed[i] = true
			b.ncomplete++
			b.collector.SetExposure(i, ev.Result.ExposureTime)
			if b.frames != nil {
				b.frames[i].Exposure = b.collector.slots[i].Exposure
			}
		}
	case camera.EventImage:
		if frames, ok := b.collector.OnFrameReady(ev.Tag.Index, ev.Data); ok {
			b.frames = frames
		}
		metrics.IncBurstFrame()
	case camera.EventFailed:
		s.finish(BurstResult{ID: b.id, Err: fmt.Errorf("%w: frame %d: %w", ErrCaptureRequestFailed, ev.Tag.Index, errOrUnknown(ev.Err))})
		return true
	}
	s.maybeComplete()
	return true
}

// AddUntagged slots an image that carries no request tag. It reports false
// when no burst is waiting for frames.
func (s *BurstSequencer) AddUntagged(data []byte) bool {
	b := s.active
	if b == nil || b.collector.Done() {
		return false
	}
	if frames, ok := b.collector.OnFrameReady(NoIndex, data); ok {
		b.frames = frames
	}
	metrics.IncBurstFrame()
	s.maybeComplete()
	return true
}

// maybeComplete finishes the burst once every image and every final result arrived.
func (s *BurstSequencer) maybeComplete() {
	b := s.active
	if b == nil || b.frames == nil || b.ncomplete < len(b.plan) {
		return
	}
	for i := range b.frames {
		b.frames[i].Exposure = b.collector.slots[i].Exposure
	}
	s.log.Info().Uint64("burst", b.id).Dur("took", time.Since(b.started)).Msg("burst complete")
	s.finish(BurstResult{ID: b.id, Frames: b.frames})
}

// Abort fails the active burst with err.
func (s *BurstSequencer) Abort(err error) {
	if s.active == nil {
		return
	}
	s.finish(BurstResult{ID: s.active.id, Err: err})
}

func (s *BurstSequencer) finish(res BurstResult) {
	b := s.active
	s.active = nil
	b.collector.Abort()
	if res.Err != nil {
		s.log.Warn().Uint64("burst", b.id).Err(res.Err).Msg("burst failed")
	}
	b.result <- res
	close(b.result)
}

func (s *BurstSequencer) stale(ev camera.Event) {
	metrics.IncStaleNotification(ev.Kind.String())
	s.log.Debug().Err(ErrStaleNotification).Str("tag", ev.Tag.String()).Str("kind", ev.Kind.String()).Msg("dropped")
}

func errOrUnknown(err error) error {
	if err == nil {
		return errors.New("unknown hardware error")
	}
	return err
}
