// Package app wires the device session, the capture worker, photo storage,
// the merge dispatcher and the history journal into one running instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/HdrGo/internal/config"
	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/hw/session"
	"github.com/cjeanneret/HdrGo/internal/journal"
	"github.com/cjeanneret/HdrGo/internal/logic/capture"
	"github.com/cjeanneret/HdrGo/internal/logic/exposure"
	"github.com/cjeanneret/HdrGo/internal/merge"
	"github.com/cjeanneret/HdrGo/internal/store"
)

// mergeQueue bounds the merges waiting behind the one running.
const mergeQueue = 4

// Overrides change one photo's settings. Zero values keep the configured ones.
type Overrides struct {
	HDR          *bool
	BracketCount int
	ExposureStep int
}

// Shot is the outcome of one successful photo.
type Shot struct {
	Sequence      *capture.Sequence
	ReferencePath string
	FramePaths    []string
	// MergeQueued is true when the frames went to the merge backend; the
	// merged file appears later and is recorded in the journal.
	MergeQueued bool
}

// Options replace the pieces New would build from the configuration.
type Options struct {
	Provider camera.Provider
	Backend  merge.Backend
}

// App is one opened device with its capture worker.
type App struct {
	cfg      *config.Config
	log      zerolog.Logger
	settings capture.Settings

	release func() error
	sess    *session.Session
	ctrl    *capture.Controller
	store   *store.Store
	merger  *merge.Dispatcher
	journal *journal.Journal
	pending sync.WaitGroup // queued or running merges

	cancel    context.CancelFunc
	g         *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// CaptureSettings resolves the configured step preset or explicit factors.
func CaptureSettings(s config.Settings) (capture.Settings, error) {
	up, down, err := exposure.StepFactors(exposure.Step(s.ExposureStep))
	if err != nil {
		return capture.Settings{}, err
	}
	if s.StepUp != 0 {
		up = s.StepUp
	}
	if s.StepDown != 0 {
		down = s.StepDown
	}
	return capture.Settings{HDR: s.HDR, BracketCount: s.BracketCount, StepUp: up, StepDown: down}, nil
}

// New opens the configured device and starts the capture worker and the
// merge dispatcher. Close releases everything.
func New(ctx context.Context, cfg *config.Config, opts Options, log zerolog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, log: log, release: func() error { return nil }}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.settings, err = CaptureSettings(cfg.Settings()); err != nil {
		return nil, err
	}

	provider := opts.Provider
	if provider == nil {
		p, release, err := NewProvider(cfg, log)
		if err != nil {
			return nil, err
		}
		provider, a.release = p, release
	}

	if a.store, err = store.New(cfg.Output.Dir, log.With().Str("component", "store").Logger()); err != nil {
		return nil, err
	}
	if cfg.Journal.Path != "" {
		if a.journal, err = journal.Open(cfg.Journal.Path); err != nil {
			return nil, err
		}
	}

	id, err := pickDevice(ctx, provider, camera.DeviceID(cfg.Device.ID))
	if err != nil {
		return nil, err
	}
	sopts := session.Options{OpenTimeout: cfg.OpenTimeout()}
	if cfg.Device.Resolution != "" {
		size, err := camera.ParseSize(cfg.Device.Resolution)
		if err != nil {
			return nil, err
		}
		sopts.Resolution = &size
	}
	mgr := session.NewManager(provider, sopts, log.With().Str("component", "session").Logger())
	if a.sess, err = mgr.Open(ctx, id); err != nil {
		return nil, err
	}
	if a.ctrl, err = capture.NewController(a.sess, a.settings, log.With().Str("component", "capture").Logger()); err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil && cfg.Merge.Command != "" {
		backend = &merge.Command{
			Path: cfg.Merge.Command,
			Args: cfg.Merge.Args,
			Log:  log.With().Str("component", "merge").Logger(),
		}
	}
	if backend != nil {
		a.merger = merge.NewDispatcher(backend, cfg.MergeTimeout(), mergeQueue, log.With().Str("component", "merge").Logger())
	}

	wctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.g = new(errgroup.Group)
	a.g.Go(func() error { return a.ctrl.Run(wctx) })
	if a.merger != nil {
		a.g.Go(func() error { return a.merger.Run(wctx) })
	}
	log.Info().Str("device", string(id)).Str("size", a.sess.OutputSize().String()).Bool("merge", a.merger != nil).Msg("ready")
	return a, nil
}

func pickDevice(ctx context.Context, p camera.Provider, want camera.DeviceID) (camera.DeviceID, error) {
	if want != "" {
		return want, nil
	}
	ids, err := p.Enumerate(ctx)
	if err != nil {
		return "", fmt.Errorf("enumerate devices: %w", err)
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: no devices", camera.ErrUnknownDevice)
	}
	return ids[0], nil
}

// Capabilities returns the opened device's capabilities.
func (a *App) Capabilities() camera.Capabilities { return a.sess.Capabilities() }

// Settings returns the default capture settings.
func (a *App) Settings() capture.Settings { return a.settings }

// Stopped is closed when the capture worker exits, e.g. after the device was lost.
func (a *App) Stopped() <-chan struct{} { return a.ctrl.Stopped() }

// Resolve applies o to the configured settings.
func (a *App) Resolve(o Overrides) (capture.Settings, error) {
	cs := a.cfg.Settings()
	if o.HDR != nil {
		cs.HDR = *o.HDR
	}
	if o.BracketCount != 0 {
		if o.BracketCount < 1 || o.BracketCount > config.MaxBracketCount {
			return capture.Settings{}, fmt.Errorf("bracket_count must be between 1 and %d, got %d", config.MaxBracketCount, o.BracketCount)
		}
		cs.BracketCount = o.BracketCount
	}
	if o.ExposureStep != 0 {
		cs.ExposureStep = o.ExposureStep
		cs.StepUp, cs.StepDown = 0, 0
	}
	return CaptureSettings(cs)
}

// Shoot takes one photo, saves it and queues the merge. The whole sequence
// is bounded by capture.sequence_timeout_ms.
func (a *App) Shoot(ctx context.Context, o Overrides) (*Shot, error) {
	s, err := a.Resolve(o)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SequenceTimeout())
	defer cancel()

	seq, err := a.ctrl.TakePictureWith(ctx, s)
	if err != nil {
		if seq != nil {
			a.record(seq, err, "", journal.MergeNone)
		}
		return nil, err
	}

	shot := &Shot{Sequence: seq}
	names := store.NamesFor(seq.StartedAt)
	if shot.ReferencePath, err = a.store.Write(names.Reference(), seq.Reference); err != nil {
		a.record(seq, err, "", journal.MergeNone)
		return nil, fmt.Errorf("save reference: %w", err)
	}
	if seq.HDR && a.cfg.HDR.SaveIntermediate {
		for _, f := range seq.Frames {
			p, err := a.store.Write(names.Frame(f.Index), f.Data)
			if err != nil {
				a.log.Error().Err(err).Int("index", f.Index).Msg("save intermediate frame")
				continue
			}
			shot.FramePaths = append(shot.FramePaths, p)
		}
	}

	mergeState := journal.MergeNone
	if seq.HDR && a.merger != nil {
		mergeState = journal.MergePending
	}
	a.record(seq, nil, shot.ReferencePath, mergeState)
	if mergeState == journal.MergePending {
		shot.MergeQueued = a.queueMerge(ctx, seq, names)
	}
	return shot, nil
}

func (a *App) queueMerge(ctx context.Context, seq *capture.Sequence, names store.Names) bool {
	id := seq.ID.String()
	job := merge.Job{
		ID:      id,
		Frames:  Frames(seq.Frames),
		Options: merge.Options{Align: a.cfg.HDR.Align, Algorithm: a.cfg.HDR.Algorithm, Tonemap: a.cfg.HDR.Tonemap},
		Done: func(out []byte, err error) {
			defer a.pending.Done()
			state, path := journal.MergeDone, ""
			if err == nil {
				path, err = a.store.Write(names.Merged(), out)
			}
			if err != nil {
				state = journal.MergeFailed
				a.log.Error().Err(err).Str("id", id).Msg("merge")
			}
			a.setMerge(id, state, path)
		},
	}
	a.pending.Add(1)
	if err := a.merger.Submit(ctx, job); err != nil {
		a.pending.Done()
		a.log.Error().Err(err).Str("id", id).Msg("queue merge")
		a.setMerge(id, journal.MergeFailed, "")
		return false
	}
	return true
}

// WaitMerges blocks until every queued merge has finished or ctx is done.
func (a *App) WaitMerges(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames converts collected slots into merge frames, keeping their order.
func Frames(slots []capture.Slot) []merge.Frame {
	out := make([]merge.Frame, len(slots))
	for i, s := range slots {
		out[i] = merge.Frame{Image: s.Data, Exposure: s.Exposure}
	}
	return out
}

func (a *App) record(seq *capture.Sequence, err error, ref, mergeState string) {
	if a.journal == nil {
		return
	}
	r := journal.Record{
		ID:            seq.ID.String(),
		Number:        seq.Number,
		Device:        string(seq.Device),
		Mode:          seq.Mode(),
		Status:        "success",
		Exposures:     seq.Plan,
		ReferencePath: ref,
		MergeStatus:   mergeState,
		StartedAt:     seq.StartedAt,
		FinishedAt:    seq.FinishedAt,
	}
	if err != nil {
		r.Status = capture.Classify(err).String()
		r.Error = err.Error()
	}
	// The journal outlives the caller's context.
	if jerr := a.journal.Add(context.Background(), r); jerr != nil {
		a.log.Error().Err(jerr).Str("id", r.ID).Msg("journal")
	}
}

func (a *App) setMerge(id, state, path string) {
	if a.journal == nil {
		return
	}
	if err := a.journal.SetMerge(context.Background(), id, state, path); err != nil {
		a.log.Error().Err(err).Str("id", id).Msg("journal merge")
	}
}

// History lists the most recent sequences; empty without a journal.
func (a *App) History(ctx context.Context, limit int) ([]journal.Record, error) {
	if a.journal == nil {
		return nil, nil
	}
	return a.journal.List(ctx, limit)
}

// Close closes the device session first, which releases the device lock,
// then stops the workers and waits for them. Queued merges are dropped.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.sess != nil {
			if err := a.sess.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.cancel != nil {
			a.cancel()
			if err := a.g.Wait(); err != nil && !errors.Is(err, camera.ErrSessionClosed) {
				errs = append(errs, err)
			}
		}
		if a.journal != nil {
			if err := a.journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close journal: %w", err))
			}
		}
		if err := a.release(); err != nil {
			errs = append(errs, fmt.Errorf("release hardware: %w", err))
		}
		a.closeErr = errors.Join(errs...)
		a.log.Info().Err(a.closeErr).Msg("closed")
	})
	return a.closeErr
}
