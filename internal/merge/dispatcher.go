package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cjeanneret/HdrGo/internal/metrics"
)

var tracer = otel.Tracer("github.com/cjeanneret/HdrGo/internal/merge")

// ErrDispatcherClosed is returned by Submit once Run has returned.
var ErrDispatcherClosed = errors.New("merge: dispatcher closed")

// Job is one completed bracketing sequence.
type Job struct {
	ID      string
	Frames  []Frame
	Options Options
	// Done receives the merged image or the error. It runs on the
	// dispatcher goroutine.
	Done func(out []byte, err error)
}

// Dispatcher runs merges one at a time off the capture worker. Each
// submitted job reaches the backend exactly once.
type Dispatcher struct {
	backend Backend
	timeout time.Duration
	log     zerolog.Logger
	jobs    chan Job
	stopped chan struct{}
	// Submit holds mu for reading; shutdown takes it to wait them out.
	mu sync.RWMutex
}

// NewDispatcher queues up to queue jobs; timeout bounds each backend call
// (0 = no limit).
func NewDispatcher(b Backend, timeout time.Duration, queue int, log zerolog.Logger) *Dispatcher {
	if queue < 1 {
		queue = 1
	}
	return &Dispatcher{
		backend: b,
		timeout: timeout,
		log:     log,
		jobs:    make(chan Job, queue),
		stopped: make(chan struct{}),
	}
}

// Submit queues j, waiting for room until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, j Job) error {
	if len(j.Frames) == 0 {
		return ErrNoFrames
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	select {
	case <-d.stopped:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.jobs <- j:
		return nil
	case <-d.stopped:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run merges queued jobs until ctx is cancelled. Jobs still queued then are
// completed with the context error.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.shutdown(ctx.Err())
			return nil
		case j := <-d.jobs:
			if err := ctx.Err(); err != nil {
				d.drop(j, err)
				d.shutdown(err)
				return nil
			}
			d.run(ctx, j)
		}
	}
}

func (d *Dispatcher) shutdown(err error) {
	close(d.stopped)
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		select {
		case j := <-d.jobs:
			d.drop(j, err)
		default:
			return
		}
	}
}

func (d *Dispatcher) drop(j Job, err error) {
	d.log.Warn().Str("id", j.ID).Msg("merge dropped at shutdown")
	if j.Done != nil {
		j.Done(nil, err)
	}
}

func (d *Dispatcher) run(ctx context.Context, j Job) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "merge.sequence")
	defer span.End()
	span.SetAttributes(
		attribute.String("sequence.id", j.ID),
		attribute.Int("frames", len(j.Frames)),
	)

	start := time.Now()
	out, err := d.backend.MergeSequence(ctx, j.Frames, j.Options)
	if err == nil && len(out) == 0 {
		err = fmt.Errorf("merge: backend returned an empty image")
	}
	metrics.RecordMerge(err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Error().Err(err).Str("id", j.ID).Msg("merge failed")
	} else {
		span.SetStatus(codes.Ok, "")
		d.log.Info().Str("id", j.ID).Int("bytes", len(out)).Dur("took", time.Since(start)).Msg("merge complete")
	}
	if j.Done != nil {
		j.Done(out, err)
	}
}
